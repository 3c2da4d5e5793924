package edge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chatwire/chatwire/internal/wire"
)

// dispatchManager handles frames from operator connections. Managers query
// the live directory and inject system messages; they never join rooms
// themselves.
func (g *Gateway) dispatchManager(c *Client, raw []byte) bool {
	var msg wire.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return c.sendError(wire.ErrInvalidFormat())
	}
	if msg.Type == "" {
		return c.sendError(wire.ErrMissingField("type"))
	}

	switch msg.Type {
	case wire.TypeConnectedUsersInfo:
		return g.handleConnectedUsersInfo(c)
	case wire.TypeSystemRoutable:
		return g.handleSystemRoutable(c, &msg)
	default:
		return c.sendError(wire.ErrInvalidFormat())
	}
}

// handleConnectedUsersInfo replies with this edge's directory: every online
// user, their devices, and their custom data.
func (g *Gateway) handleConnectedUsersInfo(c *Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snapshot := g.directory.Snapshot()

	info := wire.ConnectedUsersInfo{
		Counter:    len(snapshot),
		Identifier: g.identifier,
		Data:       make(map[string]wire.ConnectedUserInfo, len(snapshot)),
	}
	for user, devices := range snapshot {
		info.Data[user] = wire.ConnectedUserInfo{
			Devices:    devices,
			CustomData: g.customData.CustomData(ctx, user),
		}
	}

	raw, _ := json.Marshal(info)
	c.enqueue(raw)
	return true
}

// handleSystemRoutable persists an authorless system message and relays it
// to the room membership. A missing room is logged and skipped rather than
// failing the manager socket.
func (g *Gateway) handleSystemRoutable(c *Client, msg *wire.ClientMessage) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if msg.ChatRoomIdentifier == "" {
		return c.sendError(wire.ErrMissingField("chat_room_identifier"))
	}
	text, cerr := requireText(msg)
	if cerr != nil {
		return c.sendError(cerr)
	}

	room := g.store.FetchChatRoom(ctx, msg.ChatRoomIdentifier)
	if room == nil {
		c.log.Warn().Str("chat_room", msg.ChatRoomIdentifier).Msg("System message for unknown chat room dropped")
		return true
	}
	if len(room.AppUsers) == 0 {
		return true
	}

	ts := g.store.CreateSystemMessage(ctx, room.Identifier, text)

	raw, _ := json.Marshal(wire.Routable{
		Type:                       wire.TypeSystemRoutable,
		ChatRoomIdentifier:         room.Identifier,
		ApplicationUserIdentifiers: room.AppUsers,
		MessageTimestampIdentifier: ts,
		Message:                    text,
	})
	g.routers.Send(raw)
	return true
}
