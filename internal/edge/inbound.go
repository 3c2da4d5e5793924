package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/chatwire/chatwire/internal/dynamo"
	"github.com/chatwire/chatwire/internal/wire"
)

const (
	// defaultHistoryLimit applies when a GET_HISTORY request carries no limit.
	defaultHistoryLimit = 20

	// lastMessageReadLimit bounds how far back the unread counter scans.
	lastMessageReadLimit = 100

	// maxUnreadCountRooms is the largest chat_room_identifiers list a
	// GET_UNREAD_MESSAGES_COUNT request may carry.
	maxUnreadCountRooms = 10
)

// dispatch handles one inbound frame and reports whether the connection may
// keep reading. A panicking handler closes this connection only; the frame
// and stack go to the admins.
func (g *Gateway) dispatch(c *Client, raw []byte) (keepOpen bool) {
	defer func() {
		if r := recover(); r != nil {
			keepOpen = false
			g.handlePanic(c, raw, r)
		}
	}()

	if c.isManager {
		return g.dispatchManager(c, raw)
	}

	if !g.routers.Available() {
		cerr := wire.ErrRouterOffline()
		g.alert("RouterUnavailable", cerr.Message, nil)
		return c.sendError(cerr)
	}

	var msg wire.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return c.sendError(wire.ErrInvalidFormat())
	}
	if msg.Type == "" {
		return c.sendError(wire.ErrMissingField("type"))
	}

	g.metrics.InboundFrames.WithLabelValues(frameLabel(msg.Type)).Inc()

	switch msg.Type {
	case wire.TypeRoutable:
		return g.handleRoutable(c, &msg)
	case wire.TypeGetHistory:
		return g.handleGetHistory(c, &msg)
	case wire.TypeSetLastMessageRead:
		return g.handleSetLastMessageRead(c, &msg)
	case wire.TypeGetLastMessagesRead:
		return g.handleGetLastMessagesRead(c, &msg)
	case wire.TypeGetLastChatRoomMsg:
		return g.handleGetLastChatRoomMessage(c, &msg)
	case wire.TypeGetUnreadCount:
		return g.handleGetUnreadCount(c, &msg)
	default:
		return c.sendError(wire.ErrInvalidFormat())
	}
}

// frameLabel maps a client-supplied type string onto the bounded label set
// of the inbound frame counter.
func frameLabel(messageType string) string {
	switch messageType {
	case wire.TypeRoutable, wire.TypeGetHistory, wire.TypeSetLastMessageRead,
		wire.TypeGetLastMessagesRead, wire.TypeGetLastChatRoomMsg, wire.TypeGetUnreadCount:
		return messageType
	default:
		return "UNKNOWN"
	}
}

// roomTypePermissions maps each chat room type to the message types clients
// may use against rooms of that type.
var roomTypePermissions = map[int][]string{
	wire.RoomRegular: {
		wire.TypeRoutable,
		wire.TypeGetHistory,
		wire.TypeSetLastMessageRead,
		wire.TypeGetLastMessagesRead,
		wire.TypeGetLastChatRoomMsg,
		wire.TypeGetUnreadCount,
	},
	wire.RoomMassPublic:  {wire.TypeRoutable, wire.TypeGetHistory},
	wire.RoomMassPrivate: {wire.TypeRoutable, wire.TypeGetHistory},
}

// validateRoom loads the chat room and enforces the type and membership
// rules for the requested operation. Mass public rooms are open to everyone;
// every other type requires the caller in app_users.
func (g *Gateway) validateRoom(ctx context.Context, c *Client, roomID, messageType string) (*dynamo.ChatRoom, *wire.ChatError) {
	if roomID == "" {
		return nil, wire.ErrMissingField("chat_room_identifier")
	}
	room := g.store.FetchChatRoom(ctx, roomID)
	if room == nil {
		return nil, wire.ErrRoomNotFound()
	}
	if !slices.Contains(roomTypePermissions[room.Type], messageType) {
		return nil, wire.ErrWrongRoomType(room.Type, messageType)
	}
	if room.Type != wire.RoomMassPublic && !slices.Contains(room.AppUsers, c.appUserIdentifier) {
		return nil, wire.ErrNotRoomMember(room.Identifier, c.appUserIdentifier)
	}
	return room, nil
}

// requireText extracts the message field, which must be a non-empty JSON
// string.
func requireText(msg *wire.ClientMessage) (string, *wire.ChatError) {
	if len(msg.Message) == 0 || string(msg.Message) == "null" {
		return "", wire.ErrMissingField("message")
	}
	var text string
	if err := json.Unmarshal(msg.Message, &text); err != nil {
		return "", wire.ErrMessageNotText()
	}
	if text == "" {
		return "", wire.ErrMissingField("message")
	}
	return text, nil
}

// handleRoutable persists a chat message, relays it to a router for fanout,
// and advances the author's read marker to the new message.
func (g *Gateway) handleRoutable(c *Client, msg *wire.ClientMessage) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	room, cerr := g.validateRoom(ctx, c, msg.ChatRoomIdentifier, wire.TypeRoutable)
	if cerr != nil {
		return c.sendError(cerr)
	}
	text, cerr := requireText(msg)
	if cerr != nil {
		return c.sendError(cerr)
	}

	ts := g.store.CreateChatMessage(ctx, room.Identifier, c.appUserIdentifier, text)

	raw, _ := json.Marshal(wire.Routable{
		Type:                       wire.TypeRoutable,
		ChatRoomIdentifier:         room.Identifier,
		AppUserIdentifier:          c.appUserIdentifier,
		ApplicationUserIdentifiers: room.AppUsers,
		MessageTimestampIdentifier: ts,
		Message:                    text,
		CustomData:                 g.customData.CustomData(ctx, c.appUserIdentifier),
	})
	g.routers.Send(raw)

	g.markLastRead(ctx, c, room, ts)
	return true
}

// handleSetLastMessageRead moves the caller's read marker in a room.
func (g *Gateway) handleSetLastMessageRead(c *Client, msg *wire.ClientMessage) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	room, cerr := g.validateRoom(ctx, c, msg.ChatRoomIdentifier, wire.TypeSetLastMessageRead)
	if cerr != nil {
		return c.sendError(cerr)
	}
	if msg.MessageTimestampIdentifier == 0 {
		return c.sendError(wire.ErrMissingField("message_timestamp_identifier"))
	}

	g.markLastRead(ctx, c, room, msg.MessageTimestampIdentifier)
	return true
}

// markLastRead persists the caller's read position and relays the update to
// the room membership. The relayed frame is the ROUTABLE shape without the
// message body.
func (g *Gateway) markLastRead(ctx context.Context, c *Client, room *dynamo.ChatRoom, ts int64) {
	g.store.UpdateLastMessageRead(ctx, room.Identifier, c.appUserIdentifier, ts)

	raw, _ := json.Marshal(wire.Routable{
		Type:                       wire.TypeSetLastMessageRead,
		ChatRoomIdentifier:         room.Identifier,
		AppUserIdentifier:          c.appUserIdentifier,
		ApplicationUserIdentifiers: room.AppUsers,
		MessageTimestampIdentifier: ts,
		CustomData:                 g.customData.CustomData(ctx, c.appUserIdentifier),
	})
	g.routers.Send(raw)
}

// handleGetHistory replies with messages older than the requested timestamp,
// newest first, each annotated with its author's custom data.
func (g *Gateway) handleGetHistory(c *Client, msg *wire.ClientMessage) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	room, cerr := g.validateRoom(ctx, c, msg.ChatRoomIdentifier, wire.TypeGetHistory)
	if cerr != nil {
		return c.sendError(cerr)
	}
	if msg.FromMessageTimestampIdentifier == 0 {
		return c.sendError(wire.ErrMissingField("from_message_timestamp_identifier"))
	}
	limit := msg.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	messages := g.store.FetchChatRoomMessages(ctx, room.Identifier, msg.FromMessageTimestampIdentifier, limit)
	for i := range messages {
		if messages[i].AppUserIdentifier != "" {
			messages[i].CustomData = g.customData.CustomData(ctx, messages[i].AppUserIdentifier)
		}
	}
	if messages == nil {
		messages = []dynamo.Message{}
	}

	raw, _ := json.Marshal(wire.HistoryReply{
		Type:               wire.TypeGetHistory,
		ChatRoomIdentifier: room.Identifier,
		Payload:            messages,
	})
	c.enqueue(raw)
	return true
}

// handleGetLastMessagesRead replies with every member's read marker in a
// room, annotated with custom data.
func (g *Gateway) handleGetLastMessagesRead(c *Client, msg *wire.ClientMessage) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	room, cerr := g.validateRoom(ctx, c, msg.ChatRoomIdentifier, wire.TypeGetLastMessagesRead)
	if cerr != nil {
		return c.sendError(cerr)
	}

	markers := g.store.FetchLastMessagesRead(ctx, room.Identifier)
	for i := range markers {
		markers[i].CustomData = g.customData.CustomData(ctx, markers[i].AppUserIdentifier)
	}
	if markers == nil {
		markers = []dynamo.LastMessageRead{}
	}

	raw, _ := json.Marshal(wire.PayloadReply{Type: wire.TypeGetLastMessagesRead, Payload: markers})
	c.enqueue(raw)
	return true
}

// handleGetLastChatRoomMessage replies with the newest message of each
// listed room and whether the caller has read it. A validation failure on
// any room fails the whole request.
func (g *Gateway) handleGetLastChatRoomMessage(c *Client, msg *wire.ClientMessage) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(msg.ChatRoomIdentifiers) == 0 {
		return c.sendError(wire.ErrMissingField("chat_room_identifiers"))
	}

	rows := make([]wire.LastRoomMessage, 0, len(msg.ChatRoomIdentifiers))
	for _, roomID := range msg.ChatRoomIdentifiers {
		room, cerr := g.validateRoom(ctx, c, roomID, wire.TypeGetLastChatRoomMsg)
		if cerr != nil {
			return c.sendError(cerr)
		}
		rows = append(rows, g.lastRoomMessage(ctx, c, room))
	}

	raw, _ := json.Marshal(wire.PayloadReply{Type: wire.TypeGetLastChatRoomMsg, Payload: rows})
	c.enqueue(raw)
	return true
}

// lastRoomMessage builds one reply row. The room's newest message counts as
// unread unless the caller's read marker points exactly at it.
func (g *Gateway) lastRoomMessage(ctx context.Context, c *Client, room *dynamo.ChatRoom) wire.LastRoomMessage {
	row := wire.LastRoomMessage{ChatRoomIdentifier: room.Identifier}

	messages := g.store.FetchChatRoomMessages(ctx, room.Identifier, time.Now().UnixNano(), 1)
	if len(messages) == 0 {
		return row
	}
	newest := messages[0]
	row.LastMessageText = &newest.Message
	row.MessageTimestampIdentifier = &newest.MessageTimestampIdentifier

	row.HasUnreadMessages = true
	for _, marker := range g.store.FetchReadMessageUsers(ctx, room.Identifier, newest.MessageTimestampIdentifier) {
		if marker.AppUserIdentifier == c.appUserIdentifier {
			row.HasUnreadMessages = false
			break
		}
	}
	return row
}

// handleGetUnreadCount replies with per-room unread message counts for up to
// ten rooms.
func (g *Gateway) handleGetUnreadCount(c *Client, msg *wire.ClientMessage) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(msg.ChatRoomIdentifiers) == 0 {
		return c.sendError(wire.ErrMissingField("chat_room_identifiers"))
	}
	if len(msg.ChatRoomIdentifiers) > maxUnreadCountRooms {
		return c.sendError(wire.ErrTooManyRooms())
	}

	rows := make([]wire.UnreadCount, 0, len(msg.ChatRoomIdentifiers))
	for _, roomID := range msg.ChatRoomIdentifiers {
		room, cerr := g.validateRoom(ctx, c, roomID, wire.TypeGetUnreadCount)
		if cerr != nil {
			return c.sendError(cerr)
		}
		rows = append(rows, wire.UnreadCount{
			ChatRoomIdentifier:  room.Identifier,
			UnreadMessagesCount: g.unreadCount(ctx, c, room),
		})
	}

	raw, _ := json.Marshal(wire.PayloadReply{Type: wire.TypeGetUnreadCount, Payload: rows})
	c.enqueue(raw)
	return true
}

// unreadCount counts messages newer than the caller's read marker, scanning
// newest first and stopping at the marker. The scan is capped, so the count
// saturates at lastMessageReadLimit.
func (g *Gateway) unreadCount(ctx context.Context, c *Client, room *dynamo.ChatRoom) int {
	var lastRead int64
	for _, marker := range g.store.FetchLastMessagesRead(ctx, room.Identifier) {
		if marker.AppUserIdentifier == c.appUserIdentifier {
			lastRead = marker.MessageTimestampIdentifier
		}
	}

	count := 0
	for _, m := range g.store.FetchChatRoomMessages(ctx, room.Identifier, time.Now().UnixNano(), lastMessageReadLimit) {
		if m.MessageTimestampIdentifier <= lastRead {
			break
		}
		count++
	}
	return count
}

// handlePanic turns a handler panic into a fatal protocol error on the
// offending connection and alerts the admins with the frame and stack.
func (g *Gateway) handlePanic(c *Client, raw []byte, r any) {
	stack := string(debug.Stack())
	kind := fmt.Sprintf("%T", r)

	c.log.Error().Str("panic", fmt.Sprint(r)).Str("stack", stack).Msg("Recovered from handler panic")
	g.alert(kind, fmt.Sprint(r), map[string]any{"frame": string(raw), "stack": stack})

	c.sendError(wire.ErrInternal(kind, fmt.Sprint(r)))
}
