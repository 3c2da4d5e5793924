package router

import (
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/chatwire/chatwire/internal/wire"
)

// dispatch routes one inbound edge frame. Peers here are trusted
// infrastructure, so a malformed frame means a broken edge: it is alerted on
// and the connection closed rather than tolerated. Returns false when the
// connection should close.
func (g *Gateway) dispatch(ec *EdgeConn, raw []byte) (keepOpen bool) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			kind := fmt.Sprintf("%T", r)
			ec.log.Error().Str("panic", fmt.Sprint(r)).Str("stack", stack).Msg("Recovered from dispatch panic")
			g.alert(kind, fmt.Sprint(r), map[string]any{"frame": string(raw), "stack": stack})
			keepOpen = false
		}
	}()

	frameType, err := wire.PeekType(raw)
	if err != nil || frameType == "" {
		ec.log.Error().Err(err).Str("frame", string(raw)).Msg("Malformed edge frame")
		g.alert("InvalidMessageFormat", "Malformed frame from an edge server", map[string]any{"frame": string(raw)})
		return false
	}

	switch frameType {
	case wire.TypeAddAppUser:
		return g.handleAdd(ec, raw)
	case wire.TypeRemoveAppUser:
		return g.handleRemove(ec, raw)
	case wire.TypeFullSync:
		return g.handleFullSync(ec, raw)
	case wire.TypeRoutable, wire.TypeSystemRoutable, wire.TypeSetLastMessageRead:
		return g.route(ec, frameType, raw)
	default:
		ec.log.Error().Str("type", frameType).Msg("Unknown edge frame type")
		g.alert("UnknownMessageType", "Unknown frame type from an edge server", map[string]any{"type": frameType})
		return false
	}
}

func (g *Gateway) malformed(ec *EdgeConn, raw []byte, reason string) bool {
	ec.log.Error().Str("frame", string(raw)).Msg(reason)
	g.alert("MissingRequiredField", reason, map[string]any{"frame": string(raw)})
	return false
}

func (g *Gateway) handleAdd(ec *EdgeConn, raw []byte) bool {
	var update wire.UserUpdate
	if err := json.Unmarshal(raw, &update); err != nil || update.ApplicationUserIdentifier == "" {
		return g.malformed(ec, raw, "ADD_APP_USER_WEBSOCKET without application_user_identifier")
	}

	g.locator.Add(update.ApplicationUserIdentifier, ec)
	g.metrics.TrackedUsers.Set(float64(g.locator.UserCount()))
	ec.log.Debug().Str("app_user", update.ApplicationUserIdentifier).Msg("User attached to edge")
	return true
}

func (g *Gateway) handleRemove(ec *EdgeConn, raw []byte) bool {
	var update wire.UserUpdate
	if err := json.Unmarshal(raw, &update); err != nil || update.ApplicationUserIdentifier == "" {
		return g.malformed(ec, raw, "REMOVE_APP_USER_WEBSOCKET without application_user_identifier")
	}

	g.locator.Remove(update.ApplicationUserIdentifier, ec)
	g.metrics.TrackedUsers.Set(float64(g.locator.UserCount()))
	ec.log.Debug().Str("app_user", update.ApplicationUserIdentifier).Msg("User detached from edge")
	return true
}

func (g *Gateway) handleFullSync(ec *EdgeConn, raw []byte) bool {
	var sync wire.FullSync
	if err := json.Unmarshal(raw, &sync); err != nil || sync.ApplicationUserIdentifiers == nil {
		return g.malformed(ec, raw, "FULL_SYNC without application_user_identifiers")
	}

	g.locator.Merge(sync.ApplicationUserIdentifiers, ec)
	g.metrics.TrackedUsers.Set(float64(g.locator.UserCount()))
	ec.log.Info().Int("users", len(sync.ApplicationUserIdentifiers)).Msg("Synced edge directory")

	// A freshly synced edge gets the mode advertisement right away.
	g.mode.Advertise(ec)
	return true
}

// route fans a frame out to every edge owning any listed recipient. The raw
// bytes are forwarded verbatim, once per distinct edge; a slow edge cannot
// block delivery to the rest. Recipients nobody owns produce one
// OFFLINE_NOTIFICATION back to the sending connection, for ROUTABLE only.
func (g *Gateway) route(ec *EdgeConn, frameType string, raw []byte) bool {
	var msg wire.Routable
	if err := json.Unmarshal(raw, &msg); err != nil || msg.ApplicationUserIdentifiers == nil {
		return g.malformed(ec, raw, frameType+" without application_user_identifiers")
	}

	targets, offline := g.locator.Collect(msg.ApplicationUserIdentifiers)
	for _, target := range targets {
		target.enqueue(raw)
	}
	g.metrics.RoutedFrames.WithLabelValues(frameType).Add(float64(len(targets)))
	ec.log.Debug().Int("edges", len(targets)).Str("type", frameType).Msg("Dispatched routable frame")

	if frameType == wire.TypeRoutable && len(offline) > 0 {
		notification, _ := json.Marshal(wire.OfflineNotification{
			Type:                       wire.TypeOfflineNotification,
			ApplicationUserIdentifiers: offline,
			ChatRoomIdentifier:         msg.ChatRoomIdentifier,
			ApplicationUserIdentifier:  msg.AppUserIdentifier,
			Message:                    msg.Message,
		})
		ec.enqueue(notification)
		g.metrics.OfflineNotifications.Inc()
		ec.log.Debug().Int("users", len(offline)).Msg("Returned offline notification to the sending edge")
	}
	return true
}
