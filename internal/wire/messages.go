// Package wire defines the JSON frame types exchanged between clients, edge
// servers, and central routers, together with the error catalogue that is part
// of the wire contract.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message type values carried in the "type" field of every frame.
const (
	TypeRoutable            = "ROUTABLE"
	TypeSystemRoutable      = "SYSTEM_ROUTABLE"
	TypeError               = "ERROR"
	TypeGetHistory          = "GET_HISTORY"
	TypeSetLastMessageRead  = "SET_LAST_MESSAGE_READ"
	TypeGetLastMessagesRead = "GET_LAST_MESSAGES_READ"
	TypeAddAppUser          = "ADD_APP_USER_WEBSOCKET"
	TypeRemoveAppUser       = "REMOVE_APP_USER_WEBSOCKET"
	TypeFullSync            = "FULL_SYNC"
	TypeServerMode          = "SERVER_MODE"
	TypeOfflineNotification = "OFFLINE_NOTIFICATION"
	TypeGetLastChatRoomMsg  = "GET_LAST_CHAT_ROOM_MESSAGE"
	TypeGetUnreadCount      = "GET_UNREAD_MESSAGES_COUNT"
	TypeConnectedUsersInfo  = "CONNECTED_USERS_INFO"
)

// Server modes advertised by a central router.
const (
	ModeInitialization = "INITIALIZATION"
	ModeOperational    = "OPERATIONAL"
)

// Chat room types. The room type gates which message types a client may use
// against the room.
const (
	RoomRegular     = 1
	RoomMassPublic  = 2
	RoomMassPrivate = 3
)

// Envelope carries only the type discriminator of a frame. Handlers decode it
// first, then decode the full frame for the matched type.
type Envelope struct {
	Type string `json:"type"`
}

// PeekType decodes the type field of a raw frame.
func PeekType(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode frame envelope: %w", err)
	}
	return env.Type, nil
}

// UserUpdate is the ADD_APP_USER_WEBSOCKET / REMOVE_APP_USER_WEBSOCKET frame
// an edge sends to every router when a user's first device attaches or last
// device detaches.
type UserUpdate struct {
	Type                      string `json:"type"`
	ApplicationUserIdentifier string `json:"application_user_identifier"`
}

// FullSync rebuilds a router's view of the users owned by the sending edge.
// It is sent immediately after the edge connects to a router.
type FullSync struct {
	Type                       string   `json:"type"`
	ApplicationUserIdentifiers []string `json:"application_user_identifiers"`
}

// Routable is the fan-out frame for chat traffic. The same shape serves three
// types: ROUTABLE (full), SYSTEM_ROUTABLE (no author, no custom data), and
// SET_LAST_MESSAGE_READ (no message body). Absent fields are omitted.
type Routable struct {
	Type                       string          `json:"type"`
	ChatRoomIdentifier         string          `json:"chat_room_identifier"`
	AppUserIdentifier          string          `json:"app_user_identifier,omitempty"`
	ApplicationUserIdentifiers []string        `json:"application_user_identifiers"`
	MessageTimestampIdentifier int64           `json:"message_timestamp_identifier"`
	Message                    string          `json:"message,omitempty"`
	CustomData                 json.RawMessage `json:"custom_data,omitempty"`
}

// OfflineNotification is returned by a router to the sending edge for
// ROUTABLE recipients that no edge currently owns.
type OfflineNotification struct {
	Type                       string   `json:"type"`
	ApplicationUserIdentifiers []string `json:"application_user_identifiers"`
	ChatRoomIdentifier         string   `json:"chat_room_identifier"`
	ApplicationUserIdentifier  string   `json:"application_user_identifier"`
	Message                    string   `json:"message"`
}

// ServerMode announces a router's mode to an edge. Only OPERATIONAL is ever
// advertised.
type ServerMode struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewServerMode returns a serialized SERVER_MODE frame for the given mode.
func NewServerMode(mode string) []byte {
	raw, _ := json.Marshal(ServerMode{Type: TypeServerMode, Message: mode})
	return raw
}

// ClientMessage is the decoded form of any frame a client may send. Numeric
// identifiers are int64-typed so nanosecond timestamps never pass through
// float64. Message stays raw so handlers can distinguish a missing value
// from a present non-string one.
type ClientMessage struct {
	Type                           string          `json:"type"`
	ChatRoomIdentifier             string          `json:"chat_room_identifier"`
	ChatRoomIdentifiers            []string        `json:"chat_room_identifiers"`
	Message                        json.RawMessage `json:"message"`
	MessageTimestampIdentifier     int64           `json:"message_timestamp_identifier"`
	FromMessageTimestampIdentifier int64           `json:"from_message_timestamp_identifier"`
	Limit                          int             `json:"limit"`
}

// HistoryReply answers GET_HISTORY.
type HistoryReply struct {
	Type               string `json:"type"`
	ChatRoomIdentifier string `json:"chat_room_identifier"`
	Payload            any    `json:"payload"`
}

// PayloadReply answers GET_LAST_MESSAGES_READ, GET_LAST_CHAT_ROOM_MESSAGE,
// and GET_UNREAD_MESSAGES_COUNT with a type-specific payload array.
type PayloadReply struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// LastRoomMessage is one reply row of GET_LAST_CHAT_ROOM_MESSAGE. The
// pointer fields stay null for rooms without any message.
type LastRoomMessage struct {
	ChatRoomIdentifier         string  `json:"chat_room_identifier"`
	HasUnreadMessages          bool    `json:"has_unread_messages"`
	LastMessageText            *string `json:"last_message_text"`
	MessageTimestampIdentifier *int64  `json:"message_timestamp_identifier"`
}

// UnreadCount is one reply row of GET_UNREAD_MESSAGES_COUNT.
type UnreadCount struct {
	ChatRoomIdentifier  string `json:"chat_room_identifier"`
	UnreadMessagesCount int    `json:"unread_messages_count"`
}

// ConnectedUsersInfo answers the manager CONNECTED_USERS_INFO query with the
// edge's live directory.
type ConnectedUsersInfo struct {
	Counter    int                          `json:"counter"`
	Identifier string                       `json:"identifier"`
	Data       map[string]ConnectedUserInfo `json:"data"`
}

// ConnectedUserInfo lists one user's attached devices and cached custom data.
type ConnectedUserInfo struct {
	Devices    []string        `json:"devices"`
	CustomData json.RawMessage `json:"custom_data,omitempty"`
}

// StripField removes a top-level field from a raw JSON object and returns the
// re-serialized remainder. Numbers are decoded with json.Number so values
// such as nanosecond timestamps survive the round trip exactly.
func StripField(raw []byte, field string) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	delete(obj, field)

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return out, nil
}
