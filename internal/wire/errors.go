package wire

import (
	"encoding/json"
	"fmt"
)

// Chat error codes sent to clients inside ERROR frames.
const (
	CodeInternal        = 10000
	CodeNotRoomMember   = 10001
	CodeMessageNotText  = 10002
	CodeTooManyRooms    = 10003
	CodeInvalidFormat   = 10004
	CodeMissingField    = 10005
	CodeRouterOffline   = 10006
	CodeSpamDetected    = 10007
	CodeWrongRoomType   = 10008
	CodeRoomNotFound    = 10009
)

// ChatError is a client-visible protocol error. It satisfies the error
// interface so handlers can return it through ordinary error paths and have
// the gateway serialize it into an ERROR frame.
type ChatError struct {
	Code    int
	Message string
	Extra   any
}

func (e *ChatError) Error() string {
	return fmt.Sprintf("chat error %d: %s", e.Code, e.Message)
}

// Fatal reports whether the socket must be closed after the error is sent.
func (e *ChatError) Fatal() bool {
	return e.Code == CodeInternal || e.Code == CodeSpamDetected
}

// ErrInternal wraps any unexpected handler failure.
func ErrInternal(className, exception string) *ChatError {
	return &ChatError{
		Code:    CodeInternal,
		Message: "Exception in chat websocket server.",
		Extra:   map[string]string{"class_name": className, "exception": exception},
	}
}

// ErrNotRoomMember rejects access to a room the user does not belong to.
func ErrNotRoomMember(roomID, userID string) *ChatError {
	return &ChatError{
		Code:    CodeNotRoomMember,
		Message: "User does not belong to this chat room.",
		Extra: map[string]string{
			"chat_room_identifier":        roomID,
			"application_user_identifier": userID,
		},
	}
}

// ErrMessageNotText rejects a ROUTABLE whose message field is not a string.
func ErrMessageNotText() *ChatError {
	return &ChatError{Code: CodeMessageNotText, Message: "Message must be string type."}
}

// ErrTooManyRooms rejects batched room queries above the limit.
func ErrTooManyRooms() *ChatError {
	return &ChatError{
		Code:    CodeTooManyRooms,
		Message: "Length of chat_room_identifiers list cant be grater than 10.",
	}
}

// ErrInvalidFormat rejects frames that are not JSON objects or carry an
// unknown type.
func ErrInvalidFormat() *ChatError {
	return &ChatError{
		Code:    CodeInvalidFormat,
		Message: "Invalid message format: Must be a dictionary with proper fields.",
	}
}

// ErrMissingField rejects frames lacking a compulsory field.
func ErrMissingField(field string) *ChatError {
	return &ChatError{
		Code:    CodeMissingField,
		Message: "Missing required field.",
		Extra:   map[string]string{"field_name": field},
	}
}

// ErrRouterOffline rejects routable traffic while no router is reachable.
func ErrRouterOffline() *ChatError {
	return &ChatError{
		Code:    CodeRouterOffline,
		Message: "Central router is not connected. Ignoring message.",
	}
}

// ErrSpamDetected is sent before closing a socket that exceeded the rate
// limit.
func ErrSpamDetected() *ChatError {
	return &ChatError{
		Code:    CodeSpamDetected,
		Message: "Message spam detected: the rate exceeded 300 messages per minute. Server will close the socket.",
	}
}

// ErrWrongRoomType rejects a message type the room's type does not allow.
func ErrWrongRoomType(roomType int, methodType string) *ChatError {
	return &ChatError{
		Code:    CodeWrongRoomType,
		Message: "Invalid message type for chat room. See details.",
		Extra: map[string]any{
			"chat_room_type": roomType,
			"method_type":    methodType,
		},
	}
}

// ErrRoomNotFound rejects references to rooms absent from storage.
func ErrRoomNotFound() *ChatError {
	return &ChatError{Code: CodeRoomNotFound, Message: "Chat room does not exists."}
}

type errorFrame struct {
	Type      string       `json:"type"`
	Exception errorPayload `json:"exception"`
}

type errorPayload struct {
	Message   string `json:"message"`
	ErrorCode int    `json:"error_code"`
	Extra     any    `json:"extra"`
}

// Frame serializes the error into an ERROR frame.
func (e *ChatError) Frame() []byte {
	raw, _ := json.Marshal(errorFrame{
		Type: TypeError,
		Exception: errorPayload{
			Message:   e.Message,
			ErrorCode: e.Code,
			Extra:     e.Extra,
		},
	})
	return raw
}
