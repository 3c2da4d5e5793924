// Package push delivers FCM notifications to users who were offline when a chat message arrived.
package push

import "sync"

// ClickAction is attached to every notification payload so mobile clients can route taps to the chat screen.
const ClickAction = "CHAT_NOTIFICATION"

// Notification is the data payload of a push message.
type Notification struct {
	ChatRoomIdentifier string `json:"chat_room_identifier"`
	Message            string `json:"message"`
	AppUserIdentifier  string `json:"app_user_identifier"`
	ClickAction        string `json:"click_action"`
}

// NewNotification builds the payload for a message sent by sender into the given chat room.
func NewNotification(chatRoomIdentifier, message, sender string) Notification {
	return Notification{
		ChatRoomIdentifier: chatRoomIdentifier,
		Message:            message,
		AppUserIdentifier:  sender,
		ClickAction:        ClickAction,
	}
}

// Queue collects pending notifications per user. A user holds at most one pending notification; a newer one replaces
// the older, so a burst of messages produces a single push.
type Queue struct {
	mu      sync.Mutex
	pending map[string]Notification
}

func NewQueue() *Queue {
	return &Queue{pending: make(map[string]Notification)}
}

// Put queues a notification for the given user, replacing any pending one.
func (q *Queue) Put(appUserIdentifier string, n Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[appUserIdentifier] = n
}

// Drain returns all pending notifications and empties the queue.
func (q *Queue) Drain() map[string]Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.pending
	q.pending = make(map[string]Notification)
	return pending
}
