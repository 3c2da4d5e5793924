package edge

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/chatwire/chatwire/internal/push"
	"github.com/chatwire/chatwire/internal/wire"
)

// RouterFrames handles the frames central routers send back to this edge:
// message fanout to local devices and offline notification requests.
type RouterFrames struct {
	directory *Directory
	queue     *push.Queue
	log       zerolog.Logger
}

// NewRouterFrames creates the router frame handler.
func NewRouterFrames(directory *Directory, queue *push.Queue, logger zerolog.Logger) *RouterFrames {
	return &RouterFrames{
		directory: directory,
		queue:     queue,
		log:       logger.With().Str("component", "router_frames").Logger(),
	}
}

// Handle dispatches one frame received from a router.
func (rf *RouterFrames) Handle(frameType string, raw []byte) {
	switch frameType {
	case wire.TypeRoutable, wire.TypeSetLastMessageRead, wire.TypeSystemRoutable:
		rf.fanout(raw)
	case wire.TypeOfflineNotification:
		rf.offline(raw)
	default:
		rf.log.Warn().Str("type", frameType).Msg("Unhandled router frame")
	}
}

// fanout delivers the frame to every local device of every listed user. The
// recipient list is routing metadata and is stripped before delivery.
func (rf *RouterFrames) fanout(raw []byte) {
	var frame wire.Routable
	if err := json.Unmarshal(raw, &frame); err != nil {
		rf.log.Error().Err(err).Msg("Malformed router frame")
		return
	}

	stripped, err := wire.StripField(raw, "application_user_identifiers")
	if err != nil {
		rf.log.Error().Err(err).Msg("Failed to strip recipient list from router frame")
		return
	}

	for _, user := range frame.ApplicationUserIdentifiers {
		for _, c := range rf.directory.Clients(user) {
			c.enqueue(stripped)
		}
	}
}

// offline queues push notifications for recipients without a live socket on
// any edge. The author is excluded.
func (rf *RouterFrames) offline(raw []byte) {
	var frame wire.OfflineNotification
	if err := json.Unmarshal(raw, &frame); err != nil {
		rf.log.Error().Err(err).Msg("Malformed offline notification")
		return
	}

	n := push.NewNotification(frame.ChatRoomIdentifier, frame.Message, frame.ApplicationUserIdentifier)
	for _, user := range frame.ApplicationUserIdentifiers {
		if user == frame.ApplicationUserIdentifier {
			continue
		}
		rf.queue.Put(user, n)
	}
}
