package signaling

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/charmbracelet/log"
)

// WebRTC signaling events. They are forwarded verbatim between the two
// participants of a session.
const (
	EventOffer           = "webrtc:offer"
	EventAnswer          = "webrtc:answer"
	EventICECandidate    = "webrtc:ice_candidate"
	EventConnectionReady = "webrtc:connection_ready"
)

var (
	ErrUnknownEvent   = errors.New("unknown signaling event")
	ErrMissingSession = errors.New("sessionId is required")
	ErrNotInSession   = errors.New("sender is not in session")
	ErrMalformed      = errors.New("malformed signaling payload")
)

// Events lists every event the relay handles.
var Events = []string{EventOffer, EventAnswer, EventICECandidate, EventConnectionReady}

// IsSignalingEvent reports whether event belongs to the relay.
func IsSignalingEvent(event string) bool {
	return strings.HasPrefix(event, "webrtc:")
}

// SessionRoom names the room shared by the accepting connections of a session.
func SessionRoom(sessionID string) string {
	return "session:" + sessionID
}

// Rooms is the room registry the relay fans out through.
type Rooms interface {
	InRoom(room, connID string) bool
	Broadcast(room, event string, data any, excludeUserID string) int
}

type Relay struct {
	rooms  Rooms
	logger *log.Logger
}

func NewRelay(rooms Rooms, logger *log.Logger) *Relay {
	return &Relay{
		rooms:  rooms,
		logger: logger.WithPrefix("SIGNALING"),
	}
}

// Relay forwards a signaling payload from the sending connection to the other
// members of its session room. The payload is passed through untouched apart
// from a "from" field naming the sender. It returns the number of
// connections the message was queued for.
func (r *Relay) Relay(connID, userID, event string, data json.RawMessage) (int, error) {
	switch event {
	case EventOffer, EventAnswer, EventICECandidate, EventConnectionReady:
	default:
		return 0, ErrUnknownEvent
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return 0, ErrMalformed
	}

	var sessionID string
	if raw, ok := fields["sessionId"]; ok {
		if err := json.Unmarshal(raw, &sessionID); err != nil {
			return 0, ErrMalformed
		}
	}
	if sessionID == "" {
		return 0, ErrMissingSession
	}

	room := SessionRoom(sessionID)
	if !r.rooms.InRoom(room, connID) {
		r.logger.Warn("dropped signaling from outside session", "event", event, "user", userID, "session", sessionID)
		return 0, ErrNotInSession
	}

	from, _ := json.Marshal(userID)
	fields["from"] = from

	delivered := r.rooms.Broadcast(room, event, fields, userID)
	r.logger.Debug("relayed", "event", event, "session", sessionID, "user", userID, "delivered", delivered)
	return delivered, nil
}
