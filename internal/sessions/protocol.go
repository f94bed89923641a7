package sessions

import (
	"encoding/json"
	"time"
)

// Client events.
const (
	EventJoinQueue   = "join_queue"
	EventLeaveQueue  = "leave_queue"
	EventAcceptMatch = "accept_match"
	EventRejectMatch = "reject_match"
	EventQueueStatus = "queue_status"
	EventHeartbeat   = "heartbeat"
)

// Server-only events.
const (
	EventAck   = "ack"
	EventError = "error"
)

// Inbound is a client frame. Ack, when present, is echoed on the reply and
// may be any JSON scalar the client chooses.
type Inbound struct {
	Type string          `json:"type"`
	Ack  json.RawMessage `json:"ack,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Outbound struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type AckFrame struct {
	Type string          `json:"type"`
	Ack  json.RawMessage `json:"ack"`
	Data any             `json:"data"`
}

// Reply is the acknowledgement body of the queue and match events.
type Reply struct {
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	QueuePosition int64  `json:"queuePosition,omitempty"`
	EstimatedWait int64  `json:"estimatedWait,omitempty"`
	InQueue       *bool  `json:"inQueue,omitempty"`
	BothAccepted  *bool  `json:"bothAccepted,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
}

func failure(msg string) Reply {
	return Reply{Error: msg}
}

type joinQueueRequest struct {
	NativeLanguage   string `json:"nativeLanguage"`
	TargetLanguage   string `json:"targetLanguage"`
	Age              int    `json:"age"`
	Gender           string `json:"gender"`
	ProficiencyLevel string `json:"proficiencyLevel"`
	AgeMin           int    `json:"ageMin"`
	AgeMax           int    `json:"ageMax"`
	GenderPreference string `json:"genderPreference"`
}

type matchRequest struct {
	MatchID   string `json:"matchId"`
	SessionID string `json:"sessionId"`
}

func encodeEvent(event string, data any, at time.Time) ([]byte, error) {
	return json.Marshal(Outbound{Type: event, Data: data, Timestamp: at.UTC()})
}
