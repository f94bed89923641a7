package sessions

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"langexchange-backend/internal/logger"
	"langexchange-backend/internal/signaling"
)

func testConn(id, userID string, buffer int) *Connection {
	return &Connection{
		ID:     id,
		UserID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger.Discard(),
	}
}

func drain(t *testing.T, c *Connection) []Outbound {
	t.Helper()
	var out []Outbound
	for {
		select {
		case payload := <-c.send:
			var msg Outbound
			require.NoError(t, json.Unmarshal(payload, &msg))
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestHubNotifyReachesEveryConnectionOfUser(t *testing.T) {
	hub := NewHub(logger.Discard())
	a1, a2, b := testConn("a1", "alice", 4), testConn("a2", "alice", 4), testConn("b", "bob", 4)
	hub.Attach(a1)
	hub.Attach(a2)
	hub.Attach(b)

	hub.Notify("alice", "match_found", map[string]string{"matchId": "m1"})

	for _, c := range []*Connection{a1, a2} {
		msgs := drain(t, c)
		require.Len(t, msgs, 1)
		assert.Equal(t, "match_found", msgs[0].Type)
		assert.False(t, msgs[0].Timestamp.IsZero())
	}
	assert.Empty(t, drain(t, b))
}

func TestHubBroadcastExcludesUser(t *testing.T) {
	hub := NewHub(logger.Discard())
	a, b1, b2 := testConn("a", "alice", 4), testConn("b1", "bob", 4), testConn("b2", "bob", 4)
	for _, c := range []*Connection{a, b1, b2} {
		hub.Attach(c)
		hub.Join("room", c)
	}

	n := hub.Broadcast("room", "ping", nil, "bob")
	assert.Equal(t, 1, n)
	assert.Len(t, drain(t, a), 1)
	assert.Empty(t, drain(t, b1))
	assert.Empty(t, drain(t, b2))

	assert.Zero(t, hub.Broadcast("nobody-here", "ping", nil, ""))
}

func TestHubDetachReportsLastConnection(t *testing.T) {
	hub := NewHub(logger.Discard())
	a1, a2 := testConn("a1", "alice", 1), testConn("a2", "alice", 1)
	hub.Attach(a1)
	hub.Attach(a2)
	hub.Join("room", a1)

	assert.False(t, hub.Detach(a1))
	assert.False(t, hub.InRoom("room", "a1"))
	assert.Empty(t, hub.Rooms("a1"))
	assert.Equal(t, 1, hub.Connections("alice"))

	assert.True(t, hub.Detach(a2))
	assert.Zero(t, hub.Connections("alice"))

	// Unknown connections are ignored.
	assert.False(t, hub.Detach(a2))
}

func TestHubQueueRooms(t *testing.T) {
	hub := NewHub(logger.Discard())
	a1, a2 := testConn("a1", "alice", 1), testConn("a2", "alice", 1)
	hub.Attach(a1)
	hub.Attach(a2)
	hub.Join("queue:en:es", a1)
	hub.Join(signaling.SessionRoom("s1"), a1)

	hub.JoinQueueRoom("alice", "queue:en:fr")
	for _, id := range []string{"a1", "a2"} {
		assert.True(t, hub.InRoom("queue:en:fr", id))
		assert.False(t, hub.InRoom("queue:en:es", id))
	}

	hub.LeaveQueueRooms("alice")
	assert.False(t, hub.InRoom("queue:en:fr", "a1"))
	assert.True(t, hub.InRoom(UserRoom("alice"), "a1"))
	assert.True(t, hub.InRoom(signaling.SessionRoom("s1"), "a1"))
}

func TestHubPromotePendingJoinsOnlyAcceptingConnections(t *testing.T) {
	hub := NewHub(logger.Discard())
	a, b1, b2 := testConn("a", "alice", 1), testConn("b1", "bob", 1), testConn("b2", "bob", 1)
	for _, c := range []*Connection{a, b1, b2} {
		hub.Attach(c)
	}

	hub.MarkPending("s1", a)
	hub.MarkPending("s1", b1)
	assert.Equal(t, "s1", a.PendingSession())

	assert.Equal(t, 2, hub.PromotePending("s1"))
	room := signaling.SessionRoom("s1")
	assert.True(t, hub.InRoom(room, "a"))
	assert.True(t, hub.InRoom(room, "b1"))
	assert.False(t, hub.InRoom(room, "b2"))
	assert.Empty(t, a.PendingSession())

	assert.Zero(t, hub.PromotePending("s1"))
}

func TestHubClearPending(t *testing.T) {
	hub := NewHub(logger.Discard())
	a := testConn("a", "alice", 1)
	hub.Attach(a)

	hub.MarkPending("s1", a)
	hub.ClearPending("s1", a)
	assert.Empty(t, a.PendingSession())
	assert.Zero(t, hub.PromotePending("s1"))

	// Marking a second session drops the first.
	hub.MarkPending("s1", a)
	hub.MarkPending("s2", a)
	assert.Zero(t, hub.PromotePending("s1"))
	assert.Equal(t, 1, hub.PromotePending("s2"))
}

func TestHubCancelSessionForgetsEveryAcceptingConnection(t *testing.T) {
	hub := NewHub(logger.Discard())
	a, b := testConn("a", "alice", 4), testConn("b", "bob", 4)
	hub.Attach(a)
	hub.Attach(b)

	hub.MarkPending("s1", a)
	hub.MarkPending("s1", b)
	hub.CancelSession("s1")

	assert.Empty(t, a.PendingSession())
	assert.Empty(t, b.PendingSession())
	assert.Zero(t, pendingFor(hub, "s1"))
	assert.Zero(t, hub.PromotePending("s1"))
	assert.False(t, hub.InRoom(signaling.SessionRoom("s1"), "a"))
}

func pendingFor(h *Hub, sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pending[sessionID])
}

func roomSize(h *Hub, room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func TestConnectionSend(t *testing.T) {
	c := testConn("a", "alice", 1)
	require.NoError(t, c.Send([]byte("one")))

	// Buffer full: the connection is dropped as a slow consumer.
	assert.ErrorIs(t, c.Send([]byte("two")), errConnectionClosed)
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("slow connection was not closed")
	}
	assert.ErrorIs(t, c.Send([]byte("three")), errConnectionClosed)
}
