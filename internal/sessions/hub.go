package sessions

import (
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"langexchange-backend/internal/signaling"
)

const queueRoomPrefix = "queue:"

// UserRoom is the personal room every connection of a user joins on attach.
func UserRoom(userID string) string {
	return "user:" + userID
}

// Hub tracks live connections and their room memberships. Unlike a chat
// router it keeps every connection of a user; notifications fan out to all
// of them.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Connection            // connID -> connection
	userConns map[string]map[string]*Connection // userID -> connID -> connection
	rooms     map[string]map[string]*Connection // room -> connID -> connection
	connRooms map[string]map[string]struct{}    // connID -> rooms
	pending   map[string]map[string]*Connection // sessionID -> connID -> accepting connection

	logger *log.Logger
	now    func() time.Time
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		conns:     make(map[string]*Connection),
		userConns: make(map[string]map[string]*Connection),
		rooms:     make(map[string]map[string]*Connection),
		connRooms: make(map[string]map[string]struct{}),
		pending:   make(map[string]map[string]*Connection),
		logger:    logger.WithPrefix("HUB"),
		now:       time.Now,
	}
}

// Attach registers conn and joins it to its user's personal room.
func (h *Hub) Attach(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[conn.ID] = conn
	byUser := h.userConns[conn.UserID]
	if byUser == nil {
		byUser = make(map[string]*Connection)
		h.userConns[conn.UserID] = byUser
	}
	byUser[conn.ID] = conn
	h.joinLocked(UserRoom(conn.UserID), conn)
}

// Detach forgets conn and every room it was in. It reports whether that was
// the user's last live connection.
func (h *Hub) Detach(conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[conn.ID]; !ok {
		return false
	}
	delete(h.conns, conn.ID)

	for room := range h.connRooms[conn.ID] {
		h.leaveLocked(room, conn.ID)
	}
	delete(h.connRooms, conn.ID)

	if sid := conn.PendingSession(); sid != "" {
		h.clearPendingLocked(sid, conn.ID)
	}

	byUser := h.userConns[conn.UserID]
	delete(byUser, conn.ID)
	if len(byUser) == 0 {
		delete(h.userConns, conn.UserID)
		return true
	}
	return false
}

func (h *Hub) Join(room string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn.ID]; !ok {
		return
	}
	h.joinLocked(room, conn)
}

func (h *Hub) Leave(room string, conn *Connection) {
	h.mu.Lock()
	h.leaveLocked(room, conn.ID)
	h.mu.Unlock()
}

func (h *Hub) InRoom(room, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][connID]
	return ok
}

// Rooms lists the rooms conn currently belongs to.
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.connRooms[connID]))
	for room := range h.connRooms[connID] {
		out = append(out, room)
	}
	return out
}

func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userConns[userID])
}

// Broadcast encodes event once and queues it for every member of room,
// skipping connections of excludeUserID when set.
func (h *Hub) Broadcast(room, event string, data any, excludeUserID string) int {
	payload, err := encodeEvent(event, data, h.now())
	if err != nil {
		h.logger.Error("encode event failed", "event", event, "room", room, "err", err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, conn := range h.rooms[room] {
		if excludeUserID != "" && conn.UserID == excludeUserID {
			continue
		}
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// Notify delivers event to every live connection of userID.
func (h *Hub) Notify(userID, event string, data any) {
	if n := h.Broadcast(UserRoom(userID), event, data, ""); n == 0 {
		h.logger.Debug("no live connection for event", "user", userID, "event", event)
	}
}

// JoinQueueRoom moves every connection of userID into room, leaving any
// other queue room first.
func (h *Hub) JoinQueueRoom(userID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.userConns[userID] {
		h.leaveQueueRoomsLocked(conn.ID)
		h.joinLocked(room, conn)
	}
}

func (h *Hub) LeaveQueueRooms(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.userConns[userID] {
		h.leaveQueueRoomsLocked(conn.ID)
	}
}

// MarkPending records that conn has accepted sessionID and should join the
// session room once the partner accepts too.
func (h *Hub) MarkPending(sessionID string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn.ID]; !ok {
		return
	}
	if prev := conn.PendingSession(); prev != "" && prev != sessionID {
		h.clearPendingLocked(prev, conn.ID)
	}
	conn.setPendingSession(sessionID)
	set := h.pending[sessionID]
	if set == nil {
		set = make(map[string]*Connection)
		h.pending[sessionID] = set
	}
	set[conn.ID] = conn
}

func (h *Hub) ClearPending(sessionID string, conn *Connection) {
	h.mu.Lock()
	h.clearPendingLocked(sessionID, conn.ID)
	h.mu.Unlock()
	conn.clearPendingSession(sessionID)
}

// PromotePending joins every accepting connection of sessionID to its
// session room and returns how many joined.
func (h *Hub) PromotePending(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := signaling.SessionRoom(sessionID)
	joined := 0
	for _, conn := range h.pending[sessionID] {
		h.joinLocked(room, conn)
		conn.clearPendingSession(sessionID)
		joined++
	}
	delete(h.pending, sessionID)
	return joined
}

// CancelSession drops every connection still waiting to enter sessionID.
func (h *Hub) CancelSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.pending[sessionID] {
		conn.clearPendingSession(sessionID)
	}
	delete(h.pending, sessionID)
}

// OpenSession is PromotePending for callers that do not need the count.
func (h *Hub) OpenSession(sessionID string) {
	n := h.PromotePending(sessionID)
	h.logger.Debug("session opened", "session", sessionID, "connections", n)
}

// Close shuts every connection and clears all state.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*Connection)
	h.userConns = make(map[string]map[string]*Connection)
	h.rooms = make(map[string]map[string]*Connection)
	h.connRooms = make(map[string]map[string]struct{})
	h.pending = make(map[string]map[string]*Connection)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutdown")
	}
}

func (h *Hub) joinLocked(room string, conn *Connection) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Connection)
		h.rooms[room] = members
	}
	members[conn.ID] = conn

	memberships := h.connRooms[conn.ID]
	if memberships == nil {
		memberships = make(map[string]struct{})
		h.connRooms[conn.ID] = memberships
	}
	memberships[room] = struct{}{}
}

func (h *Hub) leaveLocked(room, connID string) {
	if members := h.rooms[room]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if memberships := h.connRooms[connID]; memberships != nil {
		delete(memberships, room)
	}
}

func (h *Hub) leaveQueueRoomsLocked(connID string) {
	for room := range h.connRooms[connID] {
		if strings.HasPrefix(room, queueRoomPrefix) {
			h.leaveLocked(room, connID)
		}
	}
}

func (h *Hub) clearPendingLocked(sessionID, connID string) {
	set := h.pending[sessionID]
	if set == nil {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(h.pending, sessionID)
	}
}
