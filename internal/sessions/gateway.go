package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"langexchange-backend/internal/auth"
	"langexchange-backend/internal/matching"
	"langexchange-backend/internal/queue"
	"langexchange-backend/internal/ratelimit"
	"langexchange-backend/internal/signaling"
)

const opTimeout = 10 * time.Second

type Matchmaker interface {
	JoinQueue(ctx context.Context, prefs queue.Preferences) (*matching.JoinResult, error)
	FindAndPropose(ctx context.Context, prefs queue.Preferences) (*matching.Proposal, error)
	LeaveQueue(ctx context.Context, userID string) (bool, error)
	QueuePosition(ctx context.Context, userID string) (*matching.QueueStatus, error)
	AcceptMatch(ctx context.Context, userID, matchID string) (bool, error)
	RejectMatch(ctx context.Context, userID, matchID string) error
}

type Authenticator interface {
	Verify(ctx context.Context, token string) (*auth.Identity, error)
}

type Limiter interface {
	Allow(ctx context.Context, userID, event string) error
}

type PresenceStore interface {
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error
}

// Gateway terminates client websockets: it authenticates the upgrade,
// dispatches client events and cleans up after the socket goes away.
type Gateway struct {
	hub        *Hub
	matchmaker Matchmaker
	relay      *signaling.Relay
	auth       Authenticator
	limiter    Limiter
	presence   PresenceStore
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

func NewGateway(hub *Hub, matchmaker Matchmaker, relay *signaling.Relay, authn Authenticator, limiter Limiter, presence PresenceStore, logger *log.Logger) *Gateway {
	return &Gateway{
		hub:        hub,
		matchmaker: matchmaker,
		relay:      relay,
		auth:       authn,
		limiter:    limiter,
		presence:   presence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser origins are not restricted; the bearer token is the
			// credential.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.WithPrefix("GATEWAY"),
	}
}

// HandleWebSocket authenticates the request before upgrading. Refusals are
// plain HTTP 401/403 responses.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	identity, err := g.auth.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		g.logger.Info("connection refused", "remote", r.RemoteAddr, "err", err)
		auth.WriteError(w, err)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", "user", identity.UserID, "err", err)
		return
	}

	conn := newConnection(identity, ws, g.logger)
	g.hub.Attach(conn)
	conn.logger.Info("connected", "remote", r.RemoteAddr, "connections", g.hub.Connections(identity.UserID))

	go conn.writeLoop()
	g.readLoop(conn)
	g.disconnect(conn, start)
}

func (g *Gateway) readLoop(conn *Connection) {
	conn.prepareRead()
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.logger.Debug("read failed", "err", err)
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg Inbound
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			g.sendEvent(conn, EventError, map[string]string{"error": "malformed message"})
			continue
		}
		g.dispatch(conn, msg)
	}
}

func (g *Gateway) dispatch(conn *Connection, msg Inbound) {
	if !g.allow(conn, msg.Type) {
		if signaling.IsSignalingEvent(msg.Type) {
			g.sendEvent(conn, EventError, map[string]string{"event": msg.Type, "error": ratelimit.ErrLimited.Error()})
			return
		}
		g.ack(conn, msg, failure(ratelimit.ErrLimited.Error()))
		return
	}

	// Signaling is relayed inline so a sender's frames keep their order.
	if signaling.IsSignalingEvent(msg.Type) {
		if _, err := g.relay.Relay(conn.ID, conn.UserID, msg.Type, msg.Data); err != nil {
			conn.logger.Debug("signaling dropped", "event", msg.Type, "err", err)
		}
		return
	}

	switch msg.Type {
	case EventHeartbeat:
		g.ack(conn, msg, map[string]int64{"timestamp": time.Now().UnixMilli()})
	case EventJoinQueue:
		go g.handleJoinQueue(conn, msg)
	case EventLeaveQueue:
		go g.handleLeaveQueue(conn, msg)
	case EventQueueStatus:
		go g.handleQueueStatus(conn, msg)
	case EventAcceptMatch:
		go g.handleAcceptMatch(conn, msg)
	case EventRejectMatch:
		go g.handleRejectMatch(conn, msg)
	default:
		g.ack(conn, msg, failure("unknown event"))
	}
}

// allow consults the limiter. Limiter outages fail open.
func (g *Gateway) allow(conn *Connection, event string) bool {
	if g.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	err := g.limiter.Allow(ctx, conn.UserID, event)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ratelimit.ErrLimited):
		conn.logger.Info("rate limited", "event", event)
		return false
	default:
		conn.logger.Warn("rate limiter unavailable", "event", event, "err", err)
		return true
	}
}

// Handlers run off the read loop with their own deadline. Closing the socket
// does not cancel them: a queue write already issued completes.
func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

func (g *Gateway) handleJoinQueue(conn *Connection, msg Inbound) {
	var req joinQueueRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		g.ack(conn, msg, failure(matching.ErrInvalidPreferences.Error()))
		return
	}

	prefs, err := matching.Normalize(queue.Preferences{
		UserID:           conn.UserID,
		NativeLanguage:   req.NativeLanguage,
		TargetLanguage:   req.TargetLanguage,
		Age:              req.Age,
		Gender:           req.Gender,
		ProficiencyLevel: req.ProficiencyLevel,
		AgeMin:           req.AgeMin,
		AgeMax:           req.AgeMax,
		GenderPreference: req.GenderPreference,
	})
	if err != nil {
		g.ack(conn, msg, failure(clientError(err, "failed to join queue")))
		return
	}

	// The room is joined before the entry exists: a search that claims this
	// user can only run afterwards, and its room cleanup then sticks.
	room := matching.QueueRoom(prefs)
	g.hub.LeaveQueueRooms(conn.UserID)
	g.hub.Join(room, conn)

	ctx, cancel := opContext()
	defer cancel()

	res, err := g.matchmaker.JoinQueue(ctx, prefs)
	if err != nil {
		g.hub.Leave(room, conn)
		g.ack(conn, msg, failure(clientError(err, "failed to join queue")))
		return
	}

	g.ack(conn, msg, Reply{
		Success:       true,
		QueuePosition: res.Position,
		EstimatedWait: int64(res.EstimatedWait / time.Second),
	})

	if _, err := g.matchmaker.FindAndPropose(ctx, res.Preferences); err != nil {
		conn.logger.Warn("match search failed", "err", err)
	}
}

func (g *Gateway) handleLeaveQueue(conn *Connection, msg Inbound) {
	ctx, cancel := opContext()
	defer cancel()

	if _, err := g.matchmaker.LeaveQueue(ctx, conn.UserID); err != nil {
		g.ack(conn, msg, failure("failed to leave queue"))
		return
	}
	g.ack(conn, msg, Reply{Success: true})
}

func (g *Gateway) handleQueueStatus(conn *Connection, msg Inbound) {
	ctx, cancel := opContext()
	defer cancel()

	status, err := g.matchmaker.QueuePosition(ctx, conn.UserID)
	if err != nil {
		g.ack(conn, msg, failure("failed to read queue status"))
		return
	}
	inQueue := status.InQueue
	g.ack(conn, msg, Reply{
		Success:       true,
		InQueue:       &inQueue,
		QueuePosition: status.Position,
		EstimatedWait: int64(status.EstimatedWait / time.Second),
	})
}

func (g *Gateway) handleAcceptMatch(conn *Connection, msg Inbound) {
	var req matchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.MatchID == "" ||
		(req.SessionID != "" && req.SessionID != req.MatchID) {
		g.ack(conn, msg, failure("failed to accept match"))
		return
	}

	// Marked before the vote so a partner completing the double accept
	// concurrently still finds this connection. The matchmaker opens the
	// session room through the hub.
	g.hub.MarkPending(req.MatchID, conn)

	ctx, cancel := opContext()
	defer cancel()

	both, err := g.matchmaker.AcceptMatch(ctx, conn.UserID, req.MatchID)
	if err != nil {
		g.hub.ClearPending(req.MatchID, conn)
		conn.logger.Info("accept failed", "match", req.MatchID, "err", err)
		g.ack(conn, msg, failure("failed to accept match"))
		return
	}
	if both {
		conn.logger.Info("session ready", "session", req.MatchID)
	}
	g.ack(conn, msg, Reply{Success: true, BothAccepted: &both, SessionID: req.MatchID})
}

func (g *Gateway) handleRejectMatch(conn *Connection, msg Inbound) {
	var req matchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.MatchID == "" {
		g.ack(conn, msg, failure("failed to reject match"))
		return
	}

	ctx, cancel := opContext()
	defer cancel()

	if err := g.matchmaker.RejectMatch(ctx, conn.UserID, req.MatchID); err != nil {
		conn.logger.Info("reject failed", "match", req.MatchID, "err", err)
		g.ack(conn, msg, failure("failed to reject match"))
		return
	}
	g.ack(conn, msg, Reply{Success: true})
}

func (g *Gateway) disconnect(conn *Connection, start time.Time) {
	last := g.hub.Detach(conn)
	conn.Close(websocket.CloseNormalClosure, "")

	ctx, cancel := opContext()
	defer cancel()

	if last {
		if _, err := g.matchmaker.LeaveQueue(ctx, conn.UserID); err != nil {
			conn.logger.Warn("dequeue on disconnect failed", "err", err)
		}
	}
	if g.presence != nil {
		if err := g.presence.TouchLastSeen(ctx, conn.UserID, time.Now()); err != nil {
			conn.logger.Warn("last seen update failed", "err", err)
		}
	}
	conn.logger.Info("disconnected", "duration", time.Since(start), "last", last)
}

// ack replies to msg when the client asked for an acknowledgement.
func (g *Gateway) ack(conn *Connection, msg Inbound, data any) {
	if len(msg.Ack) == 0 {
		return
	}
	payload, err := json.Marshal(AckFrame{Type: EventAck, Ack: msg.Ack, Data: data})
	if err != nil {
		conn.logger.Error("encode ack failed", "event", msg.Type, "err", err)
		return
	}
	_ = conn.Send(payload)
}

func (g *Gateway) sendEvent(conn *Connection, event string, data any) {
	payload, err := encodeEvent(event, data, time.Now())
	if err != nil {
		conn.logger.Error("encode event failed", "event", event, "err", err)
		return
	}
	_ = conn.Send(payload)
}

// clientError maps internal failures onto messages safe to show a client.
func clientError(err error, fallback string) string {
	var verr *matching.ValidationError
	if errors.As(err, &verr) {
		return matching.ErrInvalidPreferences.Error() + ": " + verr.Error()
	}
	return fallback
}
