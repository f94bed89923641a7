package sessions

import (
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"langexchange-backend/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 128
)

var errConnectionClosed = errors.New("connection closed")

// Connection is one authenticated socket. A user may hold several.
type Connection struct {
	ID          string
	UserID      string
	Identity    *auth.Identity
	ConnectedAt time.Time

	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *log.Logger

	mu             sync.Mutex
	pendingSession string
}

func newConnection(identity *auth.Identity, ws *websocket.Conn, logger *log.Logger) *Connection {
	id := uuid.NewString()
	return &Connection{
		ID:          id,
		UserID:      identity.UserID,
		Identity:    identity,
		ConnectedAt: time.Now(),
		ws:          ws,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		logger:      logger.With("conn", id, "user", identity.UserID),
	}
}

// Send queues payload for the write loop. A connection whose buffer is full
// is too slow to keep and gets closed.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errConnectionClosed
	default:
		c.logger.Warn("send buffer full, closing")
		go c.Close(websocket.ClosePolicyViolation, "slow consumer")
		return errConnectionClosed
	}
}

func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		if c.ws == nil {
			return
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) PendingSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingSession
}

func (c *Connection) setPendingSession(sessionID string) {
	c.mu.Lock()
	c.pendingSession = sessionID
	c.mu.Unlock()
}

func (c *Connection) clearPendingSession(sessionID string) {
	c.mu.Lock()
	if c.pendingSession == sessionID {
		c.pendingSession = ""
	}
	c.mu.Unlock()
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("write failed", "err", err)
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("ping failed", "err", err)
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// prepareRead applies the frame limit and the pong-driven read deadline.
func (c *Connection) prepareRead() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}
