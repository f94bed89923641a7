package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"langexchange-backend/internal/auth"
	"langexchange-backend/internal/matching"
	"langexchange-backend/internal/queue"
)

const searchTimeout = 10 * time.Second

type Matchmaker interface {
	JoinQueue(ctx context.Context, prefs queue.Preferences) (*matching.JoinResult, error)
	FindAndPropose(ctx context.Context, prefs queue.Preferences) (*matching.Proposal, error)
	LeaveQueue(ctx context.Context, userID string) (bool, error)
	QueuePosition(ctx context.Context, userID string) (*matching.QueueStatus, error)
}

// QueueHandler is the REST twin of the gateway's queue events, for clients
// that join before opening a socket.
type QueueHandler struct {
	matchmaker Matchmaker
	logger     *log.Logger
}

func NewQueueHandler(matchmaker Matchmaker, logger *log.Logger) *QueueHandler {
	return &QueueHandler{
		matchmaker: matchmaker,
		logger:     logger.WithPrefix("API"),
	}
}

type JoinResponse struct {
	Status        string `json:"status"`
	QueuePosition int64  `json:"queue_position"`
	EstimatedWait int64  `json:"estimated_wait_seconds"`
	Message       string `json:"message"`
}

type StatusResponse struct {
	InQueue       bool      `json:"in_queue"`
	QueuePosition int64     `json:"queue_position"`
	EstimatedWait int64     `json:"estimated_wait_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *QueueHandler) JoinQueue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := newRequestID()
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		auth.WriteError(w, &auth.Error{Reason: auth.ReasonNoToken})
		return
	}

	var prefs queue.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		h.logger.Info("bad join body", "req", requestID, "user", identity.UserID, "err", err)
		h.writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	prefs.UserID = identity.UserID

	res, err := h.matchmaker.JoinQueue(r.Context(), prefs)
	if err != nil {
		var verr *matching.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, http.StatusBadRequest, matching.ErrInvalidPreferences.Error(), verr.Error())
			return
		}
		h.logger.Error("join failed", "req", requestID, "user", identity.UserID, "err", err)
		h.writeError(w, http.StatusServiceUnavailable, "failed to join queue", "")
		return
	}

	// The search outlives the request.
	go func(prefs queue.Preferences) {
		ctx, cancel := context.WithTimeout(context.Background(), searchTimeout)
		defer cancel()
		if _, err := h.matchmaker.FindAndPropose(ctx, prefs); err != nil {
			h.logger.Warn("match search failed", "req", requestID, "user", prefs.UserID, "err", err)
		}
	}(res.Preferences)

	h.logger.Info("joined via api", "req", requestID, "user", identity.UserID,
		"position", res.Position, "duration", time.Since(start))
	h.writeJSON(w, http.StatusOK, JoinResponse{
		Status:        "waiting",
		QueuePosition: res.Position,
		EstimatedWait: int64(res.EstimatedWait / time.Second),
		Message:       "Added to matchmaking queue. You will be notified when a match is found.",
	})
}

func (h *QueueHandler) LeaveQueue(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		auth.WriteError(w, &auth.Error{Reason: auth.ReasonNoToken})
		return
	}

	removed, err := h.matchmaker.LeaveQueue(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("leave failed", "user", identity.UserID, "err", err)
		h.writeError(w, http.StatusServiceUnavailable, "failed to leave queue", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "left", "removed": removed})
}

func (h *QueueHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		auth.WriteError(w, &auth.Error{Reason: auth.ReasonNoToken})
		return
	}

	status, err := h.matchmaker.QueuePosition(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("status failed", "user", identity.UserID, "err", err)
		h.writeError(w, http.StatusServiceUnavailable, "failed to read queue status", "")
		return
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{
		InQueue:       status.InQueue,
		QueuePosition: status.Position,
		EstimatedWait: int64(status.EstimatedWait / time.Second),
		Timestamp:     time.Now().UTC(),
	})
}

func (h *QueueHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("write response failed", "err", err)
	}
}

func (h *QueueHandler) writeError(w http.ResponseWriter, status int, msg, detail string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg, Message: detail})
}

func newRequestID() string {
	return "req_" + uuid.NewString()[:8]
}
