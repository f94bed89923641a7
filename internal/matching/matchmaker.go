package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"langexchange-backend/internal/queue"
	"langexchange-backend/internal/storage"
)

// ErrCandidateTaken means a concurrent search claimed the candidate (or the
// requester) between peek and claim.
var ErrCandidateTaken = errors.New("candidate already matched")

// Outbound event names delivered through the Notifier.
const (
	EventMatchFound    = "match_found"
	EventMatchAccepted = "match_accepted"
	EventMatchRejected = "match_rejected"
	EventMatchExpired  = "match_expired"
	EventMatchError    = "match_error"
)

const (
	waitPerEntry   = 30 * time.Second
	maxEstimate    = 300 * time.Second
	fallbackWait   = 60 * time.Second
	searchAttempts = 2
)

// Notifier delivers out-of-band events to every live connection of a user
// and keeps their room memberships in step with the queue and the ledger.
type Notifier interface {
	Notify(userID, event string, data any)
	JoinQueueRoom(userID, room string)
	LeaveQueueRooms(userID string)
	// OpenSession admits the accepting connections to the session room. It
	// runs before either side hears about the double accept.
	OpenSession(sessionID string)
	// CancelSession forgets every connection waiting to enter sessionID.
	CancelSession(sessionID string)
}

type SessionRepository interface {
	CreateSession(ctx context.Context, session *storage.Session) error
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error
}

// StatusMirror is the best-effort durable copy of queue state.
type StatusMirror interface {
	MirrorStatus(ctx context.Context, prefs queue.Preferences, status string)
}

type Config struct {
	PendingTTL  time.Duration
	RejectedTTL time.Duration
}

type Matchmaker struct {
	store    queue.Store
	engine   *Engine
	sessions SessionRepository
	notifier Notifier
	mirror   StatusMirror
	cfg      Config
	logger   *log.Logger

	retryBase     time.Duration
	retryAttempts uint64
	now           func() time.Time
}

func NewMatchmaker(store queue.Store, sessions SessionRepository, notifier Notifier, mirror StatusMirror, cfg Config, logger *log.Logger) *Matchmaker {
	return &Matchmaker{
		store:         store,
		engine:        NewEngine(store, logger),
		sessions:      sessions,
		notifier:      notifier,
		mirror:        mirror,
		cfg:           cfg,
		logger:        logger.WithPrefix("MATCHMAKER"),
		retryBase:     defaultRetryBase,
		retryAttempts: defaultRetryAttempts,
		now:           time.Now,
	}
}

// QueueRoom names the gateway room for a user's language-pair queue.
func QueueRoom(prefs queue.Preferences) string {
	return "queue:" + prefs.NativeLanguage + ":" + prefs.TargetLanguage
}

type JoinResult struct {
	Preferences   queue.Preferences
	Position      int64
	EstimatedWait time.Duration
}

type QueueStatus struct {
	InQueue       bool
	Position      int64
	EstimatedWait time.Duration
}

// Proposal is a created, not yet accepted, match.
type Proposal struct {
	MatchID   string
	UserA     string
	UserB     string
	Score     float64
	Strategy  string
	CreatedAt time.Time
}

// JoinQueue validates prefs and places the user in their pair queue,
// replacing any entry they already had. The search is a separate step.
func (m *Matchmaker) JoinQueue(ctx context.Context, prefs queue.Preferences) (*JoinResult, error) {
	start := time.Now()
	opID := fmt.Sprintf("join_%d", start.UnixNano())

	prefs, err := Normalize(prefs)
	if err != nil {
		m.logger.Info("rejected preferences", "op", opID, "user", prefs.UserID, "err", err)
		return nil, err
	}

	position, err := m.store.Enqueue(ctx, prefs, false)
	if err != nil {
		m.logger.Error("enqueue failed", "op", opID, "user", prefs.UserID, "err", err)
		return nil, err
	}
	m.mirrorStatus(ctx, prefs, storage.QueueWaiting)

	wait := m.EstimatedWait(ctx, prefs.QueueKey())
	m.logger.Info("joined queue", "op", opID, "user", prefs.UserID, "queue", prefs.QueueKey(),
		"position", position, "estimated_wait", wait, "duration", time.Since(start))

	return &JoinResult{Preferences: prefs, Position: position, EstimatedWait: wait}, nil
}

// LeaveQueue removes the user's entry. Leaving when not queued succeeds.
func (m *Matchmaker) LeaveQueue(ctx context.Context, userID string) (bool, error) {
	entry, _, err := m.store.Position(ctx, userID)
	if err != nil {
		return false, err
	}

	removed, err := m.store.Dequeue(ctx, userID)
	if err != nil {
		m.logger.Error("dequeue failed", "user", userID, "err", err)
		return false, err
	}
	m.notify(func(n Notifier) { n.LeaveQueueRooms(userID) })

	if removed && entry != nil {
		m.mirrorStatus(ctx, entry.Preferences, storage.QueueLeft)
	}
	m.logger.Debug("left queue", "user", userID, "removed", removed)
	return removed, nil
}

func (m *Matchmaker) QueuePosition(ctx context.Context, userID string) (*QueueStatus, error) {
	entry, position, err := m.store.Position(ctx, userID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return &QueueStatus{}, nil
	}
	return &QueueStatus{
		InQueue:       true,
		Position:      position,
		EstimatedWait: m.EstimatedWait(ctx, entry.QueueKey),
	}, nil
}

// EstimatedWait is min(len*30s, 300s), or 60s when the length is unknown.
func (m *Matchmaker) EstimatedWait(ctx context.Context, queueKey string) time.Duration {
	n, err := m.store.Length(ctx, queueKey)
	if err != nil {
		m.logger.Warn("queue length unavailable", "queue", queueKey, "err", err)
		return fallbackWait
	}
	return min(time.Duration(n)*waitPerEntry, maxEstimate)
}

// FindAndPropose searches for a partner for a queued requester and, on
// success, creates the ledger, claims both users, records the session and
// notifies both. It returns (nil, nil) when nobody compatible is waiting.
func (m *Matchmaker) FindAndPropose(ctx context.Context, prefs queue.Preferences) (*Proposal, error) {
	for attempt := 1; attempt <= searchAttempts; attempt++ {
		result, err := m.engine.FindMatch(ctx, prefs)
		if err != nil {
			m.logger.Error("search failed", "user", prefs.UserID, "err", err)
			return nil, err
		}
		if result == nil {
			return nil, nil
		}

		proposal, err := m.propose(ctx, prefs, result)
		if errors.Is(err, ErrCandidateTaken) {
			m.logger.Debug("candidate taken, searching again", "user", prefs.UserID,
				"partner", result.Candidate.UserID, "attempt", attempt)
			continue
		}
		return proposal, err
	}
	return nil, nil
}

func (m *Matchmaker) propose(ctx context.Context, prefs queue.Preferences, result *Result) (*Proposal, error) {
	start := time.Now()
	candidate := result.Candidate.Preferences
	ledger := &queue.Ledger{
		MatchID:      uuid.NewString(),
		UserA:        prefs.UserID,
		UserB:        candidate.UserID,
		CreatedAt:    m.now().UTC(),
		Status:       queue.LedgerPending,
		Score:        result.Score,
		PreferencesA: prefs,
		PreferencesB: candidate,
	}
	mlog := m.logger.With("match", ledger.MatchID, "user", prefs.UserID, "partner", candidate.UserID)

	// (a) ledger
	if err := m.withRetry(ctx, "create_ledger", func(ctx context.Context) error {
		return m.store.CreateLedger(ctx, ledger, m.cfg.PendingTTL)
	}); err != nil {
		mlog.Error("create ledger failed", "err", err)
		return nil, err
	}

	// (b) claim both
	var claimed bool
	if err := m.withRetry(ctx, "claim_pair", func(ctx context.Context) error {
		var err error
		claimed, err = m.store.ClaimPair(ctx, prefs.UserID, candidate.UserID)
		return err
	}); err != nil {
		mlog.Error("claim failed", "err", err)
		m.discardLedger(ctx, ledger.MatchID)
		return nil, err
	}
	if !claimed {
		m.discardLedger(ctx, ledger.MatchID)
		return nil, ErrCandidateTaken
	}
	m.notify(func(n Notifier) {
		n.LeaveQueueRooms(prefs.UserID)
		n.LeaveQueueRooms(candidate.UserID)
	})

	// (c) durable session
	session, err := newSession(ledger)
	if err == nil {
		err = m.withRetry(ctx, "create_session", func(ctx context.Context) error {
			return m.sessions.CreateSession(ctx, session)
		})
	}
	if err != nil {
		mlog.Error("create session failed", "err", err)
		m.discardLedger(ctx, ledger.MatchID)
		payload := map[string]any{"matchId": ledger.MatchID, "error": "failed to create match"}
		m.notify(func(n Notifier) {
			n.Notify(prefs.UserID, EventMatchError, payload)
			n.Notify(candidate.UserID, EventMatchError, payload)
		})
		m.mirrorStatus(ctx, prefs, storage.QueueLeft)
		m.mirrorStatus(ctx, candidate, storage.QueueLeft)
		return nil, err
	}

	// (d) notify
	m.notify(func(n Notifier) {
		n.Notify(prefs.UserID, EventMatchFound, matchFound(ledger, candidate.UserID))
		n.Notify(candidate.UserID, EventMatchFound, matchFound(ledger, prefs.UserID))
	})
	m.mirrorStatus(ctx, prefs, storage.QueueMatched)
	m.mirrorStatus(ctx, candidate, storage.QueueMatched)

	mlog.Info("match proposed", "strategy", result.Strategy, "score", result.Score, "duration", time.Since(start))
	return &Proposal{
		MatchID:   ledger.MatchID,
		UserA:     ledger.UserA,
		UserB:     ledger.UserB,
		Score:     ledger.Score,
		Strategy:  result.Strategy,
		CreatedAt: ledger.CreatedAt,
	}, nil
}

func newSession(ledger *queue.Ledger) (*storage.Session, error) {
	id, err := uuid.Parse(ledger.MatchID)
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	userA, err := uuid.Parse(ledger.UserA)
	if err != nil {
		return nil, fmt.Errorf("user a id: %w", err)
	}
	userB, err := uuid.Parse(ledger.UserB)
	if err != nil {
		return nil, fmt.Errorf("user b id: %w", err)
	}
	startedAt := ledger.CreatedAt
	return &storage.Session{
		ID:        id,
		UserAID:   userA,
		UserBID:   userB,
		LanguageA: ledger.PreferencesA.NativeLanguage,
		LanguageB: ledger.PreferencesB.NativeLanguage,
		Score:     ledger.Score,
		Status:    storage.SessionPending,
		StartedAt: &startedAt,
	}, nil
}

func matchFound(ledger *queue.Ledger, partnerID string) map[string]any {
	return map[string]any{
		"matchId":   ledger.MatchID,
		"sessionId": ledger.MatchID,
		"partnerId": partnerID,
		"score":     ledger.Score,
	}
}

// AcceptMatch records userID's accept vote. It returns true only for the vote
// that completes the double accept. Unknown or closed ledgers yield
// queue.ErrLedgerNotFound or queue.ErrLedgerClosed.
func (m *Matchmaker) AcceptMatch(ctx context.Context, userID, matchID string) (bool, error) {
	ledger, err := m.store.GetLedger(ctx, matchID)
	if err != nil {
		return false, err
	}
	partnerID, ok := ledger.Partner(userID)
	if !ok {
		return false, queue.ErrLedgerClosed
	}

	both, err := m.store.SetAcceptedFlag(ctx, matchID, userID, m.cfg.PendingTTL)
	if err != nil {
		m.logger.Info("accept refused", "match", matchID, "user", userID, "err", err)
		return false, err
	}

	m.notify(func(n Notifier) {
		if both {
			n.OpenSession(matchID)
		}
		n.Notify(partnerID, EventMatchAccepted, map[string]any{
			"matchId":      matchID,
			"sessionId":    matchID,
			"acceptedBy":   userID,
			"bothAccepted": both,
		})
	})

	if both {
		if err := m.sessions.UpdateSessionStatus(ctx, matchID, storage.SessionActive); err != nil {
			m.logger.Warn("session status update failed", "session", matchID, "err", err)
		}
		m.logger.Info("match accepted", "match", matchID, "user_a", ledger.UserA, "user_b", ledger.UserB)
	}
	return both, nil
}

// RejectMatch closes a pending ledger and puts both participants back in
// their queues with priority, unless one already re-joined. The partner is
// told via match_rejected.
func (m *Matchmaker) RejectMatch(ctx context.Context, userID, matchID string) error {
	ledger, err := m.store.GetLedger(ctx, matchID)
	if err != nil {
		return err
	}
	partnerID, ok := ledger.Partner(userID)
	if !ok {
		return queue.ErrLedgerClosed
	}

	if err := m.store.SetStatus(ctx, matchID, queue.LedgerRejected, m.cfg.RejectedTTL); err != nil {
		m.logger.Info("reject refused", "match", matchID, "user", userID, "err", err)
		return err
	}

	if err := m.sessions.UpdateSessionStatus(ctx, matchID, storage.SessionCancelled); err != nil {
		m.logger.Warn("session status update failed", "session", matchID, "err", err)
	}

	m.notify(func(n Notifier) { n.CancelSession(matchID) })

	var requeueErr error
	for _, id := range []string{userID, partnerID} {
		prefs, _ := ledger.PreferencesFor(id)
		if _, err := m.requeue(ctx, matchID, prefs); err != nil {
			requeueErr = errors.Join(requeueErr, err)
		}
	}

	m.notify(func(n Notifier) {
		n.Notify(partnerID, EventMatchRejected, map[string]any{
			"matchId":    matchID,
			"rejectedBy": userID,
		})
	})

	m.logger.Info("match rejected", "match", matchID, "user", userID, "partner", partnerID)
	return requeueErr
}

// ExpireMatches closes every pending ledger past its deadline, cancels its
// session and returns both participants to their queues with priority.
func (m *Matchmaker) ExpireMatches(ctx context.Context) (int, error) {
	ledgers, err := m.store.ExpirePending(ctx, m.now(), m.cfg.RejectedTTL)
	if err != nil {
		m.logger.Error("expire pending failed", "expired", len(ledgers), "err", err)
	}

	for _, ledger := range ledgers {
		if err := m.sessions.UpdateSessionStatus(ctx, ledger.MatchID, storage.SessionCancelled); err != nil {
			m.logger.Warn("session status update failed", "session", ledger.MatchID, "err", err)
		}
		m.notify(func(n Notifier) { n.CancelSession(ledger.MatchID) })

		for _, prefs := range []queue.Preferences{ledger.PreferencesA, ledger.PreferencesB} {
			requeued, rerr := m.requeue(ctx, ledger.MatchID, prefs)
			if rerr != nil {
				err = errors.Join(err, rerr)
			}
			payload := map[string]any{
				"matchId":   ledger.MatchID,
				"sessionId": ledger.MatchID,
				"requeued":  requeued,
			}
			m.notify(func(n Notifier) { n.Notify(prefs.UserID, EventMatchExpired, payload) })
		}
		m.logger.Info("match expired", "match", ledger.MatchID, "user_a", ledger.UserA, "user_b", ledger.UserB)
	}
	return len(ledgers), err
}

// requeue puts a ledger participant back at the head of their queue. A user
// who already re-joined keeps their newer entry.
func (m *Matchmaker) requeue(ctx context.Context, matchID string, prefs queue.Preferences) (bool, error) {
	position, err := m.store.Requeue(ctx, prefs)
	if err != nil {
		m.logger.Error("priority re-enqueue failed", "match", matchID, "user", prefs.UserID, "err", err)
		return false, err
	}
	if position == 0 {
		m.logger.Debug("already re-joined, entry kept", "match", matchID, "user", prefs.UserID)
		return false, nil
	}

	room := QueueRoom(prefs)
	m.notify(func(n Notifier) { n.JoinQueueRoom(prefs.UserID, room) })
	m.mirrorStatus(ctx, prefs, storage.QueueWaiting)
	return true, nil
}

func (m *Matchmaker) discardLedger(ctx context.Context, matchID string) {
	if err := m.store.DeleteLedger(ctx, matchID); err != nil {
		m.logger.Warn("discard ledger failed", "match", matchID, "err", err)
	}
}

func (m *Matchmaker) notify(fn func(Notifier)) {
	if m.notifier != nil {
		fn(m.notifier)
	}
}

func (m *Matchmaker) mirrorStatus(ctx context.Context, prefs queue.Preferences, status string) {
	if m.mirror != nil {
		m.mirror.MirrorStatus(ctx, prefs, status)
	}
}
