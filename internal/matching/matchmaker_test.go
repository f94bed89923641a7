package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"langexchange-backend/internal/logger"
	"langexchange-backend/internal/queue"
	"langexchange-backend/internal/storage"
)

type notification struct {
	userID string
	event  string
	data   map[string]any
}

type fakeNotifier struct {
	mu       sync.Mutex
	events   []notification
	joined   map[string][]string
	leftFrom  []string
	opened    []string
	cancelled []string
}

func (f *fakeNotifier) Notify(userID, event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, _ := data.(map[string]any)
	f.events = append(f.events, notification{userID: userID, event: event, data: m})
}

func (f *fakeNotifier) JoinQueueRoom(userID, room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joined == nil {
		f.joined = map[string][]string{}
	}
	f.joined[userID] = append(f.joined[userID], room)
}

func (f *fakeNotifier) LeaveQueueRooms(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leftFrom = append(f.leftFrom, userID)
}

func (f *fakeNotifier) OpenSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, sessionID)
}

func (f *fakeNotifier) CancelSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
}

func (f *fakeNotifier) eventsFor(userID, event string) []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notification
	for _, n := range f.events {
		if n.userID == userID && n.event == event {
			out = append(out, n)
		}
	}
	return out
}

type fakeSessions struct {
	mu        sync.Mutex
	created   []*storage.Session
	statuses  map[string]string
	createErr error
	calls     int
}

func (f *fakeSessions) CreateSession(_ context.Context, s *storage.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, s)
	return nil
}

func (f *fakeSessions) UpdateSessionStatus(_ context.Context, sessionID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = map[string]string{}
	}
	f.statuses[sessionID] = status
	return nil
}

type fakeMirror struct {
	mu       sync.Mutex
	statuses map[string]string
}

func (f *fakeMirror) MirrorStatus(_ context.Context, prefs queue.Preferences, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = map[string]string{}
	}
	f.statuses[prefs.UserID] = status
}

// claimOnceFails reports the first ClaimPair as lost to a concurrent search.
type claimOnceFails struct {
	queue.Store
	failed  bool
	ledgers []string
}

func (c *claimOnceFails) CreateLedger(ctx context.Context, l *queue.Ledger, ttl time.Duration) error {
	c.ledgers = append(c.ledgers, l.MatchID)
	return c.Store.CreateLedger(ctx, l, ttl)
}

func (c *claimOnceFails) ClaimPair(ctx context.Context, requesterID, candidateID string) (bool, error) {
	if !c.failed {
		c.failed = true
		return false, nil
	}
	return c.Store.ClaimPair(ctx, requesterID, candidateID)
}

type fixture struct {
	mm       *Matchmaker
	store    *queue.RedisStore
	notifier *fakeNotifier
	sessions *fakeSessions
	mirror   *fakeMirror
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, _ := newRedisStore(t)
	f := &fixture{store: store, notifier: &fakeNotifier{}, sessions: &fakeSessions{}, mirror: &fakeMirror{}}
	f.mm = NewMatchmaker(store, f.sessions, f.notifier, f.mirror,
		Config{PendingTTL: 5 * time.Minute, RejectedTTL: time.Minute}, logger.Discard())
	f.mm.retryBase = time.Millisecond
	return f
}

func (f *fixture) join(t *testing.T, p queue.Preferences) *JoinResult {
	t.Helper()
	res, err := f.mm.JoinQueue(context.Background(), p)
	require.NoError(t, err)
	return res
}

func TestJoinQueueValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []queue.Preferences{
		{UserID: userA, NativeLanguage: "en", TargetLanguage: "en", Age: 25},
		{UserID: userA, NativeLanguage: "en", TargetLanguage: "xx", Age: 25},
		{UserID: userA, NativeLanguage: "en", TargetLanguage: "es", Age: 12},
		{UserID: userA, NativeLanguage: "en", TargetLanguage: "es", Age: 25, AgeMin: 40, AgeMax: 30},
		{UserID: userA, NativeLanguage: "en", TargetLanguage: "es", Age: 25, GenderPreference: "robots"},
		{NativeLanguage: "en", TargetLanguage: "es", Age: 25},
	}
	for _, p := range cases {
		_, err := f.mm.JoinQueue(ctx, p)
		assert.ErrorIs(t, err, ErrInvalidPreferences, "%+v", p)

		var verr *ValidationError
		assert.True(t, errors.As(err, &verr))
	}
}

func TestJoinQueueNormalizesAndReportsWait(t *testing.T) {
	f := newFixture(t)

	res := f.join(t, queue.Preferences{UserID: userA, NativeLanguage: "English", TargetLanguage: "ES", Age: 25, GenderPreference: "Any"})
	assert.Equal(t, int64(1), res.Position)
	assert.Equal(t, 30*time.Second, res.EstimatedWait)
	assert.Equal(t, "en", res.Preferences.NativeLanguage)
	assert.Equal(t, "es", res.Preferences.TargetLanguage)
	assert.Equal(t, "any", res.Preferences.GenderPreference)
	assert.Equal(t, "queue:en:es", QueueRoom(res.Preferences))
	assert.Equal(t, storage.QueueWaiting, f.mirror.statuses[userA])

	status, err := f.mm.QueuePosition(context.Background(), userA)
	require.NoError(t, err)
	assert.True(t, status.InQueue)
	assert.Equal(t, int64(1), status.Position)
}

func TestEstimatedWaitIsCapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		p := learner(string(rune('a'+i))+"-user", "en", "es", 25)
		_, err := f.store.Enqueue(ctx, p, false)
		require.NoError(t, err)
	}
	assert.Equal(t, 300*time.Second, f.mm.EstimatedWait(ctx, queue.PairKey("es", "en")))
	assert.Equal(t, time.Duration(0), f.mm.EstimatedWait(ctx, queue.PairKey("ja", "ko")))
}

func TestEstimatedWaitFallsBackOnStoreError(t *testing.T) {
	store, mr := newRedisStore(t)
	mm := NewMatchmaker(store, &fakeSessions{}, nil, nil, Config{}, logger.Discard())
	mr.Close()

	assert.Equal(t, 60*time.Second, mm.EstimatedWait(context.Background(), queue.PairKey("es", "en")))
}

func TestLeaveQueueIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, learner(userA, "en", "es", 25))

	removed, err := f.mm.LeaveQueue(ctx, userA)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, storage.QueueLeft, f.mirror.statuses[userA])

	removed, err = f.mm.LeaveQueue(ctx, userA)
	require.NoError(t, err)
	assert.False(t, removed)

	status, err := f.mm.QueuePosition(ctx, userA)
	require.NoError(t, err)
	assert.False(t, status.InQueue)
}

func proposePair(t *testing.T, f *fixture) *Proposal {
	t.Helper()
	f.join(t, learner(userB, "es", "en", 26))
	res := f.join(t, learner(userA, "en", "es", 25))

	proposal, err := f.mm.FindAndPropose(context.Background(), res.Preferences)
	require.NoError(t, err)
	require.NotNil(t, proposal)
	return proposal
}

func TestFindAndProposeCreatesLedgerSessionAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	proposal := proposePair(t, f)
	assert.Equal(t, userA, proposal.UserA)
	assert.Equal(t, userB, proposal.UserB)
	assert.Equal(t, "exact", proposal.Strategy)

	ledger, err := f.store.GetLedger(ctx, proposal.MatchID)
	require.NoError(t, err)
	assert.Equal(t, queue.LedgerPending, ledger.Status)
	assert.Equal(t, "es", ledger.PreferencesB.NativeLanguage)

	for _, id := range []string{userA, userB} {
		entry, _, err := f.store.Position(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, entry, "matched user %s still queued", id)
		assert.Equal(t, storage.QueueMatched, f.mirror.statuses[id])
	}
	assert.ElementsMatch(t, []string{userA, userB}, f.notifier.leftFrom)

	require.Len(t, f.sessions.created, 1)
	session := f.sessions.created[0]
	assert.Equal(t, proposal.MatchID, session.ID.String())
	assert.Equal(t, storage.SessionPending, session.Status)

	found := f.notifier.eventsFor(userA, EventMatchFound)
	require.Len(t, found, 1)
	assert.Equal(t, userB, found[0].data["partnerId"])
	assert.Equal(t, proposal.MatchID, found[0].data["sessionId"])

	found = f.notifier.eventsFor(userB, EventMatchFound)
	require.Len(t, found, 1)
	assert.Equal(t, userA, found[0].data["partnerId"])
}

func TestFindAndProposeWithNobodyWaiting(t *testing.T) {
	f := newFixture(t)
	res := f.join(t, learner(userA, "en", "es", 25))

	proposal, err := f.mm.FindAndPropose(context.Background(), res.Preferences)
	require.NoError(t, err)
	assert.Nil(t, proposal)

	status, err := f.mm.QueuePosition(context.Background(), userA)
	require.NoError(t, err)
	assert.True(t, status.InQueue)
}

func TestFindAndProposeRetriesWhenCandidateTaken(t *testing.T) {
	f := newFixture(t)
	wrapped := &claimOnceFails{Store: f.store}
	f.mm = NewMatchmaker(wrapped, f.sessions, f.notifier, f.mirror,
		Config{PendingTTL: 5 * time.Minute, RejectedTTL: time.Minute}, logger.Discard())

	proposal := proposePair(t, f)

	require.Len(t, wrapped.ledgers, 2)
	_, err := f.store.GetLedger(context.Background(), wrapped.ledgers[0])
	assert.ErrorIs(t, err, queue.ErrLedgerNotFound)
	assert.Equal(t, wrapped.ledgers[1], proposal.MatchID)
}

func TestFindAndProposeSessionFailureNotifiesBoth(t *testing.T) {
	f := newFixture(t)
	f.sessions.createErr = errors.New("postgres down")

	f.join(t, learner(userB, "es", "en", 26))
	res := f.join(t, learner(userA, "en", "es", 25))

	proposal, err := f.mm.FindAndPropose(context.Background(), res.Preferences)
	assert.Error(t, err)
	assert.Nil(t, proposal)
	assert.Equal(t, 3, f.sessions.calls)

	for _, id := range []string{userA, userB} {
		errs := f.notifier.eventsFor(id, EventMatchError)
		require.Len(t, errs, 1, id)
		_, err := f.store.GetLedger(context.Background(), errs[0].data["matchId"].(string))
		assert.ErrorIs(t, err, queue.ErrLedgerNotFound)
		assert.Empty(t, f.notifier.eventsFor(id, EventMatchFound))
	}
}

func TestAcceptMatchRequiresBothParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proposal := proposePair(t, f)

	both, err := f.mm.AcceptMatch(ctx, userA, proposal.MatchID)
	require.NoError(t, err)
	assert.False(t, both)

	both, err = f.mm.AcceptMatch(ctx, userA, proposal.MatchID)
	require.NoError(t, err)
	assert.False(t, both, "second accept by the same user")
	assert.Empty(t, f.notifier.opened)

	accepted := f.notifier.eventsFor(userB, EventMatchAccepted)
	require.Len(t, accepted, 2)
	assert.Equal(t, userA, accepted[0].data["acceptedBy"])
	assert.Equal(t, false, accepted[0].data["bothAccepted"])

	both, err = f.mm.AcceptMatch(ctx, userB, proposal.MatchID)
	require.NoError(t, err)
	assert.True(t, both)

	assert.Equal(t, []string{proposal.MatchID}, f.notifier.opened)
	accepted = f.notifier.eventsFor(userA, EventMatchAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, true, accepted[0].data["bothAccepted"])
	assert.Equal(t, storage.SessionActive, f.sessions.statuses[proposal.MatchID])

	_, err = f.mm.AcceptMatch(ctx, userB, proposal.MatchID)
	assert.ErrorIs(t, err, queue.ErrLedgerClosed)
}

func TestAcceptMatchUnknownOrForeignLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mm.AcceptMatch(ctx, userA, "missing")
	assert.ErrorIs(t, err, queue.ErrLedgerNotFound)

	proposal := proposePair(t, f)
	_, err = f.mm.AcceptMatch(ctx, userC, proposal.MatchID)
	assert.ErrorIs(t, err, queue.ErrLedgerClosed)
	assert.ErrorIs(t, f.mm.RejectMatch(ctx, userC, proposal.MatchID), queue.ErrLedgerClosed)
}

func TestRejectMatchRequeuesBothWithPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proposal := proposePair(t, f)

	// Someone joined A's queue while the match was pending.
	f.join(t, learner(userC, "en", "es", 40))

	require.NoError(t, f.mm.RejectMatch(ctx, userA, proposal.MatchID))
	after := time.Now()

	ledger, err := f.store.GetLedger(ctx, proposal.MatchID)
	require.NoError(t, err)
	assert.Equal(t, queue.LedgerRejected, ledger.Status)

	entry, position, err := f.store.Position(ctx, userA)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Priority)
	assert.Equal(t, queue.PairKey("es", "en"), entry.QueueKey)
	assert.Equal(t, int64(1), position)
	assert.False(t, entry.EffectiveAt.After(after.Add(-10*time.Second)))

	entry, _, err = f.store.Position(ctx, userB)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Priority)

	rejected := f.notifier.eventsFor(userB, EventMatchRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, proposal.MatchID, rejected[0].data["matchId"])
	assert.Equal(t, []string{"queue:en:es"}, f.notifier.joined[userA])
	assert.Equal(t, []string{"queue:es:en"}, f.notifier.joined[userB])
	assert.Equal(t, storage.SessionCancelled, f.sessions.statuses[proposal.MatchID])
	assert.Equal(t, []string{proposal.MatchID}, f.notifier.cancelled)

	// Terminal: neither accept nor a second reject goes through.
	_, err = f.mm.AcceptMatch(ctx, userB, proposal.MatchID)
	assert.ErrorIs(t, err, queue.ErrLedgerClosed)
	assert.ErrorIs(t, f.mm.RejectMatch(ctx, userB, proposal.MatchID), queue.ErrLedgerClosed)
}

func TestRejectMatchKeepsPartnersNewerEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proposal := proposePair(t, f)

	// B gave up on the proposal and joined a different queue.
	f.join(t, learner(userB, "es", "fr", 26))

	require.NoError(t, f.mm.RejectMatch(ctx, userA, proposal.MatchID))

	entry, _, err := f.store.Position(ctx, userB)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, queue.PairKey("fr", "es"), entry.QueueKey)
	assert.False(t, entry.Priority)
	assert.Empty(t, f.notifier.joined[userB])

	entry, _, err = f.store.Position(ctx, userA)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Priority)
}

func TestExpireMatchesRequeuesBothAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proposal := proposePair(t, f)

	n, err := f.mm.ExpireMatches(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is due before the deadline")

	f.mm.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	n, err = f.mm.ExpireMatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, id := range []string{userA, userB} {
		entry, _, err := f.store.Position(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, entry, "user %s not requeued", id)
		assert.True(t, entry.Priority)
		assert.Equal(t, storage.QueueWaiting, f.mirror.statuses[id])

		expired := f.notifier.eventsFor(id, EventMatchExpired)
		require.Len(t, expired, 1)
		assert.Equal(t, proposal.MatchID, expired[0].data["matchId"])
		assert.Equal(t, true, expired[0].data["requeued"])
	}
	assert.Equal(t, []string{"queue:en:es"}, f.notifier.joined[userA])
	assert.Equal(t, []string{proposal.MatchID}, f.notifier.cancelled)
	assert.Equal(t, storage.SessionCancelled, f.sessions.statuses[proposal.MatchID])

	ledger, err := f.store.GetLedger(ctx, proposal.MatchID)
	require.NoError(t, err)
	assert.Equal(t, queue.LedgerExpired, ledger.Status)
	_, err = f.mm.AcceptMatch(ctx, userB, proposal.MatchID)
	assert.ErrorIs(t, err, queue.ErrLedgerClosed)

	n, err = f.mm.ExpireMatches(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpiredLedgerOutlivesRedisTTLUntilSwept(t *testing.T) {
	store, mr := newRedisStore(t)
	notifier := &fakeNotifier{}
	mm := NewMatchmaker(store, &fakeSessions{}, notifier, nil,
		Config{PendingTTL: 5 * time.Minute, RejectedTTL: time.Minute}, logger.Discard())
	f := &fixture{mm: mm, store: store, notifier: notifier}
	ctx := context.Background()

	proposal := proposePair(t, f)
	mr.FastForward(6 * time.Minute)

	mm.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	n, err := mm.ExpireMatches(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	for _, id := range []string{userA, userB} {
		status, err := mm.QueuePosition(ctx, id)
		require.NoError(t, err)
		assert.True(t, status.InQueue)

		expired := notifier.eventsFor(id, EventMatchExpired)
		require.Len(t, expired, 1)
		assert.Equal(t, proposal.MatchID, expired[0].data["sessionId"])
	}
}
