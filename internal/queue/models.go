package queue

import (
	"time"
)

const (
	DefaultAgeMin = 16
	DefaultAgeMax = 100

	GenderAny = "any"
)

// Preferences is the immutable per-request description of who a user is and
// who they want to practice with. Zero values mean "not set".
type Preferences struct {
	UserID           string `json:"user_id"`
	NativeLanguage   string `json:"native_language"`
	TargetLanguage   string `json:"target_language"`
	Age              int    `json:"age"`
	Gender           string `json:"gender"`
	ProficiencyLevel string `json:"proficiency_level,omitempty"`
	AgeMin           int    `json:"age_min,omitempty"`
	AgeMax           int    `json:"age_max,omitempty"`
	GenderPreference string `json:"gender_preference,omitempty"`
}

// AgeBounds returns the declared age window with defaults applied.
func (p Preferences) AgeBounds() (int, int) {
	lo, hi := p.AgeMin, p.AgeMax
	if lo <= 0 {
		lo = DefaultAgeMin
	}
	if hi <= 0 {
		hi = DefaultAgeMax
	}
	return lo, hi
}

// HasGenderPreference reports whether the user restricts partner gender.
func (p Preferences) HasGenderPreference() bool {
	return p.GenderPreference != "" && p.GenderPreference != GenderAny
}

// QueueKey is the queue this user waits in: keyed by (target, native).
func (p Preferences) QueueKey() string {
	return PairKey(p.TargetLanguage, p.NativeLanguage)
}

// SearchKey is the reverse-direction queue holding users whose target is this
// user's native language and whose native is this user's target.
func (p Preferences) SearchKey() string {
	return PairKey(p.NativeLanguage, p.TargetLanguage)
}

func PairKey(first, second string) string {
	return pairKeyPrefix + first + ":" + second
}

type Entry struct {
	UserID      string      `json:"user_id"`
	Preferences Preferences `json:"preferences"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
	EffectiveAt time.Time   `json:"effective_at"`
	Priority    bool        `json:"priority"`
	QueueKey    string      `json:"queue_key"`
}

type LedgerStatus string

const (
	LedgerPending  LedgerStatus = "pending"
	LedgerAccepted LedgerStatus = "accepted"
	LedgerRejected LedgerStatus = "rejected"
	LedgerExpired  LedgerStatus = "expired"
)

// Ledger is the short-lived record of a proposed pairing. MatchID doubles as
// the session id.
type Ledger struct {
	MatchID      string
	UserA        string
	UserB        string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Status       LedgerStatus
	Score        float64
	Accepted     map[string]bool
	PreferencesA Preferences
	PreferencesB Preferences
}

func (l *Ledger) IsParticipant(userID string) bool {
	return userID != "" && (userID == l.UserA || userID == l.UserB)
}

// Partner returns the other participant of the ledger.
func (l *Ledger) Partner(userID string) (string, bool) {
	switch userID {
	case l.UserA:
		return l.UserB, true
	case l.UserB:
		return l.UserA, true
	}
	return "", false
}

func (l *Ledger) PreferencesFor(userID string) (Preferences, bool) {
	switch userID {
	case l.UserA:
		return l.PreferencesA, true
	case l.UserB:
		return l.PreferencesB, true
	}
	return Preferences{}, false
}
