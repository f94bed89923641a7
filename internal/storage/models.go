package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("record not found")

// User is the profile row consulted when a connection authenticates.
type User struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	Email          string     `json:"email" db:"email"`
	Username       string     `json:"username" db:"username"`
	NativeLanguage string     `json:"native_language" db:"native_language"`
	Age            int        `json:"age" db:"age"`
	Gender         string     `json:"gender" db:"gender"`
	IsBanned       bool       `json:"is_banned" db:"is_banned"`
	LastSeenAt     *time.Time `json:"last_seen_at" db:"last_seen_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

type Session struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	UserAID   uuid.UUID  `json:"user_a_id" db:"user_a_id"`
	UserBID   uuid.UUID  `json:"user_b_id" db:"user_b_id"`
	LanguageA string     `json:"language_a" db:"language_a"`
	LanguageB string     `json:"language_b" db:"language_b"`
	Score     float64    `json:"score" db:"score"`
	Status    string     `json:"status" db:"status"`
	StartedAt *time.Time `json:"started_at" db:"started_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Session statuses
const (
	SessionPending   = "pending"
	SessionActive    = "active"
	SessionCancelled = "cancelled"
	SessionEnded     = "ended"
)

// QueueStatus is the non-authoritative mirror of a user's queue state.
type QueueStatus struct {
	UserID         string    `json:"user_id" db:"user_id"`
	NativeLanguage string    `json:"native_language" db:"native_language"`
	TargetLanguage string    `json:"target_language" db:"target_language"`
	Status         string    `json:"status" db:"status"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Queue mirror statuses
const (
	QueueWaiting = "waiting"
	QueueMatched = "matched"
	QueueLeft    = "left"
)
