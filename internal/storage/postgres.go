package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"langexchange-backend/internal/config"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, cfg config.DatabaseConfig) (*PostgresDB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConnections)
	poolCfg.MaxConnIdleTime = cfg.MaxIdleTime
	poolCfg.MaxConnLifetime = cfg.MaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() {
	db.pool.Close()
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *PostgresDB) RunMigrations() error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(db.pool)
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close temp db connection: %w", err)
	}
	return nil
}

// GetUser loads a profile by id. Malformed ids are reported as ErrNotFound.
func (db *PostgresDB) GetUser(ctx context.Context, userID string) (*User, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, ErrNotFound
	}

	user := &User{}
	query := `
		SELECT id, email, username, native_language, age, gender, is_banned,
		       last_seen_at, created_at, updated_at
		FROM users WHERE id = $1`

	err = db.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Email, &user.Username, &user.NativeLanguage, &user.Age,
		&user.Gender, &user.IsBanned, &user.LastSeenAt, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return user, nil
}

func (db *PostgresDB) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	id, err := uuid.Parse(userID)
	if err != nil {
		return ErrNotFound
	}

	query := `UPDATE users SET last_seen_at = $2, updated_at = NOW() WHERE id = $1`
	if _, err := db.pool.Exec(ctx, query, id, at.UTC()); err != nil {
		return fmt.Errorf("touch last seen %s: %w", userID, err)
	}
	return nil
}

func (db *PostgresDB) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, user_a_id, user_b_id, language_a, language_b, score, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at`

	err := db.pool.QueryRow(ctx, query,
		session.ID, session.UserAID, session.UserBID, session.LanguageA, session.LanguageB,
		session.Score, session.Status, session.StartedAt).
		Scan(&session.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already inserted by an earlier attempt.
		return nil
	}
	if err != nil {
		return fmt.Errorf("create session %s: %w", session.ID, err)
	}
	return nil
}

func (db *PostgresDB) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return ErrNotFound
	}

	tag, err := db.pool.Exec(ctx, `UPDATE sessions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *PostgresDB) UpsertQueueStatus(ctx context.Context, status QueueStatus) error {
	query := `
		INSERT INTO queue_status (user_id, native_language, target_language, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET native_language = EXCLUDED.native_language,
		    target_language = EXCLUDED.target_language,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at
		WHERE queue_status.updated_at <= EXCLUDED.updated_at`

	id, err := uuid.Parse(status.UserID)
	if err != nil {
		return fmt.Errorf("upsert queue status: invalid user id %q", status.UserID)
	}
	if _, err := db.pool.Exec(ctx, query, id, status.NativeLanguage, status.TargetLanguage,
		status.Status, status.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("upsert queue status %s: %w", status.UserID, err)
	}
	return nil
}
