package storage

import (
	"context"

	"langexchange-backend/internal/config"
)

type Storage struct {
	DB    *PostgresDB
	Redis *RedisClient
}

func NewStorage(ctx context.Context, dbCfg config.DatabaseConfig, redisURL string) (*Storage, error) {
	db, err := NewPostgresDB(ctx, dbCfg)
	if err != nil {
		return nil, err
	}

	redisClient, err := NewRedisClient(ctx, redisURL)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{
		DB:    db,
		Redis: redisClient,
	}, nil
}

// Ping checks both backends; used by the health endpoint.
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.DB.Ping(ctx); err != nil {
		return err
	}
	return s.Redis.Ping(ctx)
}

func (s *Storage) Close() error {
	s.DB.Close()
	return s.Redis.Close()
}
