package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the repositories backed by a shared connection pool.
type Store struct {
	pool *pgxpool.Pool

	Users  UserRepository
	Tokens TokenRepository
	Syncs  SyncRepository
	Events EventRepository
}

// New creates a Store on top of an existing pool. The caller owns the pool
// and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		Users:  &userRepo{pool: pool},
		Tokens: &tokenRepo{pool: pool},
		Syncs:  &syncRepo{pool: pool},
		Events: &eventRepo{pool: pool},
	}
}

// HealthCheck verifies database connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.ping")()
	return s.pool.Ping(ctx)
}
