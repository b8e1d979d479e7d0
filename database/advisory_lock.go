package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yeremiapane/table-sessions/utils"
)

// AdvisoryLocker serializes work on a key across nodes with Postgres
// session-level advisory locks. Each held lock pins one pooled connection.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

func NewAdvisoryLocker(ctx context.Context, dsn string) (*AdvisoryLocker, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach lock database: %w", err)
	}
	return &AdvisoryLocker{pool: pool}, nil
}

// Lock blocks until the advisory lock for key is held or ctx is done.
func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
				// closing the connection drops every lock it holds
				utils.ErrorLogger.WithField("lock_key", key).Errorf("advisory unlock failed, closing connection: %v", err)
				conn.Conn().Close(ctx)
			}
			conn.Release()
		})
	}, nil
}

func (l *AdvisoryLocker) Close() {
	l.pool.Close()
}
