package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"
)

// PostgresLocker is a Locker backed by Postgres advisory locks, for
// deployments where several worker processes share one ledger database.
//
// Lock names are hashed to the bigint key space pg_try_advisory_lock
// expects. Advisory locks are session-scoped, so each acquisition pins a
// single connection from the pool and holds it until release.
type PostgresLocker struct {
	db *sql.DB

	// pollInterval is how often a contended acquire retries within its
	// wait window.
	pollInterval time.Duration
}

// NewPostgresLocker creates a new PostgresLocker on the given database.
func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{
		db:           db,
		pollInterval: 100 * time.Millisecond,
	}
}

// Ensure PostgresLocker implements Locker.
var _ Locker = (*PostgresLocker)(nil)

func (l *PostgresLocker) Acquire(ctx context.Context, name string, wait time.Duration) (func(), error) {
	key := advisoryKey(name)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire %q: %w", name, err)
	}

	deadline := time.Now().Add(wait)
	for {
		var got bool
		if err := conn.QueryRowContext(ctx,
			`SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("acquire %q: %w", name, err)
		}

		if got {
			release := func() {
				// Unlock on the same session that took the lock, then
				// return the connection to the pool.
				_, _ = conn.ExecContext(context.Background(),
					`SELECT pg_advisory_unlock($1)`, key)
				_ = conn.Close()
			}
			return release, nil
		}

		if time.Now().After(deadline) {
			_ = conn.Close()
			return nil, ErrBusy
		}

		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
