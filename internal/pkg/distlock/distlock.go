// Package distlock serializes send passes across processes. Two sender
// instances pointed at the same database must never run a pass at the same
// time, or the advisory daily cap could be overrun by a full pass worth of
// sends. Redis is preferred when configured; otherwise a Postgres advisory
// lock ties mutual exclusion to the database both instances already share.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a best-effort cross-process mutex. Acquire is non-blocking: a
// pass that loses the race simply skips its turn and retries on the next
// tick. A Lock instance is not safe for concurrent use; give each
// goroutine its own.
type Lock interface {
	// Acquire tries to take the lock, returning true on success.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back if this instance still holds it.
	Release(ctx context.Context) error
}

// New picks the best available backend: Redis when a client is configured,
// else a Postgres advisory lock.
func New(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) Lock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewAdvisoryLock(db, key)
}

// AdvisoryLock implements Lock with pg_try_advisory_lock. Advisory locks
// are session-scoped, so acquire and release must run on the same
// connection; the lock pins one pooled connection while held, and a
// crashed process releases its slot when that connection drops.
type AdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewAdvisoryLock derives a deterministic 64-bit lock id from the key so
// every instance contends on the same advisory slot.
func NewAdvisoryLock(db *sql.DB, key string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &AdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire tries the advisory lock without blocking. On success the
// connection that holds the lock stays checked out until Release.
func (l *AdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks the advisory slot on the holding connection and returns
// it to the pool. A no-op when the lock is not held.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return err
	}
	return closeErr
}
