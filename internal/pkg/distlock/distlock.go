// Package distlock serializes work that must run at most once across
// extractor processes: token refreshes for a retailer and scheduled
// extractions.
package distlock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking.
// A single instance must not be shared between goroutines.
type DistLock interface {
	// Acquire tries to acquire the lock without blocking.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Extender is implemented by locks that expire and can be renewed by
// their holder.
type Extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
	TTL() time.Duration
}

// TokenRefreshKey names the lock guarding a retailer's token refresh.
func TokenRefreshKey(retailer string) string {
	return "token-refresh:" + strings.ToLower(retailer)
}

// ScheduleKey names the lock guarding one scheduled extraction run.
func ScheduleKey(name string) string {
	return "schedule:" + strings.ToLower(name)
}

// NewLock prefers Redis when a client is configured and falls back to
// PostgreSQL advisory locks otherwise. Returns nil when neither backend is
// available; callers treat that as "no coordination needed".
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	switch {
	case redisClient != nil:
		return NewRedisLock(redisClient, key, ttl)
	case db != nil:
		return NewPGAdvisoryLock(db, key)
	default:
		return nil
	}
}

// PGAdvisoryLock implements DistLock with pg_try_advisory_lock. Advisory
// locks belong to a session, so the lock pins one pooled connection from
// Acquire until Release and unlocks on that same connection.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock derives a stable advisory lock id from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		return false, fmt.Errorf("advisory lock %d: already held by this instance", l.lockID)
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock %d: get connection: %w", l.lockID, err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock %d: %w", l.lockID, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks on the pinned session and returns the connection to the
// pool. Releasing a lock that was never acquired is a no-op.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil
	defer conn.Close()

	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID).Scan(&released); err != nil {
		// Discard the session so the server drops its locks.
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		return fmt.Errorf("advisory unlock %d: %w", l.lockID, err)
	}
	if !released {
		return fmt.Errorf("advisory unlock %d: lock was not held by this session", l.lockID)
	}
	return nil
}
