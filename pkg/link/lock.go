package link

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wikiforge/discourse-connect/pkg/observability"
)

// acquireTimeout bounds how long a caller may wait for an external-id lock.
const acquireTimeout = 5 * time.Second

// retryInterval paces lock acquisition attempts.
const retryInterval = 50 * time.Millisecond

// advisoryKeyspace distinguishes this application's advisory locks from any
// other advisory-lock user sharing the database.
const advisoryKeyspace int64 = 0x64697363 // "disc"

// Lock is a held per-external-identity lock. Release must be called once,
// after all database writes of the unit of work have been committed, so a
// blocked concurrent acquirer observes them when it proceeds.
type Lock interface {
	Release(ctx context.Context) error
}

// IDLocker serializes reconciliation per external identity. The interactive
// login path and the webhook path both acquire it before touching the link
// or user-record tables, which is the only ordering guarantee between them.
type IDLocker interface {
	// Acquire blocks up to the bounded timeout and fails with
	// ErrLockTimeout rather than retrying forever.
	Acquire(ctx context.Context, discourseID int64) (Lock, error)
}

// AdvisoryLocker implements IDLocker on PostgreSQL session advisory locks.
// Each lock pins a dedicated connection; acquisition happens outside any
// long-lived transaction, so reads after Acquire observe latest committed
// state rather than a stale snapshot.
type AdvisoryLocker struct {
	db      *sql.DB
	metrics *observability.Metrics
	timeout time.Duration
	log     *logrus.Logger
}

// NewAdvisoryLocker creates an AdvisoryLocker on the primary database.
// metrics may be nil.
func NewAdvisoryLocker(db *sql.DB, metrics *observability.Metrics, log *logrus.Logger) *AdvisoryLocker {
	if log == nil {
		log = logrus.New()
	}
	return &AdvisoryLocker{db: db, metrics: metrics, timeout: acquireTimeout, log: log}
}

// Acquire takes the advisory lock for one external id, polling until the
// bounded timeout elapses.
func (l *AdvisoryLocker) Acquire(ctx context.Context, discourseID int64) (Lock, error) {
	key := advisoryKey(discourseID)
	start := time.Now()

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock connection: %w", err)
	}

	deadline := start.Add(l.timeout)
	for {
		var got bool
		if err := conn.QueryRowContext(ctx,
			`SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
			conn.Close()
			return nil, fmt.Errorf("advisory lock query failed: %w", err)
		}
		if got {
			if l.metrics != nil {
				l.metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
			}
			return &advisoryLock{conn: conn, key: key, discourseID: discourseID, log: l.log}, nil
		}
		if time.Now().After(deadline) {
			conn.Close()
			if l.metrics != nil {
				l.metrics.LockTimeoutsTotal.Inc()
			}
			return nil, fmt.Errorf("%w: discourse id %d", ErrLockTimeout, discourseID)
		}
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

type advisoryLock struct {
	conn        *sql.Conn
	key         int64
	discourseID int64
	log         *logrus.Logger
	once        sync.Once
}

// Release unlocks and returns the pinned connection to the pool.
func (a *advisoryLock) Release(ctx context.Context) error {
	var err error
	a.once.Do(func() {
		var released bool
		err = a.conn.QueryRowContext(ctx,
			`SELECT pg_advisory_unlock($1)`, a.key).Scan(&released)
		if err == nil && !released {
			err = fmt.Errorf("advisory lock for discourse id %d was not held", a.discourseID)
		}
		if closeErr := a.conn.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

// advisoryKey folds the keyspace into the high bits of the 64-bit lock key.
func advisoryKey(discourseID int64) int64 {
	return advisoryKeyspace<<32 | (discourseID & 0xffffffff)
}

// MemoryLocker implements IDLocker in-process. It backs single-node
// deployments without PostgreSQL (SQLite) and deterministic tests.
type MemoryLocker struct {
	mu      sync.Mutex
	held    map[int64]chan struct{}
	metrics *observability.Metrics
	timeout time.Duration
}

// NewMemoryLocker creates an empty MemoryLocker. metrics may be nil.
func NewMemoryLocker(metrics *observability.Metrics) *MemoryLocker {
	return &MemoryLocker{
		held:    make(map[int64]chan struct{}),
		metrics: metrics,
		timeout: acquireTimeout,
	}
}

// Acquire takes the in-process lock for one external id, waiting up to the
// bounded timeout.
func (m *MemoryLocker) Acquire(ctx context.Context, discourseID int64) (Lock, error) {
	start := time.Now()
	deadline := time.NewTimer(m.timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		holder, taken := m.held[discourseID]
		if !taken {
			m.held[discourseID] = make(chan struct{})
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
			}
			return &memoryLock{locker: m, discourseID: discourseID}, nil
		}
		m.mu.Unlock()

		select {
		case <-holder:
			// Holder released; retry.
		case <-deadline.C:
			if m.metrics != nil {
				m.metrics.LockTimeoutsTotal.Inc()
			}
			return nil, fmt.Errorf("%w: discourse id %d", ErrLockTimeout, discourseID)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type memoryLock struct {
	locker      *MemoryLocker
	discourseID int64
	once        sync.Once
}

func (l *memoryLock) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		if ch, ok := l.locker.held[l.discourseID]; ok {
			delete(l.locker.held, l.discourseID)
			close(ch)
		}
		l.locker.mu.Unlock()
	})
	return nil
}
