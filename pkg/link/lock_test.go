package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikiforge/discourse-connect/pkg/observability"
)

func histogramSamples(t *testing.T, registry *prometheus.Registry, name string) uint64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func TestMemoryLockerSerializesSameID(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker(nil)

	lock, err := locker.Acquire(ctx, 7)
	require.NoError(t, err)

	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, err := locker.Acquire(ctx, 7)
		assert.NoError(t, err)
		close(acquired)
		assert.NoError(t, second.Release(ctx))
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the lock is held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lock.Release(ctx))

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should proceed after release")
	}
	wg.Wait()
}

func TestMemoryLockerIndependentIDs(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker(nil)

	a, err := locker.Acquire(ctx, 1)
	require.NoError(t, err)
	defer a.Release(ctx)

	// A different identity must not contend.
	b, err := locker.Acquire(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx))
}

func TestMemoryLockerReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker(nil)

	lock, err := locker.Acquire(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
	require.NoError(t, lock.Release(ctx))

	// The id is free again.
	again, err := locker.Acquire(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestMemoryLockerContextCancellation(t *testing.T) {
	locker := NewMemoryLocker(nil)

	lock, err := locker.Acquire(context.Background(), 7)
	require.NoError(t, err)
	defer lock.Release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = locker.Acquire(ctx, 7)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryLockerRecordsWaitMetrics(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	locker := NewMemoryLocker(metrics)
	lock, err := locker.Acquire(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))

	assert.Equal(t, uint64(1), histogramSamples(t, registry, "dsc_lock_wait_seconds"))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.LockTimeoutsTotal))

	// A held lock with no wait budget times out and counts.
	locker.timeout = 0
	held, err := locker.Acquire(ctx, 8)
	require.NoError(t, err)
	defer held.Release(ctx)

	_, err = locker.Acquire(ctx, 8)
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LockTimeoutsTotal))
}

func TestAdvisoryKeyNamespacing(t *testing.T) {
	assert.Equal(t, advisoryKeyspace<<32|7, advisoryKey(7))
	// Distinct low-32-bit ids map to distinct keys.
	assert.NotEqual(t, advisoryKey(7), advisoryKey(8))
}

func TestAdvisoryLockerAcquireRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(advisoryKey(7)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("pg_advisory_unlock").
		WithArgs(advisoryKey(7)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	locker := NewAdvisoryLocker(db, nil, testLogger())
	lock, err := locker.Acquire(context.Background(), 7)
	require.NoError(t, err)
	require.NoError(t, lock.Release(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLockerTimeoutCounts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(advisoryKey(7)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	locker := NewAdvisoryLocker(db, metrics, testLogger())
	locker.timeout = 0

	_, err = locker.Acquire(context.Background(), 7)
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LockTimeoutsTotal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLockerRetriesUntilGranted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(advisoryKey(7)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	mock.ExpectQuery("pg_try_advisory_lock").
		WithArgs(advisoryKey(7)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("pg_advisory_unlock").
		WithArgs(advisoryKey(7)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	locker := NewAdvisoryLocker(db, nil, testLogger())
	lock, err := locker.Acquire(context.Background(), 7)
	require.NoError(t, err)
	require.NoError(t, lock.Release(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}
