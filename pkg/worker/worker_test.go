package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ledgerq/ledgerq/internal/ledger"
	"github.com/ledgerq/ledgerq/internal/lock"
	"github.com/ledgerq/ledgerq/pkg/api"
)

func testConfig() api.Config {
	return api.Config{
		MaxAttempts:    3,
		DefaultBackoff: 30 * time.Second,
		MaxBackoff:     10 * time.Minute,
		Jitter:         -1, // deterministic schedules
		MaxBatch:       10,
		WorkerBudget:   time.Minute,
		LockTimeout:    50 * time.Millisecond,
	}
}

// appendJob writes a PENDING row directly to the store, bypassing the
// queue, so tests control every field.
func appendJob(t *testing.T, store ledger.Store, name string, params string, priority int, queuedAt time.Time) *api.JobRow {
	t.Helper()

	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	}
	payload, err := json.Marshal(api.JobPayload{Name: name, Params: raw})
	require.NoError(t, err)

	row := &api.JobRow{
		ID:       uuid.NewString(),
		Payload:  payload,
		QueuedAt: queuedAt,
		Priority: priority,
		Status:   api.StatusPending,
	}
	require.NoError(t, store.AppendJob(context.Background(), row))
	return row
}

func TestRunOnce_PriorityThenFIFO(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	table := NewDispatchTable()
	ctx := context.Background()

	var order []string
	table.MustRegister("track", func(ctx context.Context, params json.RawMessage) error {
		var tag string
		require.NoError(t, json.Unmarshal(params, &tag))
		order = append(order, tag)
		return nil
	})

	base := time.Now().Add(-time.Minute)
	appendJob(t, store, "track", `"p5"`, 5, base)
	appendJob(t, store, "track", `"p1-first"`, 1, base.Add(time.Second))
	appendJob(t, store, "track", `"p1-second"`, 1, base.Add(2*time.Second))
	appendJob(t, store, "track", `"p3"`, 3, base.Add(3*time.Second))

	w := New(store, lock.NewMemoryLocker(), table, testConfig())
	stats, err := w.RunOnce(ctx)
	require.NoError(t, err)

	require.Equal(t, 4, stats.Claimed)
	require.Equal(t, 4, stats.Done)
	require.Equal(t, []string{"p1-first", "p1-second", "p3", "p5"}, order,
		"lower priority first, FIFO within a priority class")
}

func TestRunOnce_FutureJobsNotClaimed(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	table := NewDispatchTable()
	table.MustRegister("later", func(ctx context.Context, params json.RawMessage) error {
		t.Fatal("job scheduled in the future must not run")
		return nil
	})

	row := appendJob(t, store, "later", "", 1, time.Now())
	row.NextRunAt = time.Now().Add(time.Hour)
	require.NoError(t, store.UpdateJob(context.Background(), row))

	w := New(store, lock.NewMemoryLocker(), table, testConfig())
	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Claimed)
}

func TestRunOnce_MaxBatch(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	table := NewDispatchTable()
	table.MustRegister("bulk", func(ctx context.Context, params json.RawMessage) error { return nil })

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		appendJob(t, store, "bulk", "", 1, base.Add(time.Duration(i)*time.Second))
	}

	cfg := testConfig()
	cfg.MaxBatch = 2
	w := New(store, lock.NewMemoryLocker(), table, cfg)

	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Claimed)

	pending, err := store.ListJobs(context.Background(), ledger.Filter{Status: api.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 3)
}

func TestRunOnce_LockBusySkipsPass(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	locker := lock.NewMemoryLocker()
	table := NewDispatchTable()
	table.MustRegister("idle", func(ctx context.Context, params json.RawMessage) error { return nil })

	appendJob(t, store, "idle", "", 1, time.Now().Add(-time.Minute))

	release, err := locker.Acquire(context.Background(), lock.NameWorker, 10*time.Millisecond)
	require.NoError(t, err)
	defer release()

	w := New(store, locker, table, testConfig())
	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err, "contention is a skip, not a failure")
	require.True(t, stats.Skipped)
	require.Zero(t, stats.Claimed)
}

func TestRunOnce_TwoWorkersClaimExclusively(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	locker := lock.NewMemoryLocker()
	table := NewDispatchTable()

	a := New(store, locker, table, testConfig())
	b := New(store, locker, table, testConfig())

	// B attempts a pass while A is mid-dispatch and must back off.
	var bStats Stats
	table.MustRegister("occupy", func(ctx context.Context, params json.RawMessage) error {
		var err error
		bStats, err = b.RunOnce(ctx)
		require.NoError(t, err)
		return nil
	})

	appendJob(t, store, "occupy", "", 1, time.Now().Add(-time.Minute))

	aStats, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, aStats.Done)
	require.True(t, bStats.Skipped)
	require.Zero(t, bStats.Claimed)
}

func TestRunOnce_ClaimIsRecorded(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	table := NewDispatchTable()

	w := New(store, lock.NewMemoryLocker(), table, testConfig())

	// The handler observes its own row mid-flight: the claim was flushed
	// before any handler ran.
	var observed *api.JobRow
	table.MustRegister("introspect", func(ctx context.Context, params json.RawMessage) error {
		var id string
		require.NoError(t, json.Unmarshal(params, &id))
		row, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		observed = row
		return nil
	})

	row := appendJob(t, store, "introspect", `""`, 1, time.Now().Add(-time.Minute))
	payload, err := json.Marshal(api.JobPayload{Name: "introspect", Params: json.RawMessage(`"` + row.ID + `"`)})
	require.NoError(t, err)
	row.Payload = payload
	require.NoError(t, store.UpdateJob(context.Background(), row))

	_, err = w.RunOnce(context.Background())
	require.NoError(t, err)

	require.NotNil(t, observed)
	require.Equal(t, api.StatusRunning, observed.Status)
	require.Equal(t, w.ID(), observed.WorkerID)
	require.False(t, observed.StartedAt.IsZero())
}

func TestRunOnce_RetryWithBackoff(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	table := NewDispatchTable()
	table.MustRegister("flaky", func(ctx context.Context, params json.RawMessage) error {
		return errors.New("transient failure")
	})

	row := appendJob(t, store, "flaky", "", 1, time.Now().Add(-time.Minute))

	cfg := testConfig()
	w := New(store, lock.NewMemoryLocker(), table, cfg)
	fixed := time.Now()
	w.now = func() time.Time { return fixed }

	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Retried)

	got, err := store.GetJob(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusPending, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, "transient failure", got.LastError)
	require.Empty(t, got.WorkerID, "retry releases the claim")
	require.True(t, got.StartedAt.IsZero())
	require.True(t, fixed.Add(cfg.DefaultBackoff).Equal(got.NextRunAt),
		"first retry waits one base backoff")
}

func TestRunOnce_DeadLetterAtAttemptCeiling(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	table := NewDispatchTable()
	table.MustRegister("poison", func(ctx context.Context, params json.RawMessage) error {
		return errors.New(strings.Repeat("x", 5000))
	})

	row := appendJob(t, store, "poison", "", 1, time.Now().Add(-time.Minute))
	// One failure away from the ceiling.
	row.Attempts = 2
	require.NoError(t, store.UpdateJob(context.Background(), row))

	cfg := testConfig() // MaxAttempts: 3
	cfg.MaxErrorLen = 100
	w := New(store, lock.NewMemoryLocker(), table, cfg)

	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.DeadLettered)

	_, err = store.GetJob(context.Background(), row.ID)
	require.ErrorIs(t, err, ledger.ErrJobNotFound, "dead-lettered rows leave the primary ledger")

	dead, err := store.ListDead(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, row.ID, dead[0].ID)
	require.Equal(t, api.StatusError, dead[0].Status)
	require.Equal(t, 3, dead[0].Attempts)
	require.Len(t, dead[0].LastError, 100, "diagnostics are truncated")
}

func TestRunOnce_UnknownHandlerIsTransientFailure(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	row := appendJob(t, store, "unregistered", "", 1, time.Now().Add(-time.Minute))

	w := New(store, lock.NewMemoryLocker(), NewDispatchTable(), testConfig())
	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Retried)

	got, err := store.GetJob(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusPending, got.Status)
	require.Contains(t, got.LastError, "no handler registered")
}

func TestRunOnce_MalformedPayloadDoesNotWedgeBatch(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	table := NewDispatchTable()

	done := false
	table.MustRegister("healthy", func(ctx context.Context, params json.RawMessage) error {
		done = true
		return nil
	})

	bad := &api.JobRow{
		ID:       uuid.NewString(),
		Payload:  json.RawMessage(`{corrupt`),
		QueuedAt: time.Now().Add(-time.Minute),
		Priority: 1,
		Status:   api.StatusPending,
	}
	require.NoError(t, store.AppendJob(context.Background(), bad))
	appendJob(t, store, "healthy", "", 2, time.Now().Add(-time.Minute))

	w := New(store, lock.NewMemoryLocker(), table, testConfig())
	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	require.True(t, done, "the healthy job still runs")
	require.Equal(t, 1, stats.Done)
	require.Equal(t, 1, stats.Retried, "the corrupt row flows into the retry policy")
}

func TestRunOnce_BudgetExhaustionUnclaims(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	table := NewDispatchTable()
	table.MustRegister("slow", func(ctx context.Context, params json.RawMessage) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	})

	base := time.Now().Add(-time.Minute)
	appendJob(t, store, "slow", "", 1, base)
	leftover := appendJob(t, store, "slow", "", 1, base.Add(time.Second))

	cfg := testConfig()
	cfg.WorkerBudget = 50 * time.Millisecond
	w := New(store, lock.NewMemoryLocker(), table, cfg)

	stats, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, stats.Claimed)
	require.Equal(t, 1, stats.Done)
	require.Equal(t, 1, stats.Unclaimed)

	got, err := store.GetJob(context.Background(), leftover.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusPending, got.Status, "unreached rows return to PENDING")
	require.Empty(t, got.WorkerID)
	require.True(t, got.StartedAt.IsZero())
	require.Zero(t, got.Attempts, "unclaiming is not a failure")
}

func TestRunOnce_SuccessClearsDiagnostics(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	table := NewDispatchTable()
	table.MustRegister("recovering", func(ctx context.Context, params json.RawMessage) error { return nil })

	row := appendJob(t, store, "recovering", "", 1, time.Now().Add(-time.Minute))
	row.Attempts = 2
	row.LastError = "failed twice before"
	require.NoError(t, store.UpdateJob(context.Background(), row))

	w := New(store, lock.NewMemoryLocker(), table, testConfig())
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	got, err := store.GetJob(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusDone, got.Status)
	require.Empty(t, got.LastError)
	require.Equal(t, 2, got.Attempts, "the attempt history is kept for auditing")
}

func TestRecoverStuck(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	cfg := testConfig() // WorkerBudget: 1m
	w := New(store, lock.NewMemoryLocker(), NewDispatchTable(), cfg)

	stale := appendJob(t, store, "x", "", 1, time.Now().Add(-time.Hour))
	stale.Status = api.StatusRunning
	stale.WorkerID = "dead-worker"
	stale.StartedAt = time.Now().Add(-10 * time.Minute)
	require.NoError(t, store.UpdateJob(context.Background(), stale))

	fresh := appendJob(t, store, "y", "", 1, time.Now())
	fresh.Status = api.StatusRunning
	fresh.WorkerID = "live-worker"
	fresh.StartedAt = time.Now()
	require.NoError(t, store.UpdateJob(context.Background(), fresh))

	n, err := w.RecoverStuck(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := store.GetJob(context.Background(), stale.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusPending, got.Status)
	require.Empty(t, got.WorkerID)

	got, err = store.GetJob(context.Background(), fresh.ID)
	require.NoError(t, err)
	require.Equal(t, api.StatusRunning, got.Status, "recent claims are left alone")
}

func TestBackoffScheduleGrowsPerAttempt(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	table := NewDispatchTable()
	table.MustRegister("flaky", func(ctx context.Context, params json.RawMessage) error {
		return errors.New("still failing")
	})

	row := appendJob(t, store, "flaky", "", 1, time.Now().Add(-time.Minute))

	cfg := testConfig()
	cfg.MaxAttempts = 10
	w := New(store, lock.NewMemoryLocker(), table, cfg)

	now := time.Now()
	w.now = func() time.Time { return now }

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		_, err := w.RunOnce(context.Background())
		require.NoError(t, err)

		got, err := store.GetJob(context.Background(), row.ID)
		require.NoError(t, err)
		delays = append(delays, got.NextRunAt.Sub(now))

		// Jump the clock past the scheduled retry.
		now = got.NextRunAt.Add(time.Second)
	}

	require.Equal(t, []time.Duration{
		30 * time.Second,
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
	}, delays)
}
