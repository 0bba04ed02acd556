package ledgerq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/ledgerq/ledgerq/internal/ledger"
)

// TestSQLiteBundle_DurableAcrossRestart demonstrates that a started
// workflow survives a simulated process death: the continuation row sits
// in the ledger until a fresh process re-registers the workflow and runs
// a worker pass.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbPath := filepath.Join(t.TempDir(), "ledgerq.db")
	dsn := "file:" + dbPath + "?_journal=WAL"

	registerFlow := func(output *int) func(Engine) error {
		return func(eng Engine) error {
			return New("add-one").
				Step("add", TypedStep(func(ctx context.Context, sc *StepContext, in int) (StepResult, error) {
					*output = in + 1
					return Complete(*output), nil
				})).
				Register(eng)
		}
	}

	// --- Phase 1: start the workflow, process nothing.

	db1, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)

	bundle1, err := NewSQLiteBundle(db1, testBundleConfig())
	require.NoError(t, err)

	var unused int
	require.NoError(t, bundle1.Engine.EnsureRegistered(registerFlow(&unused)))

	id, err := bundle1.Engine.StartWorkflow(ctx, "add-one", 41, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	pending, err := bundle1.store.ListJobs(ctx, ledger.Filter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1, "the continuation row is persisted, not executed")
	require.Zero(t, unused, "no step ran yet")

	// Simulate process death.
	require.NoError(t, db1.Close())

	// --- Phase 2: "restart" with a new handle and bundle.

	db2, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db2.Close()

	bundle2, err := NewSQLiteBundle(db2, testBundleConfig())
	require.NoError(t, err)

	// Definitions live in memory only; every process re-registers on start.
	var output int
	require.NoError(t, bundle2.Engine.EnsureRegistered(registerFlow(&output)))

	_, err = bundle2.Worker.RecoverStuck(ctx)
	require.NoError(t, err)

	drain(t, bundle2)

	require.Equal(t, 42, output, "add-one(41) completed after the restart")

	pending, err = bundle2.store.ListJobs(ctx, ledger.Filter{Status: StatusPending})
	require.NoError(t, err)
	require.Empty(t, pending)
}

// TestSQLiteBundle_RetryStateSurvivesRestart checks that attempts and
// the backoff schedule are part of the durable row, not process memory.
func TestSQLiteBundle_RetryStateSurvivesRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "ledgerq.db")
	dsn := "file:" + dbPath + "?_journal=WAL"

	cfg := testBundleConfig()
	cfg.DefaultBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond

	// --- Phase 1: the job fails once.

	db1, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)

	bundle1, err := NewSQLiteBundle(db1, cfg)
	require.NoError(t, err)
	require.NoError(t, bundle1.Handle("flaky", func(ctx context.Context, params json.RawMessage) error {
		return errors.New("not yet")
	}))

	row, err := bundle1.Enqueuer.Enqueue(ctx, "flaky", nil, Options{})
	require.NoError(t, err)

	_, err = bundle1.Worker.RunOnce(ctx)
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	// --- Phase 2: the restarted process sees the recorded attempt.

	db2, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db2.Close()

	bundle2, err := NewSQLiteBundle(db2, cfg)
	require.NoError(t, err)
	require.NoError(t, bundle2.Handle("flaky", func(ctx context.Context, params json.RawMessage) error {
		return nil // healthy after restart
	}))

	got, err := bundle2.store.GetJob(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, "not yet", got.LastError)

	time.Sleep(5 * time.Millisecond) // let the 1ms backoff elapse
	drain(t, bundle2)

	got, err = bundle2.store.GetJob(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDone, got.Status)
	require.Empty(t, got.LastError)
}
