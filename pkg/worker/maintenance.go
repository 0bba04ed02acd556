package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ledgerq/ledgerq/internal/ledger"
	"github.com/ledgerq/ledgerq/internal/lock"
	"github.com/ledgerq/ledgerq/pkg/api"
)

// Maintenance implements the two-stage retention policy: finished rows
// age out of the primary ledger into the dead ledger, and dead rows are
// purged once they pass the retention horizon.
type Maintenance struct {
	store  ledger.Store
	locker lock.Locker
	cfg    api.Config
	log    *slog.Logger

	now func() time.Time
}

// SweepStats summarizes one retention pass.
type SweepStats struct {
	// Skipped is true when another instance held the maintenance lock.
	Skipped bool

	// Moved counts rows aged out of the primary ledger.
	Moved int

	// Purged counts dead rows deleted for good.
	Purged int
}

// NewMaintenance creates a Maintenance sweeper.
func NewMaintenance(store ledger.Store, locker lock.Locker, cfg api.Config) *Maintenance {
	return &Maintenance{
		store:  store,
		locker: locker,
		cfg:    cfg.Normalized(),
		log:    slog.Default(),
		now:    time.Now,
	}
}

// Sweep executes one retention pass. Like a worker pass it is skipped
// entirely when its lock is busy, and it is safe to run on any schedule.
func (m *Maintenance) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	release, err := m.locker.Acquire(ctx, lock.NameMaintenance, m.cfg.LockTimeout)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			stats.Skipped = true
			return stats, nil
		}
		return stats, err
	}
	defer release()

	now := m.now()

	moved, err := m.moveFinished(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.Moved = moved

	purged, err := m.store.PurgeDead(ctx, now.AddDate(0, 0, -m.cfg.PurgeAfterDays))
	if err != nil {
		return stats, err
	}
	stats.Purged = purged

	if stats.Moved > 0 || stats.Purged > 0 {
		m.log.InfoContext(ctx, "retention_sweep",
			slog.Int("moved", stats.Moved), slog.Int("purged", stats.Purged))
	}
	return stats, nil
}

// moveFinished relocates DONE and ERROR rows older than the move
// horizon to the dead ledger. Age is judged by when the row last ran,
// falling back to enqueue time for rows that never ran.
func (m *Maintenance) moveFinished(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -m.cfg.MoveAfterDays)

	var aged []*api.JobRow
	for _, status := range []api.Status{api.StatusDone, api.StatusError} {
		rows, err := m.store.ListJobs(ctx, ledger.Filter{Status: status})
		if err != nil {
			return 0, err
		}
		for _, row := range rows {
			ref := row.StartedAt
			if ref.IsZero() {
				ref = row.QueuedAt
			}
			if ref.Before(cutoff) {
				aged = append(aged, row)
			}
		}
	}
	if len(aged) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(aged))
	for _, row := range aged {
		if err := m.store.AppendDead(ctx, row); err != nil {
			return 0, err
		}
		ids = append(ids, row.ID)
	}
	// Remove only after every append landed; a crash in between leaves
	// duplicates in the dead ledger, never lost rows.
	if err := m.store.RemoveJobs(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}
