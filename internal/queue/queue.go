// Package queue implements the enqueue side of the job ledger: appending
// one PENDING row per unit of work, under a short exclusive lock that
// serializes row allocation.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerq/ledgerq/internal/ledger"
	"github.com/ledgerq/ledgerq/internal/lock"
	"github.com/ledgerq/ledgerq/pkg/api"
)

// Queue appends jobs to a ledger.Store. It performs no validation of the
// params beyond JSON marshalling; payloads are opaque to the queue.
type Queue struct {
	store  ledger.Store
	locker lock.Locker
	cfg    api.Config
	log    *slog.Logger
}

// Ensure Queue implements the engine-facing Enqueuer.
var _ api.Enqueuer = (*Queue)(nil)

// New creates a Queue over the given store and locker.
func New(store ledger.Store, locker lock.Locker, cfg api.Config) *Queue {
	return &Queue{
		store:  store,
		locker: locker,
		cfg:    cfg.Normalized(),
		log:    slog.Default(),
	}
}

// Enqueue appends one job row with StatusPending, zero attempts, and a
// fresh id. It fails fast with lock.ErrBusy when the enqueue lock cannot
// be acquired within Config.LockTimeout; the caller is expected to retry
// at a higher level.
func (q *Queue) Enqueue(ctx context.Context, name string, params any, opts api.Options) (*api.JobRow, error) {
	if name == "" {
		return nil, fmt.Errorf("enqueue: job name is required")
	}

	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", name, err)
	}
	payload, err := json.Marshal(api.JobPayload{Name: name, Params: rawParams})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", name, err)
	}

	priority := opts.Priority
	if priority == 0 {
		priority = q.cfg.DefaultPriority
	}

	release, err := q.locker.Acquire(ctx, lock.NameEnqueue, q.cfg.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", name, err)
	}
	defer release()

	row := &api.JobRow{
		ID:        uuid.NewString(),
		Payload:   payload,
		QueuedAt:  time.Now(),
		Priority:  priority,
		NextRunAt: opts.RunAt,
		Attempts:  0,
		Status:    api.StatusPending,
	}

	if err := q.store.AppendJob(ctx, row); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", name, err)
	}

	q.log.DebugContext(ctx, "job_enqueued",
		slog.String("job_id", row.ID),
		slog.String("job", name),
		slog.Int("priority", row.Priority),
	)
	return row, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(params)
	}
}
