package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ledgerq/ledgerq/pkg/api"
)

// ErrJobNotFound is returned when a job row is not present in the
// primary ledger.
var ErrJobNotFound = errors.New("job not found")

// Filter selects rows from the primary ledger. Zero values mean
// "no filter" for that field.
type Filter struct {
	Status api.Status
}

// Store is the shared mutable resource of the whole system: the primary
// job ledger plus the dead-letter ledger. Implementations must be safe
// for concurrent use, but they do not serialize the claim protocol;
// that is the worker's short-timeout lock.
type Store interface {
	// AppendJob adds one row to the primary ledger.
	AppendJob(ctx context.Context, row *api.JobRow) error

	// GetJob returns the row with the given id, or ErrJobNotFound.
	GetJob(ctx context.Context, id string) (*api.JobRow, error)

	// ListJobs returns rows matching the filter, in insertion order.
	ListJobs(ctx context.Context, f Filter) ([]*api.JobRow, error)

	// UpdateJob rewrites one row in place, matched by id.
	UpdateJob(ctx context.Context, row *api.JobRow) error

	// UpdateJobs rewrites a batch of rows in one flush, so a crash after
	// the call leaves visibly claimed rows rather than silently
	// reprocessed ones.
	UpdateJobs(ctx context.Context, rows []*api.JobRow) error

	// RemoveJobs deletes the given ids from the primary ledger in as few
	// bulk writes as the backend allows.
	RemoveJobs(ctx context.Context, ids []string) error

	// AppendDead copies a row into the dead-letter ledger, stamping the
	// time of the move for later purging.
	AppendDead(ctx context.Context, row *api.JobRow) error

	// ListDead returns all dead-letter rows.
	ListDead(ctx context.Context) ([]*api.JobRow, error)

	// PurgeDead deletes dead-letter rows moved before the given time and
	// reports how many were removed.
	PurgeDead(ctx context.Context, before time.Time) (int, error)
}
