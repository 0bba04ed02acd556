package ledger

import (
	"encoding/json"
	"time"

	"github.com/ledgerq/ledgerq/pkg/api"
)

// Both SQL stores share one column layout, in the ledger's canonical
// order. Timestamps are stored as unix nanoseconds; 0 means "unset".
const jobColumns = `id, payload, queued_at, priority, next_run_at, attempts, status, last_error, worker_id, started_at`

func jobArgs(row *api.JobRow) []any {
	return []any{
		row.ID,
		string(row.Payload),
		unixNano(row.QueuedAt),
		row.Priority,
		unixNano(row.NextRunAt),
		row.Attempts,
		string(row.Status),
		row.LastError,
		row.WorkerID,
		unixNano(row.StartedAt),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(rs rowScanner) (*api.JobRow, error) {
	var (
		row       api.JobRow
		payload   string
		queuedAt  int64
		nextRunAt int64
		statusStr string
		startedAt int64
	)

	err := rs.Scan(
		&row.ID,
		&payload,
		&queuedAt,
		&row.Priority,
		&nextRunAt,
		&row.Attempts,
		&statusStr,
		&row.LastError,
		&row.WorkerID,
		&startedAt,
	)
	if err != nil {
		return nil, err
	}

	row.Payload = json.RawMessage(payload)
	row.QueuedAt = fromUnixNano(queuedAt)
	row.NextRunAt = fromUnixNano(nextRunAt)
	row.Status = api.Status(statusStr)
	row.StartedAt = fromUnixNano(startedAt)
	return &row, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
