package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/ledgerq/ledgerq/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			queued_at INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			next_run_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			status TEXT NOT NULL,
			last_error TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			seq INTEGER
		);`,
	)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_jobs (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			queued_at INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			next_run_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			status TEXT NOT NULL,
			last_error TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			dead_at INTEGER NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteStore) AppendJob(ctx context.Context, row *api.JobRow) error {
	args := append(jobArgs(row), time.Now().UnixNano())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*api.JobRow, error) {
	row, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return row, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, f Filter) ([]*api.JobRow, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.JobRow
	for rows.Next() {
		row, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, row *api.JobRow) error {
	res, err := s.db.ExecContext(ctx, updateJobSQL("?"), updateJobArgs(row)...)
	if err != nil {
		return err
	}
	return checkUpdated(res)
}

func (s *SQLiteStore) UpdateJobs(ctx context.Context, rows []*api.JobRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, updateJobSQL("?"))
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	for _, row := range rows {
		res, err := stmt.ExecContext(ctx, updateJobArgs(row)...)
		if err == nil {
			err = checkUpdated(res)
		}
		if err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return err
		}
	}

	_ = stmt.Close()
	return tx.Commit()
}

func (s *SQLiteStore) RemoveJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id IN (`+placeholders+`)`, args...)
	return err
}

func (s *SQLiteStore) AppendDead(ctx context.Context, row *api.JobRow) error {
	args := append(jobArgs(row), time.Now().UnixNano())
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO dead_jobs (`+jobColumns+`, dead_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	return err
}

func (s *SQLiteStore) ListDead(ctx context.Context) ([]*api.JobRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM dead_jobs ORDER BY dead_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.JobRow
	for rows.Next() {
		row, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) PurgeDead(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_jobs WHERE dead_at < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// updateJobSQL builds the shared UPDATE statement. The placeholder
// argument lets the Postgres store reuse it with $n-style markers.
func updateJobSQL(marker string) string {
	if marker == "?" {
		return `UPDATE jobs
			SET payload = ?, queued_at = ?, priority = ?, next_run_at = ?,
			    attempts = ?, status = ?, last_error = ?, worker_id = ?, started_at = ?
			WHERE id = ?`
	}
	return `UPDATE jobs
		SET payload = $1, queued_at = $2, priority = $3, next_run_at = $4,
		    attempts = $5, status = $6, last_error = $7, worker_id = $8, started_at = $9
		WHERE id = $10`
}

func updateJobArgs(row *api.JobRow) []any {
	args := jobArgs(row)
	// Move id from the front to the trailing WHERE position.
	return append(args[1:], args[0])
}

func checkUpdated(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}
