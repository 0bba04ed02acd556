package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerq/ledgerq/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB opened with a Postgres driver; the repository uses
// github.com/lib/pq:
//
//	import _ "github.com/lib/pq"
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database
// and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			queued_at BIGINT NOT NULL,
			priority INTEGER NOT NULL,
			next_run_at BIGINT NOT NULL,
			attempts INTEGER NOT NULL,
			status TEXT NOT NULL,
			last_error TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			seq BIGSERIAL
		);
		CREATE TABLE IF NOT EXISTS dead_jobs (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			queued_at BIGINT NOT NULL,
			priority INTEGER NOT NULL,
			next_run_at BIGINT NOT NULL,
			attempts INTEGER NOT NULL,
			status TEXT NOT NULL,
			last_error TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			dead_at BIGINT NOT NULL
		);
	`)
	return err
}

func (s *PostgresStore) AppendJob(ctx context.Context, row *api.JobRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		jobArgs(row)...,
	)
	return err
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*api.JobRow, error) {
	row, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return row, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, f Filter) ([]*api.JobRow, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = $1`
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

func (s *PostgresStore) UpdateJob(ctx context.Context, row *api.JobRow) error {
	res, err := s.db.ExecContext(ctx, updateJobSQL("$"), updateJobArgs(row)...)
	if err != nil {
		return err
	}
	return checkUpdated(res)
}

func (s *PostgresStore) UpdateJobs(ctx context.Context, rows []*api.JobRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	for _, row := range rows {
		res, err := tx.ExecContext(ctx, updateJobSQL("$"), updateJobArgs(row)...)
		if err == nil {
			err = checkUpdated(res)
		}
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) RemoveJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	return err
}

func (s *PostgresStore) AppendDead(ctx context.Context, row *api.JobRow) error {
	args := append(jobArgs(row), time.Now().UnixNano())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_jobs (`+jobColumns+`, dead_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			dead_at = EXCLUDED.dead_at`,
		args...,
	)
	return err
}

func (s *PostgresStore) ListDead(ctx context.Context) ([]*api.JobRow, error) {
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

func (s *PostgresStore) PurgeDead(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_jobs WHERE dead_at < $1`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
