package ledgerq

import (
	"database/sql"

	"github.com/ledgerq/ledgerq/internal/engine"
	"github.com/ledgerq/ledgerq/internal/guard"
	"github.com/ledgerq/ledgerq/internal/ledger"
	"github.com/ledgerq/ledgerq/internal/lock"
	"github.com/ledgerq/ledgerq/internal/queue"
	workerpkg "github.com/ledgerq/ledgerq/pkg/worker"
)

// Bundle wires together an Enqueuer, an Engine, a Worker, and a
// Maintenance sweeper sharing one ledger. The step-dispatch handler is
// pre-registered, so workflow continuations flow through the worker
// with no further wiring.
type Bundle struct {
	Enqueuer    Enqueuer
	Engine      Engine
	Worker      *workerpkg.Worker
	Maintenance *workerpkg.Maintenance

	// Dispatch is the worker's handler table. Register plain job
	// handlers here before the first worker pass.
	Dispatch *workerpkg.DispatchTable

	store      ledger.Store
	locker     lock.Locker
	cfg        Config
	guardCache guard.Cache
}

// Handle registers a plain job handler on the bundle's dispatch table.
func (b *Bundle) Handle(name string, fn workerpkg.Handler) error {
	return b.Dispatch.Register(name, fn)
}

func newBundle(store ledger.Store, locker lock.Locker, cfg Config, obs Observer) *Bundle {
	cfg = cfg.Normalized()

	table := workerpkg.NewDispatchTable()
	q := queue.New(store, locker, cfg)
	eng := engine.NewWithObserver(q, cfg, obs)

	table.MustRegister(JobRunStep, eng.RunStep)

	return &Bundle{
		Enqueuer:    q,
		Engine:      eng,
		Worker:      workerpkg.NewWithObserver(store, locker, table, cfg, obs),
		Maintenance: workerpkg.NewMaintenance(store, locker, cfg),
		Dispatch:    table,
		store:       store,
		locker:      locker,
		cfg:         cfg,
		guardCache:  guard.NewMemoryCache(),
	}
}

// NewMemoryBundle constructs a fully in-memory Bundle. Nothing survives
// a restart; it is intended for tests and local development.
func NewMemoryBundle(cfg Config) *Bundle {
	return NewMemoryBundleWithObserver(cfg, nil)
}

// NewMemoryBundleWithObserver is NewMemoryBundle with an Observer.
func NewMemoryBundleWithObserver(cfg Config, obs Observer) *Bundle {
	return newBundle(ledger.NewMemoryStore(), lock.NewMemoryLocker(), cfg, obs)
}

// NewSQLiteBundle constructs a durable Bundle over the given SQLite
// database. Locking stays in-process, which is correct as long as only
// one process opens the database.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:ledgerq.db?_journal=WAL")
//	bundle, err := ledgerq.NewSQLiteBundle(db, ledgerq.DefaultConfig())
func NewSQLiteBundle(db *sql.DB, cfg Config) (*Bundle, error) {
	return NewSQLiteBundleWithObserver(db, cfg, nil)
}

// NewSQLiteBundleWithObserver is NewSQLiteBundle with an Observer.
func NewSQLiteBundleWithObserver(db *sql.DB, cfg Config, obs Observer) (*Bundle, error) {
	store, err := ledger.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newBundle(store, lock.NewMemoryLocker(), cfg, obs), nil
}

// NewPostgresBundle constructs a durable Bundle over the given Postgres
// database. Locks are advisory locks on the same database, so multiple
// processes can share the ledger safely.
func NewPostgresBundle(db *sql.DB, cfg Config) (*Bundle, error) {
	return NewPostgresBundleWithObserver(db, cfg, nil)
}

// NewPostgresBundleWithObserver is NewPostgresBundle with an Observer.
func NewPostgresBundleWithObserver(db *sql.DB, cfg Config, obs Observer) (*Bundle, error) {
	store, err := ledger.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return newBundle(store, lock.NewPostgresLocker(db), cfg, obs), nil
}
