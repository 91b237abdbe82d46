// Package migrate applies the embedded SQL migrations under the
// migration_lock lease.
//
// The runner first checks whether another process holds the lease and, if
// so, returns without touching the schema. Otherwise it takes the lease,
// applies every file not yet recorded in schema_migrations in filename order
// (one transaction per file), and releases the lease on every exit path.
package migrate

import (
	"context"
	"database/sql"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/djlord-it/flowtick/internal/domain"
)

// LockName is the lease that serializes migrations across processes.
const LockName = "migration_lock"

const (
	queryBootstrapLocks = `
		CREATE TABLE IF NOT EXISTS locks (
			id          TEXT PRIMARY KEY,
			acquired_at TIMESTAMPTZ NOT NULL,
			released_at TIMESTAMPTZ
		)`

	queryBootstrapMigrations = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL
		)`

	queryIsApplied = `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`

	queryRecordMigration = `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`
)

type Locker interface {
	Status(ctx context.Context, name string) (domain.LockState, error)
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error)
}

// Result reports what a Run did.
type Result struct {
	// Skipped is true when another process held the migration lease.
	Skipped bool
	Applied []string
}

type Runner struct {
	db     *sql.DB
	files  fs.FS
	locker Locker
	logger *zap.SugaredLogger
	clock  func() time.Time
}

func New(db *sql.DB, files fs.FS, locker Locker) *Runner {
	return &Runner{
		db:     db,
		files:  files,
		locker: locker,
		logger: zap.NewNop().Sugar(),
		clock:  time.Now,
	}
}

func (r *Runner) WithLogger(logger *zap.SugaredLogger) *Runner {
	r.logger = logger
	return r
}

func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// Bootstrap creates the locks and schema_migrations tables. Both statements
// are idempotent, and the lease cannot be taken before the locks table exists.
func (r *Runner) Bootstrap(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, queryBootstrapLocks); err != nil {
		return domain.NewStorageError("bootstrap locks table", err)
	}
	if _, err := r.db.ExecContext(ctx, queryBootstrapMigrations); err != nil {
		return domain.NewStorageError("bootstrap schema_migrations table", err)
	}
	return nil
}

// Run bootstraps, checks the lease, and applies pending migrations.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	if err := r.Bootstrap(ctx); err != nil {
		return Result{}, err
	}

	state, err := r.locker.Status(ctx, LockName)
	if err != nil {
		return Result{}, errors.Wrap(err, "check migration lock")
	}
	if state == domain.LockHeld {
		r.logger.Warnw("migrations already in progress, skipping", "lock", LockName)
		return Result{Skipped: true}, nil
	}

	var applied []string
	ran, err := r.locker.WithLock(ctx, LockName, func(ctx context.Context) error {
		var applyErr error
		applied, applyErr = r.apply(ctx)
		return applyErr
	})
	if !ran && err == nil {
		// Lost the race between Status and Acquire.
		r.logger.Warnw("migrations already in progress, skipping", "lock", LockName)
		return Result{Skipped: true}, nil
	}
	if err != nil {
		return Result{Applied: applied}, err
	}
	return Result{Applied: applied}, nil
}

// Pending lists the migration files not yet recorded, in apply order.
func (r *Runner) Pending(ctx context.Context) ([]string, error) {
	files, err := listMigrationFiles(r.files)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, file := range files {
		done, err := r.isApplied(ctx, file)
		if err != nil {
			return nil, err
		}
		if !done {
			pending = append(pending, file)
		}
	}
	return pending, nil
}

func (r *Runner) apply(ctx context.Context) ([]string, error) {
	pending, err := r.Pending(ctx)
	if err != nil {
		return nil, err
	}
	applied := make([]string, 0, len(pending))
	for _, file := range pending {
		start := r.clock()
		if err := r.applyOne(ctx, file); err != nil {
			return applied, err
		}
		applied = append(applied, file)
		r.logger.Infow("migration applied", "version", file, "duration", r.clock().Sub(start))
	}
	if len(applied) == 0 {
		r.logger.Infow("schema up to date")
	}
	return applied, nil
}

func (r *Runner) isApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, queryIsApplied, version).Scan(&exists); err != nil {
		return false, domain.NewStorageError("check migration "+version, err)
	}
	return exists, nil
}

func (r *Runner) applyOne(ctx context.Context, file string) error {
	body, err := fs.ReadFile(r.files, file)
	if err != nil {
		return errors.Wrapf(err, "read migration %s", file)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewStorageError("begin migration "+file, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return errors.Wrapf(err, "apply migration %s", file)
	}
	if _, err := tx.ExecContext(ctx, queryRecordMigration, file, r.clock().UTC()); err != nil {
		return errors.Wrapf(err, "record migration %s", file)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit migration %s", file)
	}
	return nil
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, errors.Wrap(err, "list migrations")
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}
