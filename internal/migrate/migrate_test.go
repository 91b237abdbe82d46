package migrate

import (
	"context"
	"io/fs"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/flowtick/db/migrations"
	"github.com/djlord-it/flowtick/internal/domain"
)

type fakeLocker struct {
	state    domain.LockState
	deny     bool
	acquired int
	released int
}

func (l *fakeLocker) Status(context.Context, string) (domain.LockState, error) {
	return l.state, nil
}

func (l *fakeLocker) WithLock(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	if l.deny {
		return false, nil
	}
	l.acquired++
	defer func() { l.released++ }()
	return true, fn(ctx)
}

var files = fstest.MapFS{
	"0002_tasks.sql":     {Data: []byte("CREATE TABLE tasks (id TEXT);")},
	"0001_schedules.sql": {Data: []byte("CREATE TABLE schedules (id UUID);")},
	"README.md":          {Data: []byte("not a migration")},
	"archive":            {Mode: fs.ModeDir | 0o755},
}

func newRunner(t *testing.T, locker *fakeLocker) (*Runner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(db, files, locker).WithClock(func() time.Time { return clock })
	return r, mock
}

func expectBootstrap(mock sqlmock.Sqlmock) {
	mock.ExpectExec(queryBootstrapLocks).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(queryBootstrapMigrations).WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectApplied(mock sqlmock.Sqlmock, version string, applied bool) {
	mock.ExpectQuery(queryIsApplied).WithArgs(version).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(applied))
}

func TestRun_AppliesPendingInOrder(t *testing.T) {
	locker := &fakeLocker{state: domain.LockFree}
	r, mock := newRunner(t, locker)

	expectBootstrap(mock)
	expectApplied(mock, "0001_schedules.sql", true)
	expectApplied(mock, "0002_tasks.sql", false)
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE tasks (id TEXT);").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(queryRecordMigration).WithArgs("0002_tasks.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, []string{"0002_tasks.sql"}, res.Applied)
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_UpToDate(t *testing.T) {
	locker := &fakeLocker{state: domain.LockFree}
	r, mock := newRunner(t, locker)

	expectBootstrap(mock)
	expectApplied(mock, "0001_schedules.sql", true)
	expectApplied(mock, "0002_tasks.sql", true)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_SkipsWhenLockHeld(t *testing.T) {
	locker := &fakeLocker{state: domain.LockHeld}
	r, mock := newRunner(t, locker)

	expectBootstrap(mock)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, locker.acquired, "lease never taken")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_SkipsWhenLeaseLostToRace(t *testing.T) {
	locker := &fakeLocker{state: domain.LockFree, deny: true}
	r, mock := newRunner(t, locker)

	expectBootstrap(mock)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_FailedMigrationRollsBackAndReleases(t *testing.T) {
	locker := &fakeLocker{state: domain.LockFree}
	r, mock := newRunner(t, locker)

	expectBootstrap(mock)
	expectApplied(mock, "0001_schedules.sql", false)
	expectApplied(mock, "0002_tasks.sql", false)
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE schedules (id UUID);").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	res, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply migration 0001_schedules.sql")
	assert.Empty(t, res.Applied)
	assert.Equal(t, 1, locker.released, "lease released after a failed migration")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_BootstrapFailure(t *testing.T) {
	locker := &fakeLocker{state: domain.LockFree}
	r, mock := newRunner(t, locker)

	mock.ExpectExec(queryBootstrapLocks).WillReturnError(errors.New("permission denied"))

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsStorageError(err))
	assert.Zero(t, locker.acquired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListMigrationFiles(t *testing.T) {
	got, err := listMigrationFiles(files)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_schedules.sql", "0002_tasks.sql"}, got)
}

func TestEmbeddedMigrations(t *testing.T) {
	got, err := listMigrationFiles(migrations.Files)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"0001_schedules.sql",
		"0002_executions.sql",
		"0003_locks.sql",
		"0004_tasks.sql",
	}, got)
}
