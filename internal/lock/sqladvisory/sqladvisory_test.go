package sqladvisory

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/lockcoord/internal/lock"
)

// getTestDB opens the database named by envVar with driverName.
// Skips the test if the database is not available.
func getTestDB(t *testing.T, driverName, envVar string) *sql.DB {
	t.Helper()

	dsn := os.Getenv(envVar)
	if dsn == "" {
		t.Skipf("%s not set", envVar)
	}

	db, err := sql.Open(driverName, dsn)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Skipf("database not available: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSource_NilDB(t *testing.T) {
	_, err := NewSource(nil, MySQL{}).Lease(context.Background())

	var cfgErr *lock.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, ErrNilDB)
}

func TestSource_NilReceiver(t *testing.T) {
	var s *Source
	_, err := s.Lease(context.Background())

	var cfgErr *lock.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestSource_NilDialect(t *testing.T) {
	db, err := sql.Open(DriverMySQL, "user:pass@tcp(127.0.0.1:1)/none")
	require.NoError(t, err)
	defer db.Close()

	_, err = NewSource(db, nil).Lease(context.Background())

	var cfgErr *lock.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestDialectFor(t *testing.T) {
	tests := []struct {
		driver  string
		want    Dialect
		wantErr bool
	}{
		{driver: "pgx", want: Postgres{}},
		{driver: "postgres", want: Postgres{}},
		{driver: "mysql", want: MySQL{}},
		{driver: "sqlite3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			got, err := DialectFor(tt.driver)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, _, err := Open("sqlite3", "file::memory:")
	assert.Error(t, err)
}

func TestMySQLLockName(t *testing.T) {
	assert.Equal(t, "lockcoord:0", MySQLLockName(0))
	assert.Equal(t, "lockcoord:18446744073709551615", MySQLLockName(^uint64(0)))
	assert.LessOrEqual(t, len(MySQLLockName(^uint64(0))), 64)
}

func testExclusion(t *testing.T, db *sql.DB, dialect Dialect, name string) {
	t.Helper()
	ctx := context.Background()

	first := lock.NewLockHandle(NewSource(db, dialect), name)
	second := lock.NewLockHandle(NewSource(db, dialect), name,
		lock.WithBackoff(lock.ConstantBackoff(10*time.Millisecond)))

	require.NoError(t, first.AcquireLock(ctx, 3))

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	err := second.AcquireLock(waitCtx, 3)
	var timeoutErr *lock.AcquisitionTimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	require.NoError(t, first.ReleaseLock(ctx))
	require.NoError(t, second.AcquireLock(ctx, 3))
	require.NoError(t, second.ReleaseLock(ctx))
}

func TestPostgres_Exclusion(t *testing.T) {
	db := getTestDB(t, DriverPostgres, "LOCKCOORD_TEST_DATABASE_URL")
	testExclusion(t, db, Postgres{}, "sqladvisory:test:postgres")
}

func TestMySQL_Exclusion(t *testing.T) {
	db := getTestDB(t, DriverMySQL, "LOCKCOORD_TEST_MYSQL_DSN")
	testExclusion(t, db, MySQL{}, "sqladvisory:test:mysql")
}

func TestMySQL_ReleaseNotHeld(t *testing.T) {
	db := getTestDB(t, DriverMySQL, "LOCKCOORD_TEST_MYSQL_DSN")
	ctx := context.Background()

	c, err := NewSource(db, MySQL{}).Lease(ctx)
	require.NoError(t, err)
	defer func() { _ = c.Discard() }()

	err = c.Release(ctx, lock.DeriveKey("sqladvisory:test:never-held"))
	assert.ErrorIs(t, err, ErrNotHeld)
}

func newMockSource(t *testing.T, dialect Dialect) (*Source, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewSource(db, dialect), mock
}

func TestMySQL_Statements(t *testing.T) {
	source, mock := newMockSource(t, MySQL{})
	ctx := context.Background()
	key := lock.DeriveKey("mysql-statements")
	name := MySQLLockName(key)

	c, err := source.Lease(ctx)
	require.NoError(t, err)

	t.Run("try granted", func(t *testing.T) {
		mock.ExpectQuery("SELECT GET_LOCK(?, 0)").WithArgs(name).
			WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(1))

		ok, err := c.TryAcquire(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("try busy", func(t *testing.T) {
		mock.ExpectQuery("SELECT GET_LOCK(?, 0)").WithArgs(name).
			WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(0))

		ok, err := c.TryAcquire(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("try null", func(t *testing.T) {
		mock.ExpectQuery("SELECT GET_LOCK(?, 0)").WithArgs(name).
			WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(nil))

		_, err := c.TryAcquire(ctx, key)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("blocking", func(t *testing.T) {
		mock.ExpectQuery("SELECT GET_LOCK(?, -1)").WithArgs(name).
			WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(1))

		require.NoError(t, c.Acquire(ctx, key))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("release", func(t *testing.T) {
		mock.ExpectQuery("SELECT RELEASE_LOCK(?)").WithArgs(name).
			WillReturnRows(sqlmock.NewRows([]string{"RELEASE_LOCK"}).AddRow(1))
		mock.ExpectQuery("SELECT RELEASE_LOCK(?)").WithArgs(name).
			WillReturnRows(sqlmock.NewRows([]string{"RELEASE_LOCK"}).AddRow(0))
		mock.ExpectQuery("SELECT RELEASE_LOCK(?)").WithArgs(name).
			WillReturnRows(sqlmock.NewRows([]string{"RELEASE_LOCK"}).AddRow(nil))

		require.NoError(t, c.Release(ctx, key))
		assert.ErrorIs(t, c.Release(ctx, key), ErrNotHeld)
		assert.ErrorIs(t, c.Release(ctx, key), ErrNotHeld)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("discard closes the session", func(t *testing.T) {
		mock.ExpectClose()

		require.NoError(t, c.Discard())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgres_Statements(t *testing.T) {
	source, mock := newMockSource(t, Postgres{})
	ctx := context.Background()
	key := lock.DeriveKey("postgres-statements")

	c, err := source.Lease(ctx)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	mock.ExpectQuery("SELECT pg_try_advisory_lock($1)").WithArgs(int64(key)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_lock($1)").WithArgs(int64(key)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT pg_advisory_unlock($1)").WithArgs(int64(key)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock($1)").WithArgs(int64(key)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(false))

	ok, err := c.TryAcquire(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, c.Acquire(ctx, key))
	require.NoError(t, c.Release(ctx, key))
	assert.ErrorIs(t, c.Release(ctx, key), ErrNotHeld)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandle_OverMockedMySQL(t *testing.T) {
	source, mock := newMockSource(t, MySQL{})
	name := "mysql-handle"
	lockName := MySQLLockName(lock.DeriveKey(name))

	h := lock.NewLockHandle(source, name, lock.WithBackoff(lock.ConstantBackoff(time.Millisecond)))

	mock.ExpectQuery("SELECT GET_LOCK(?, 0)").WithArgs(lockName).
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(0))
	mock.ExpectQuery("SELECT GET_LOCK(?, -1)").WithArgs(lockName).
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(1))
	mock.ExpectQuery("SELECT RELEASE_LOCK(?)").WithArgs(lockName).
		WillReturnRows(sqlmock.NewRows([]string{"RELEASE_LOCK"}).AddRow(1))

	require.NoError(t, h.AcquireLock(context.Background(), 2))
	assert.True(t, h.IsLocked())
	require.NoError(t, h.ReleaseLock(context.Background()))
	assert.False(t, h.IsLocked())

	assert.NoError(t, mock.ExpectationsWereMet())
}
