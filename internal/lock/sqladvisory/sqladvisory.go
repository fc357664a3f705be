// Package sqladvisory implements lock.Source on database/sql. It supports
// PostgreSQL advisory locks through the pgx stdlib driver and MySQL named
// locks (GET_LOCK) through go-sql-driver/mysql.
package sqladvisory

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kneutral-org/lockcoord/internal/lock"
)

// Driver names registered by the imported drivers.
const (
	DriverPostgres = "pgx"
	DriverMySQL    = "mysql"
)

var (
	// ErrNilDB is wrapped in a lock.ConfigurationError when the source has no database.
	ErrNilDB = errors.New("sqladvisory: db is nil")

	// ErrNotHeld is returned by Release when the session does not hold the lock.
	ErrNotHeld = errors.New("sqladvisory: lock not held by this session")
)

// Dialect renders the lock statements of one database engine.
type Dialect interface {
	TryLock(ctx context.Context, c *sql.Conn, key uint64) (bool, error)
	Lock(ctx context.Context, c *sql.Conn, key uint64) error
	Unlock(ctx context.Context, c *sql.Conn, key uint64) error
}

// Postgres uses session-level exclusive advisory locks.
type Postgres struct{}

func (Postgres) TryLock(ctx context.Context, c *sql.Conn, key uint64) (bool, error) {
	var ok bool
	if err := c.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", int64(key)).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (Postgres) Lock(ctx context.Context, c *sql.Conn, key uint64) error {
	_, err := c.ExecContext(ctx, "SELECT pg_advisory_lock($1)", int64(key))
	return err
}

func (Postgres) Unlock(ctx context.Context, c *sql.Conn, key uint64) error {
	var ok bool
	if err := c.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", int64(key)).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// MySQL uses named user-level locks. GET_LOCK returns 1 when granted, 0 on
// timeout and NULL on error.
type MySQL struct{}

func (MySQL) TryLock(ctx context.Context, c *sql.Conn, key uint64) (bool, error) {
	var res sql.NullInt64
	if err := c.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", MySQLLockName(key)).Scan(&res); err != nil {
		return false, err
	}
	if !res.Valid {
		return false, fmt.Errorf("GET_LOCK(%q) returned NULL", MySQLLockName(key))
	}
	return res.Int64 == 1, nil
}

func (MySQL) Lock(ctx context.Context, c *sql.Conn, key uint64) error {
	var res sql.NullInt64
	if err := c.QueryRowContext(ctx, "SELECT GET_LOCK(?, -1)", MySQLLockName(key)).Scan(&res); err != nil {
		return err
	}
	if !res.Valid || res.Int64 != 1 {
		return fmt.Errorf("failed to get lock %q", MySQLLockName(key))
	}
	return nil
}

func (MySQL) Unlock(ctx context.Context, c *sql.Conn, key uint64) error {
	var res sql.NullInt64
	if err := c.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", MySQLLockName(key)).Scan(&res); err != nil {
		return err
	}
	if !res.Valid || res.Int64 != 1 {
		return ErrNotHeld
	}
	return nil
}

// MySQLLockName maps a key onto a GET_LOCK name. MySQL limits names to 64 characters.
func MySQLLockName(key uint64) string {
	return "lockcoord:" + strconv.FormatUint(key, 10)
}

// DialectFor returns the dialect for a registered driver name.
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case DriverPostgres, "postgres":
		return Postgres{}, nil
	case DriverMySQL:
		return MySQL{}, nil
	default:
		return nil, fmt.Errorf("sqladvisory: unsupported driver %q", driverName)
	}
}

// Source leases dedicated *sql.Conn sessions from a *sql.DB.
type Source struct {
	db      *sql.DB
	dialect Dialect
}

// NewSource creates a Source. A nil db is reported by Lease.
func NewSource(db *sql.DB, dialect Dialect) *Source {
	return &Source{db: db, dialect: dialect}
}

// Open opens a database with driverName and wraps it in a Source.
func Open(driverName, dsn string) (*Source, *sql.DB, error) {
	dialect, err := DialectFor(driverName)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("sqladvisory: open: %w", err)
	}
	return NewSource(db, dialect), db, nil
}

// Lease implements lock.Source.
func (s *Source) Lease(ctx context.Context) (lock.Conn, error) {
	if s == nil || s.db == nil {
		return nil, lock.NewConfigurationError(ErrNilDB)
	}
	if s.dialect == nil {
		return nil, lock.NewConfigurationError(errors.New("sqladvisory: dialect is nil"))
	}
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqladvisory: get connection: %w", err)
	}
	return &Conn{conn: c, dialect: s.dialect}, nil
}

// Conn is one database session.
type Conn struct {
	conn    *sql.Conn
	dialect Dialect
}

// TryAcquire implements lock.Conn.
func (c *Conn) TryAcquire(ctx context.Context, key uint64) (bool, error) {
	ok, err := c.dialect.TryLock(ctx, c.conn, key)
	if err != nil {
		return false, fmt.Errorf("sqladvisory: try lock: %w", err)
	}
	return ok, nil
}

// Acquire implements lock.Conn.
func (c *Conn) Acquire(ctx context.Context, key uint64) error {
	if err := c.dialect.Lock(ctx, c.conn, key); err != nil {
		return fmt.Errorf("sqladvisory: lock: %w", err)
	}
	return nil
}

// Release implements lock.Conn.
func (c *Conn) Release(ctx context.Context, key uint64) error {
	if err := c.dialect.Unlock(ctx, c.conn, key); err != nil {
		if errors.Is(err, ErrNotHeld) {
			return err
		}
		return fmt.Errorf("sqladvisory: unlock: %w", err)
	}
	return nil
}

// Probe implements lock.Conn.
func (c *Conn) Probe(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

// Close returns the session to the pool.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Discard closes the underlying driver connection instead of pooling it,
// which ends the session and every lock it holds.
func (c *Conn) Discard() error {
	err := c.conn.Raw(func(any) error {
		return driver.ErrBadConn
	})
	if err != nil && !errors.Is(err, driver.ErrBadConn) {
		return err
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
