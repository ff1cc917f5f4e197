// Package postgres contains PostgreSQL implementations of repository interfaces.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/and161185/presence/internal/repository"
)

// DefaultTimeout bounds every store call that has no deadline of its own.
const DefaultTimeout = 3 * time.Second

// PgxPool is a minimal abstraction over a Postgres connection pool,
// used by repositories. It is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	// Exec executes a SQL command and returns the command tag.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	// Query executes a SELECT and returns a rows iterator.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// QueryRow executes a query expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// BeginTx starts a transaction with the provided options.
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	// Close shuts down the pool and frees resources.
	Close()
}

// DB wraps pgxpool.Pool to satisfy repository constructors and allow testing.
type DB struct {
	Pool    PgxPool
	Timeout time.Duration
}

// New creates a new connection pool for the given DSN.
func New(ctx context.Context, dsn string, timeout time.Duration) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool, Timeout: timeout}, nil
}

// Close closes the underlying pool.
func (db *DB) Close() { db.Pool.Close() }

// bound applies the store timeout unless ctx already carries an earlier deadline.
func (db *DB) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	d := db.Timeout
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}

// isUniqueViolation reports whether the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}

// Store bundles the PostgreSQL repositories.
type Store struct {
	db         *DB
	sessions   *SessionRepo
	students   *StudentRepo
	attendance *AttendanceRepo
}

var _ repository.Store = (*Store)(nil)

// NewStore builds every repository over db.
func NewStore(db *DB) *Store {
	return &Store{
		db:         db,
		sessions:   NewSessionRepo(db),
		students:   NewStudentRepo(db),
		attendance: NewAttendanceRepo(db),
	}
}

func (s *Store) Sessions() repository.SessionRepository     { return s.sessions }
func (s *Store) Students() repository.StudentRepository     { return s.students }
func (s *Store) Attendance() repository.AttendanceRepository { return s.attendance }

// Close closes the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}
