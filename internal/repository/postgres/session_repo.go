package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/presence/internal/errs"
	"github.com/and161185/presence/internal/model"
	"github.com/and161185/presence/internal/repository"
)

// SessionRepo implements SessionRepository using PostgreSQL.
type SessionRepo struct{ db *DB }

// NewSessionRepo constructs a session repository.
func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

const sessionCols = `id, staff_id, subject, year, semester, mode, is_active, current_token, started_at, ended_at, created_at, rotation_owner, lease_until`

func scanSession(row pgx.Row) (*model.Session, error) {
	var s model.Session
	var mode string
	if err := row.Scan(&s.ID, &s.StaffID, &s.Subject, &s.Cohort.Year, &s.Cohort.Semester, &mode,
		&s.IsActive, &s.CurrentToken, &s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.RotationOwner, &s.LeaseUntil); err != nil {
		return nil, err
	}
	s.Mode = model.Mode(mode)
	return &s, nil
}

// Create inserts a new inactive session row.
func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()
	const q = `
INSERT INTO sessions (id, staff_id, subject, year, semester, mode, is_active, created_at)
VALUES ($1, $2, $3, $4, $5, $6, false, $7)`
	_, err := r.db.Pool.Exec(ctx, q, s.ID, s.StaffID, s.Subject, s.Cohort.Year, s.Cohort.Semester, string(s.Mode), s.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetSession selects a session by ID.
func (r *SessionRepo) GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()
	q := `SELECT ` + sessionCols + ` FROM sessions WHERE id=$1`
	s, err := scanSession(r.db.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return s, err
}

func (r *SessionRepo) list(ctx context.Context, q string, args ...any) ([]model.Session, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ListActive returns active sessions in scan order.
func (r *SessionRepo) ListActive(ctx context.Context) ([]model.Session, error) {
	return r.list(ctx, `SELECT `+sessionCols+` FROM sessions WHERE is_active ORDER BY started_at ASC, id ASC`)
}

// ActiveForStaff returns the staff member's active sessions.
func (r *SessionRepo) ActiveForStaff(ctx context.Context, staffID uuid.UUID) ([]model.Session, error) {
	return r.list(ctx, `SELECT `+sessionCols+` FROM sessions WHERE is_active AND staff_id=$1 ORDER BY started_at ASC, id ASC`, staffID)
}

// Activate flips is_active in one conditional update; the partial unique index on
// staff_id serializes concurrent starts for the same owner.
func (r *SessionRepo) Activate(ctx context.Context, id uuid.UUID, startedAt time.Time) (*model.Session, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()
	q := `
UPDATE sessions
SET is_active = true, started_at = COALESCE(started_at, $2)
WHERE id = $1 AND ended_at IS NULL
RETURNING ` + sessionCols
	s, err := scanSession(r.db.Pool.QueryRow(ctx, q, id, startedAt))
	switch {
	case err == nil:
		return s, nil
	case isUniqueViolation(err):
		return nil, errs.ErrConflict
	case errors.Is(err, pgx.ErrNoRows):
		return nil, r.missingOr(ctx, id, errs.ErrInvalidState)
	default:
		return nil, err
	}
}

// End clears the active flag, the published token and the rotation lease.
func (r *SessionRepo) End(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()
	const q = `
UPDATE sessions
SET is_active = false, ended_at = $2, current_token = NULL, rotation_owner = NULL, lease_until = NULL
WHERE id = $1 AND is_active`
	tag, err := r.db.Pool.Exec(ctx, q, id, endedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOr(ctx, id, errs.ErrInvalidState)
	}
	return nil
}

// PublishCurrentToken stores encoded and renews the caller's lease. The owner guard
// sits in the same WHERE clause so two replicas cannot both publish for one session.
func (r *SessionRepo) PublishCurrentToken(ctx context.Context, id uuid.UUID, encoded string, lease repository.Lease) error {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()
	const q = `
UPDATE sessions
SET current_token = $2, rotation_owner = $3, lease_until = $4
WHERE id = $1 AND is_active
  AND (rotation_owner IS NULL OR rotation_owner = $3 OR lease_until IS NULL OR lease_until < $5)`
	tag, err := r.db.Pool.Exec(ctx, q, id, encoded, lease.Owner, lease.Until, lease.Now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var active bool
	err = r.db.Pool.QueryRow(ctx, `SELECT is_active FROM sessions WHERE id=$1`, id).Scan(&active)
	switch {
	case errors.Is(err, pgx.ErrNoRows), err == nil && !active:
		return fmt.Errorf("publish token: %w", errs.ErrNotFound)
	case err != nil:
		return err
	default:
		return fmt.Errorf("publish token: %w", errs.ErrLeaseHeld)
	}
}

// missingOr returns ErrNotFound when id does not exist, else the given error.
func (r *SessionRepo) missingOr(ctx context.Context, id uuid.UUID, otherwise error) error {
	var one int
	err := r.db.Pool.QueryRow(ctx, `SELECT 1 FROM sessions WHERE id=$1`, id).Scan(&one)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return errs.ErrNotFound
	case err != nil:
		return err
	default:
		return otherwise
	}
}
