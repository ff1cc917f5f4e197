package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/presence/internal/errs"
	"github.com/and161185/presence/internal/model"
	"github.com/and161185/presence/internal/repository"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock, Timeout: time.Second}, mock
}

var sessionColumns = []string{"id", "staff_id", "subject", "year", "semester", "mode", "is_active", "current_token", "started_at", "ended_at", "created_at", "rotation_owner", "lease_until"}

func sessionRow(s model.Session) *pgxmock.Rows {
	return pgxmock.NewRows(sessionColumns).
		AddRow(s.ID, s.StaffID, s.Subject, s.Cohort.Year, s.Cohort.Semester, string(s.Mode), s.IsActive, s.CurrentToken, s.StartedAt, s.EndedAt, s.CreatedAt, s.RotationOwner, s.LeaseUntil)
}

func newSession() model.Session {
	return model.Session{
		ID:        uuid.Must(uuid.NewV4()),
		StaffID:   uuid.Must(uuid.NewV4()),
		Subject:   "DSA",
		Cohort:    model.Cohort{Year: 2, Semester: 3},
		Mode:      model.ModeQR,
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestSessionRepo_Create(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	s := newSession()

	mock.ExpectExec(`INSERT INTO sessions \(id, staff_id, subject, year, semester, mode, is_active, created_at\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, false, \$7\)`).
		WithArgs(s.ID, s.StaffID, s.Subject, 2, 3, "qr", s.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(context.Background(), &s))

	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(s.ID, s.StaffID, s.Subject, 2, 3, "qr", s.CreatedAt).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.Create(context.Background(), &s), errs.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_GetSession(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	s := newSession()
	tok := "enc"
	s.CurrentToken = &tok
	s.IsActive = true
	owner, until := "replica-a", time.Unix(1_700_000_030, 0).UTC()
	s.RotationOwner, s.LeaseUntil = &owner, &until

	mock.ExpectQuery(`SELECT id, staff_id, subject, year, semester, mode, is_active, current_token, started_at, ended_at, created_at, rotation_owner, lease_until FROM sessions WHERE id=\$1`).
		WithArgs(s.ID).
		WillReturnRows(sessionRow(s))
	got, err := r.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
	require.Equal(t, model.Cohort{Year: 2, Semester: 3}, got.Cohort)
	require.Equal(t, model.ModeQR, got.Mode)
	require.Equal(t, "enc", *got.CurrentToken)
	require.Equal(t, "replica-a", *got.RotationOwner)
	require.True(t, got.LeaseUntil.Equal(until))
	require.False(t, got.RotatableBy("replica-b", until.Add(-time.Second)))
	require.True(t, got.RotatableBy("replica-b", until.Add(time.Second)))

	mock.ExpectQuery(`FROM sessions WHERE id=\$1`).WithArgs(s.ID).WillReturnError(pgx.ErrNoRows)
	_, err = r.GetSession(context.Background(), s.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSessionRepo_ListActive_Order(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	a, b := newSession(), newSession()

	rows := pgxmock.NewRows(sessionColumns).
		AddRow(a.ID, a.StaffID, a.Subject, 2, 3, "otp", true, nil, nil, nil, a.CreatedAt, nil, nil).
		AddRow(b.ID, b.StaffID, b.Subject, 2, 3, "otp", true, nil, nil, nil, b.CreatedAt, nil, nil)
	mock.ExpectQuery(`FROM sessions WHERE is_active ORDER BY started_at ASC, id ASC`).WillReturnRows(rows)

	got, err := r.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, a.ID, got[0].ID)
	require.Equal(t, model.ModeOTP, got[1].Mode)
	require.Nil(t, got[0].RotationOwner)
	require.True(t, got[0].RotatableBy("replica-a", time.Now()))
}

func TestSessionRepo_ActiveForStaff(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	s := newSession()
	s.IsActive = true

	mock.ExpectQuery(`WHERE is_active AND staff_id=\$1`).WithArgs(s.StaffID).WillReturnRows(sessionRow(s))
	got, err := r.ActiveForStaff(context.Background(), s.StaffID)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestSessionRepo_Activate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	s := newSession()
	now := time.Unix(1_700_000_100, 0).UTC()
	active := s
	active.IsActive = true
	active.StartedAt = &now

	mock.ExpectQuery(`UPDATE sessions SET is_active = true, started_at = COALESCE\(started_at, \$2\) WHERE id = \$1 AND ended_at IS NULL RETURNING`).
		WithArgs(s.ID, now).
		WillReturnRows(sessionRow(active))
	got, err := r.Activate(context.Background(), s.ID, now)
	require.NoError(t, err)
	require.True(t, got.IsActive)

	// owner already has an active session
	mock.ExpectQuery(`UPDATE sessions SET is_active = true`).
		WithArgs(s.ID, now).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	_, err = r.Activate(context.Background(), s.ID, now)
	require.ErrorIs(t, err, errs.ErrConflict)

	// ended
	mock.ExpectQuery(`UPDATE sessions SET is_active = true`).WithArgs(s.ID, now).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT 1 FROM sessions WHERE id=\$1`).WithArgs(s.ID).WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	_, err = r.Activate(context.Background(), s.ID, now)
	require.ErrorIs(t, err, errs.ErrInvalidState)

	// missing
	mock.ExpectQuery(`UPDATE sessions SET is_active = true`).WithArgs(s.ID, now).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT 1 FROM sessions WHERE id=\$1`).WithArgs(s.ID).WillReturnError(pgx.ErrNoRows)
	_, err = r.Activate(context.Background(), s.ID, now)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepo_End(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	id := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE sessions SET is_active = false, ended_at = \$2, current_token = NULL, rotation_owner = NULL, lease_until = NULL WHERE id = \$1 AND is_active`).
		WithArgs(id, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.End(context.Background(), id, now))

	mock.ExpectExec(`UPDATE sessions SET is_active = false`).WithArgs(id, now).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM sessions WHERE id=\$1`).WithArgs(id).WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	require.ErrorIs(t, r.End(context.Background(), id, now), errs.ErrInvalidState)
}

func TestSessionRepo_PublishCurrentToken(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSessionRepo(db)
	id := uuid.Must(uuid.NewV4())
	now := time.Unix(1_700_000_000, 0).UTC()
	lease := repository.Lease{Owner: "replica-a", Now: now, Until: now.Add(30 * time.Second)}

	mock.ExpectExec(`UPDATE sessions SET current_token = \$2, rotation_owner = \$3, lease_until = \$4 WHERE id = \$1 AND is_active AND \(rotation_owner IS NULL OR rotation_owner = \$3 OR lease_until IS NULL OR lease_until < \$5\)`).
		WithArgs(id, "enc", "replica-a", lease.Until, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.PublishCurrentToken(context.Background(), id, "enc", lease))

	// another replica's live lease
	mock.ExpectExec(`UPDATE sessions SET current_token`).
		WithArgs(id, "enc", "replica-a", lease.Until, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT is_active FROM sessions WHERE id=\$1`).WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"is_active"}).AddRow(true))
	require.ErrorIs(t, r.PublishCurrentToken(context.Background(), id, "enc", lease), errs.ErrLeaseHeld)

	// ended elsewhere
	mock.ExpectExec(`UPDATE sessions SET current_token`).
		WithArgs(id, "enc", "replica-a", lease.Until, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT is_active FROM sessions WHERE id=\$1`).WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"is_active"}).AddRow(false))
	require.ErrorIs(t, r.PublishCurrentToken(context.Background(), id, "enc", lease), errs.ErrNotFound)

	mock.ExpectExec(`UPDATE sessions SET current_token`).
		WithArgs(id, "enc", "replica-a", lease.Until, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT is_active FROM sessions WHERE id=\$1`).WithArgs(id).WillReturnError(pgx.ErrNoRows)
	require.ErrorIs(t, r.PublishCurrentToken(context.Background(), id, "enc", lease), errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
