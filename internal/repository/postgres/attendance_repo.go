package postgres

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/presence/internal/model"
)

// AttendanceRepo implements AttendanceRepository using PostgreSQL.
type AttendanceRepo struct{ db *DB }

// NewAttendanceRepo constructs an attendance repository.
func NewAttendanceRepo(db *DB) *AttendanceRepo { return &AttendanceRepo{db: db} }

// InsertIfAbsent relies on the (session_id, student_id) primary key; the losing
// statement of a concurrent pair affects zero rows instead of failing.
func (r *AttendanceRepo) InsertIfAbsent(ctx context.Context, rec model.AttendanceRecord) (bool, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()
	const q = `
INSERT INTO attendance (session_id, student_id, marked_at)
VALUES ($1, $2, $3)
ON CONFLICT (session_id, student_id) DO NOTHING`
	tag, err := r.db.Pool.Exec(ctx, q, rec.SessionID, rec.StudentID, rec.MarkedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AttendanceRepo) list(ctx context.Context, q string, arg uuid.UUID) ([]model.AttendanceRecord, error) {
	ctx, cancel := r.db.bound(ctx)
	defer cancel()
	rows, err := r.db.Pool.Query(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AttendanceRecord
	for rows.Next() {
		var a model.AttendanceRecord
		if err := rows.Scan(&a.SessionID, &a.StudentID, &a.MarkedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListBySession returns a session's marks in commit order.
func (r *AttendanceRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.AttendanceRecord, error) {
	return r.list(ctx, `SELECT session_id, student_id, marked_at FROM attendance WHERE session_id=$1 ORDER BY marked_at ASC, student_id ASC`, sessionID)
}

// ListByStudent returns a student's marks, newest first.
func (r *AttendanceRepo) ListByStudent(ctx context.Context, studentID uuid.UUID) ([]model.AttendanceRecord, error) {
	return r.list(ctx, `SELECT session_id, student_id, marked_at FROM attendance WHERE student_id=$1 ORDER BY marked_at DESC`, studentID)
}
