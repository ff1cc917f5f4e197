package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/presence/internal/model"
)

// AttendanceRepository stores committed presence marks.
type AttendanceRepository interface {
	// InsertIfAbsent atomically inserts rec unless (SessionID, StudentID) already exists.
	// It reports false, with a nil error, for an existing pair.
	InsertIfAbsent(ctx context.Context, rec model.AttendanceRecord) (bool, error)
	// ListBySession returns a session's marks ordered by marked_at.
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.AttendanceRecord, error)
	// ListByStudent returns a student's marks, newest first.
	ListByStudent(ctx context.Context, studentID uuid.UUID) ([]model.AttendanceRecord, error)
}

// Store groups the repositories a backend provides.
type Store interface {
	Sessions() SessionRepository
	Students() StudentRepository
	Attendance() AttendanceRepository
	Close() error
}
