// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Mode is the delivery mode of a session's rotating proof.
type Mode string

const (
	// ModeQR shows the encoded token as a scannable image.
	ModeQR Mode = "qr"
	// ModeOTP shows a 6-digit code students type in.
	ModeOTP Mode = "otp"
)

// Valid reports whether m is a known delivery mode.
func (m Mode) Valid() bool { return m == ModeQR || m == ModeOTP }

// Cohort identifies a student population by (year, semester).
type Cohort struct {
	Year     int
	Semester int
}

// Session is a live or finished attendance session owned by a staff member.
type Session struct {
	ID           uuid.UUID
	StaffID      uuid.UUID
	Subject      string
	Cohort       Cohort
	Mode         Mode
	IsActive     bool
	CurrentToken *string // last published encoded token, nil when nothing is published
	StartedAt    *time.Time
	EndedAt      *time.Time
	CreatedAt    time.Time

	// RotationOwner is the replica that last published a token; LeaseUntil is when its claim lapses.
	RotationOwner *string
	LeaseUntil    *time.Time
}

// Ended reports whether the session has completed its lifecycle.
func (s Session) Ended() bool { return s.EndedAt != nil }

// RotatableBy reports whether replica may rotate the session at now: nobody owns it,
// replica already does, or the previous owner's lease has lapsed.
func (s Session) RotatableBy(replica string, now time.Time) bool {
	if !s.IsActive {
		return false
	}
	if s.RotationOwner == nil || *s.RotationOwner == replica {
		return true
	}
	return s.LeaseUntil == nil || s.LeaseUntil.Before(now)
}

// Student is a roster entry; only the cohort matters to the attendance core.
type Student struct {
	ID     uuid.UUID
	RegNo  string
	Name   string
	Cohort Cohort
}

// AttendanceRecord is a single committed presence mark. (SessionID, StudentID) is unique.
type AttendanceRecord struct {
	SessionID uuid.UUID
	StudentID uuid.UUID
	MarkedAt  time.Time
}
