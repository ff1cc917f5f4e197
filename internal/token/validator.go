package token

import (
	"fmt"
	"time"

	"github.com/and161185/presence/internal/model"
)

// Windows holds the freshness window per token kind.
type Windows struct {
	QR  time.Duration
	OTP time.Duration
}

// DefaultWindows are the deployed windows: short for camera-visible QR codes,
// longer for codes a human has to type.
var DefaultWindows = Windows{QR: 5 * time.Second, OTP: 15 * time.Second}

// Validator checks token freshness against explicit per-kind windows.
// Clock skew between issuer and validator is not compensated.
type Validator struct {
	windows Windows
}

// NewValidator returns a Validator for the given windows.
func NewValidator(w Windows) Validator {
	return Validator{windows: w}
}

// Window returns the freshness window for kind; unknown kinds get zero.
func (v Validator) Window(kind Kind) time.Duration {
	switch kind {
	case KindQR:
		return v.windows.QR
	case KindOTP:
		return v.windows.OTP
	default:
		return 0
	}
}

// IsValid reports whether |nowMs - issuedAtMs| is within the window of the token's kind.
func (v Validator) IsValid(t ProofToken, nowMs int64) bool {
	if t == nil {
		return false
	}
	window := v.Window(t.Kind()).Milliseconds()
	if window <= 0 {
		return false
	}
	d := nowMs - t.Base().IssuedAtMs
	if d < 0 {
		d = -d
	}
	return d <= window
}

// MismatchKind classifies a failed consistency check.
type MismatchKind uint8

const (
	MismatchSessionNotFound MismatchKind = iota + 1
	MismatchSessionInactive
	MismatchSubject
	MismatchCohort
)

func (k MismatchKind) String() string {
	switch k {
	case MismatchSessionNotFound:
		return "session not found"
	case MismatchSessionInactive:
		return "session inactive"
	case MismatchSubject:
		return "subject mismatch"
	case MismatchCohort:
		return "cohort mismatch"
	default:
		return fmt.Sprintf("mismatch(%d)", uint8(k))
	}
}

// MismatchError reports which consistency check failed.
type MismatchError struct {
	Kind MismatchKind
}

func (e *MismatchError) Error() string { return "token cross-check: " + e.Kind.String() }

// CrossCheck confirms the token was minted for s and that s is still active.
// It is independent of freshness. A nil session reports MismatchSessionNotFound.
func CrossCheck(t ProofToken, s *model.Session) error {
	if s == nil || t == nil {
		return &MismatchError{Kind: MismatchSessionNotFound}
	}
	c := t.Base()
	switch {
	case c.SessionID != s.ID.String():
		return &MismatchError{Kind: MismatchSessionNotFound}
	case !s.IsActive:
		return &MismatchError{Kind: MismatchSessionInactive}
	case c.Subject != s.Subject:
		return &MismatchError{Kind: MismatchSubject}
	case c.CohortYear != s.Cohort.Year || c.CohortSemester != s.Cohort.Semester:
		return &MismatchError{Kind: MismatchCohort}
	}
	return nil
}
