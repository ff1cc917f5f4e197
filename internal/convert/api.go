// Package convert maps domain values to and from presence.v1 API messages.
package convert

import (
	"fmt"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"

	pb "github.com/and161185/presence/internal/api/presencev1"
	"github.com/and161185/presence/internal/model"
	"github.com/and161185/presence/internal/service"
)

// --- helpers ---

func ms(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// ParseID parses a UUID field; the field name is reported on failure.
func ParseID(field, s string) (u.UUID, error) {
	id, err := u.FromString(strings.TrimSpace(s))
	if err != nil || id == u.Nil {
		return u.Nil, fmt.Errorf("invalid %s", field)
	}
	return id, nil
}

// ParseMode accepts "qr" or "otp" in any case.
func ParseMode(s string) (model.Mode, error) {
	m := model.Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("invalid mode %q", s)
	}
	return m, nil
}

// --- sessions ---

// ToAPISession converts a domain session; a nil session gives nil.
func ToAPISession(s *model.Session) *pb.Session {
	if s == nil {
		return nil
	}
	return &pb.Session{
		ID:          s.ID.String(),
		StaffID:     s.StaffID.String(),
		Subject:     s.Subject,
		Year:        s.Cohort.Year,
		Semester:    s.Cohort.Semester,
		Mode:        string(s.Mode),
		IsActive:    s.IsActive,
		StartedAtMs: ms(s.StartedAt),
		EndedAtMs:   ms(s.EndedAt),
		CreatedAtMs: ms(&s.CreatedAt),
	}
}

// FromCreateSession converts the create request; validation happens in the service.
func FromCreateSession(in *pb.CreateSessionRequest) service.NewSession {
	if in == nil {
		return service.NewSession{}
	}
	return service.NewSession{
		Subject:  in.Subject,
		Year:     in.Year,
		Semester: in.Semester,
		Mode:     model.Mode(in.Mode),
	}
}

// --- attendance ---

// ToAPIRecords converts marks, preserving order. Never returns nil.
func ToAPIRecords(recs []model.AttendanceRecord) []pb.AttendanceRecord {
	out := make([]pb.AttendanceRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, pb.AttendanceRecord{
			SessionID:  r.SessionID.String(),
			StudentID:  r.StudentID.String(),
			MarkedAtMs: r.MarkedAt.UnixMilli(),
		})
	}
	return out
}

var outcomeMessages = map[service.Outcome]string{
	service.OutcomeMarked:          "Attendance marked.",
	service.OutcomeInvalidProof:    "The code could not be read. Scan or type it again.",
	service.OutcomeSessionNotFound: "No active session matches this code.",
	service.OutcomeExpiredProof:    "This code has expired. Use the one currently shown.",
	service.OutcomeSessionInactive: "The session is not active.",
	service.OutcomeSubjectMismatch: "This code belongs to a different subject.",
	service.OutcomeCohortMismatch:  "This code belongs to a different class.",
	service.OutcomeNotEligible:     "You are not enrolled in this session's class.",
	service.OutcomeAlreadyMarked:   "Attendance was already marked for this session.",
	service.OutcomeStorageError:    "The service is temporarily unavailable. Try again.",
	service.OutcomeRateLimited:     "Too many failed attempts. Wait before trying again.",
}

// OutcomeMessage returns the text shown to a student for o.
func OutcomeMessage(o service.Outcome) string {
	if m, ok := outcomeMessages[o]; ok {
		return m
	}
	return "Unknown result."
}

// ToSubmitResponse converts a protocol result.
func ToSubmitResponse(r service.Result) *pb.SubmitResponse {
	out := &pb.SubmitResponse{
		Outcome: r.Outcome.String(),
		Message: OutcomeMessage(r.Outcome),
	}
	if r.SessionID != u.Nil {
		out.SessionID = r.SessionID.String()
	}
	if r.Record != nil {
		out.MarkedAtMs = r.Record.MarkedAt.UnixMilli()
	}
	return out
}
