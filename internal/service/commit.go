// Package service contains the attendance application services: the commit
// protocol, submission throttling, session lifecycle and token publishing.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/presence/internal/errs"
	"github.com/and161185/presence/internal/model"
	"github.com/and161185/presence/internal/repository"
	"github.com/and161185/presence/internal/token"
)

// Outcome is the terminal state of one submission attempt.
type Outcome uint8

const (
	OutcomeMarked Outcome = iota + 1
	OutcomeInvalidProof
	OutcomeSessionNotFound
	OutcomeExpiredProof
	OutcomeSessionInactive
	OutcomeSubjectMismatch
	OutcomeCohortMismatch
	OutcomeNotEligible
	OutcomeAlreadyMarked
	OutcomeStorageError
	OutcomeRateLimited
)

var outcomeNames = map[Outcome]string{
	OutcomeMarked:          "marked",
	OutcomeInvalidProof:    "invalid_proof",
	OutcomeSessionNotFound: "session_not_found",
	OutcomeExpiredProof:    "expired_proof",
	OutcomeSessionInactive: "session_inactive",
	OutcomeSubjectMismatch: "subject_mismatch",
	OutcomeCohortMismatch:  "cohort_mismatch",
	OutcomeNotEligible:     "not_eligible",
	OutcomeAlreadyMarked:   "already_marked",
	OutcomeStorageError:    "storage_error",
	OutcomeRateLimited:     "rate_limited",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// ProofFailure reports whether o means the submitted proof itself was wrong,
// which is what submission throttling counts.
func (o Outcome) ProofFailure() bool {
	switch o {
	case OutcomeInvalidProof, OutcomeSessionNotFound, OutcomeExpiredProof,
		OutcomeSessionInactive, OutcomeSubjectMismatch, OutcomeCohortMismatch:
		return true
	}
	return false
}

// Result describes how a submission ended.
type Result struct {
	Outcome Outcome
	// SessionID is set once a session was located.
	SessionID uuid.UUID
	// Record is set for OutcomeMarked.
	Record *model.AttendanceRecord
	// RetryAfter is set for OutcomeRateLimited.
	RetryAfter time.Duration
}

// Decoder opens encoded proof tokens.
type Decoder interface {
	Decode(s string) (token.ProofToken, error)
}

// CommitProtocol runs one submission to a terminal outcome. It never retries
// and never writes anything but the final attendance insert.
type CommitProtocol struct {
	sessions   repository.SessionRepository
	students   repository.StudentRepository
	attendance repository.AttendanceRepository
	codec      Decoder
	validator  token.Validator
	now        func() time.Time
	log        *zap.Logger
}

// CommitOption customizes a CommitProtocol.
type CommitOption func(*CommitProtocol)

// WithCommitClock overrides the validation clock.
func WithCommitClock(now func() time.Time) CommitOption {
	return func(p *CommitProtocol) { p.now = now }
}

// NewCommitProtocol wires the protocol over a store.
func NewCommitProtocol(store repository.Store, codec Decoder, v token.Validator, log *zap.Logger, opts ...CommitOption) *CommitProtocol {
	if log == nil {
		log = zap.NewNop()
	}
	p := &CommitProtocol{
		sessions:   store.Sessions(),
		students:   store.Students(),
		attendance: store.Attendance(),
		codec:      codec,
		validator:  v,
		now:        time.Now,
		log:        log,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func storageFailure(sid uuid.UUID, op string, err error) (Result, error) {
	return Result{Outcome: OutcomeStorageError, SessionID: sid}, fmt.Errorf("%s: %w", op, err)
}

// SubmitQR handles a scanned QR payload for the given student. The returned
// error is non-nil only together with OutcomeStorageError.
func (p *CommitProtocol) SubmitQR(ctx context.Context, studentID uuid.UUID, payload string) (Result, error) {
	tok, err := p.codec.Decode(payload)
	if err != nil {
		return Result{Outcome: OutcomeInvalidProof}, nil
	}
	if tok.Kind() != token.KindQR {
		return Result{Outcome: OutcomeInvalidProof}, nil
	}
	sid, err := uuid.FromString(tok.Base().SessionID)
	if err != nil {
		return Result{Outcome: OutcomeSessionNotFound}, nil
	}
	s, err := p.sessions.GetSession(ctx, sid)
	if errors.Is(err, errs.ErrNotFound) {
		return Result{Outcome: OutcomeSessionNotFound}, nil
	}
	if err != nil {
		return storageFailure(sid, "load session", err)
	}
	return p.finish(ctx, tok, s, studentID)
}

// SubmitOTP handles a typed code by scanning the active sessions' published tokens.
// If two active sessions publish the same code the earliest started one wins.
func (p *CommitProtocol) SubmitOTP(ctx context.Context, studentID uuid.UUID, code string) (Result, error) {
	if !token.ValidCode(code) {
		return Result{Outcome: OutcomeInvalidProof}, nil
	}
	active, err := p.sessions.ListActive(ctx)
	if err != nil {
		return storageFailure(uuid.Nil, "list active sessions", err)
	}

	var (
		match token.ProofToken
		sid   uuid.UUID
	)
	for i := range active {
		s := &active[i]
		if s.CurrentToken == nil {
			continue
		}
		tok, err := p.codec.Decode(*s.CurrentToken)
		if err != nil {
			p.log.Warn("otp scan: undecodable published token", zap.String("session_id", s.ID.String()), zap.Error(err))
			continue
		}
		otp, ok := tok.(token.OTP)
		if !ok || subtle.ConstantTimeCompare([]byte(otp.Code), []byte(code)) != 1 {
			continue
		}
		match, sid = tok, s.ID
		break
	}
	if match == nil {
		return Result{Outcome: OutcomeSessionNotFound}, nil
	}

	// live state for the cross-check, not the listing snapshot
	s, err := p.sessions.GetSession(ctx, sid)
	if errors.Is(err, errs.ErrNotFound) {
		return Result{Outcome: OutcomeSessionNotFound}, nil
	}
	if err != nil {
		return storageFailure(sid, "load session", err)
	}
	return p.finish(ctx, match, s, studentID)
}

// finish runs freshness, consistency, eligibility and the atomic commit.
func (p *CommitProtocol) finish(ctx context.Context, tok token.ProofToken, s *model.Session, studentID uuid.UUID) (Result, error) {
	now := p.now()
	res := Result{SessionID: s.ID}

	if !p.validator.IsValid(tok, now.UnixMilli()) {
		res.Outcome = OutcomeExpiredProof
		return res, nil
	}

	if err := token.CrossCheck(tok, s); err != nil {
		var me *token.MismatchError
		if !errors.As(err, &me) {
			return storageFailure(s.ID, "cross-check", err)
		}
		res.Outcome = mismatchOutcome(me.Kind)
		return res, nil
	}

	cohort, err := p.students.StudentCohort(ctx, studentID)
	if errors.Is(err, errs.ErrNotFound) {
		res.Outcome = OutcomeNotEligible
		return res, nil
	}
	if err != nil {
		return storageFailure(s.ID, "student cohort", err)
	}
	if cohort != s.Cohort {
		res.Outcome = OutcomeNotEligible
		return res, nil
	}

	rec := model.AttendanceRecord{SessionID: s.ID, StudentID: studentID, MarkedAt: now.UTC()}
	inserted, err := p.attendance.InsertIfAbsent(ctx, rec)
	if err != nil {
		return storageFailure(s.ID, "insert attendance", err)
	}
	if !inserted {
		res.Outcome = OutcomeAlreadyMarked
		return res, nil
	}
	res.Outcome = OutcomeMarked
	res.Record = &rec
	return res, nil
}

func mismatchOutcome(k token.MismatchKind) Outcome {
	switch k {
	case token.MismatchSessionInactive:
		return OutcomeSessionInactive
	case token.MismatchSubject:
		return OutcomeSubjectMismatch
	case token.MismatchCohort:
		return OutcomeCohortMismatch
	default:
		return OutcomeSessionNotFound
	}
}
