package service

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/presence/internal/errs"
	"github.com/and161185/presence/internal/limiter"
	"github.com/and161185/presence/internal/model"
	"github.com/and161185/presence/internal/repository"
)

// AttendanceService is the submission intake and attendance read side.
type AttendanceService interface {
	// Submit throttles by (student, ip) and runs the commit protocol for mode.
	Submit(ctx context.Context, studentID uuid.UUID, mode model.Mode, payload, ip string) (Result, error)
	// ListBySession returns a session's marks to the owning staff member.
	ListBySession(ctx context.Context, staffID, sessionID uuid.UUID) ([]model.AttendanceRecord, error)
	// ListByStudent returns the caller's own marks.
	ListByStudent(ctx context.Context, studentID uuid.UUID) ([]model.AttendanceRecord, error)
}

type AttendanceServiceImpl struct {
	protocol   *CommitProtocol
	sessions   repository.SessionRepository
	attendance repository.AttendanceRepository
	lim        limiter.Limiter
	log        *zap.Logger
}

// NewAttendanceService constructs AttendanceService; a nil limiter never throttles.
func NewAttendanceService(protocol *CommitProtocol, store repository.Store, lim limiter.Limiter, log *zap.Logger) *AttendanceServiceImpl {
	if lim == nil {
		lim = limiter.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AttendanceServiceImpl{
		protocol:   protocol,
		sessions:   store.Sessions(),
		attendance: store.Attendance(),
		lim:        lim,
		log:        log,
	}
}

// Submit applies rate limiting around one protocol run.
func (s *AttendanceServiceImpl) Submit(ctx context.Context, studentID uuid.UUID, mode model.Mode, payload, ip string) (Result, error) {
	if studentID == uuid.Nil {
		return Result{}, fmt.Errorf("%w: empty student id", errs.ErrValidation)
	}
	if !mode.Valid() {
		return Result{}, fmt.Errorf("%w: unknown mode %q", errs.ErrValidation, mode)
	}
	subject := studentID.String()
	ipHash := limiter.HashIP(ip)

	allowed, retry, err := s.lim.Allow(ctx, subject, ipHash)
	if err != nil {
		return Result{Outcome: OutcomeStorageError}, fmt.Errorf("limiter: %w", err)
	}
	if !allowed {
		return Result{Outcome: OutcomeRateLimited, RetryAfter: retry}, nil
	}

	var res Result
	switch mode {
	case model.ModeQR:
		res, err = s.protocol.SubmitQR(ctx, studentID, payload)
	default:
		res, err = s.protocol.SubmitOTP(ctx, studentID, payload)
	}
	if err != nil {
		s.log.Warn("submit: storage failure", zap.String("student_id", subject), zap.Error(err))
		return res, err
	}

	switch {
	case res.Outcome == OutcomeMarked:
		// best-effort reset
		if serr := s.lim.Success(ctx, subject, ipHash); serr != nil {
			s.log.Warn("submit: limiter reset not recorded", zap.String("student_id", subject), zap.Error(serr))
		}
	case res.Outcome.ProofFailure():
		blocked, retry, ferr := s.lim.Failure(ctx, subject, ipHash)
		if ferr != nil {
			s.log.Warn("submit: limiter failure not recorded", zap.String("student_id", subject), zap.Error(ferr))
		} else if blocked {
			// this attempt still reports its own outcome; the block applies from the next one
			s.log.Info("submit: student blocked", zap.String("student_id", subject),
				zap.Stringer("outcome", res.Outcome), zap.Duration("retry_after", retry))
		}
	}
	return res, nil
}

// ListBySession checks ownership before listing.
func (s *AttendanceServiceImpl) ListBySession(ctx context.Context, staffID, sessionID uuid.UUID) ([]model.AttendanceRecord, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.StaffID != staffID {
		return nil, errs.ErrForbidden
	}
	recs, err := s.attendance.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	return recs, nil
}

// ListByStudent returns the student's history.
func (s *AttendanceServiceImpl) ListByStudent(ctx context.Context, studentID uuid.UUID) ([]model.AttendanceRecord, error) {
	if studentID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty student id", errs.ErrValidation)
	}
	return s.attendance.ListByStudent(ctx, studentID)
}
