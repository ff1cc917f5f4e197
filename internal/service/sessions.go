package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/presence/internal/display"
	"github.com/and161185/presence/internal/errs"
	"github.com/and161185/presence/internal/model"
	"github.com/and161185/presence/internal/repository"
	"github.com/and161185/presence/internal/rotation"
)

// NewSession is the staff input for creating a session.
type NewSession struct {
	Subject  string     `validate:"required,max=128"`
	Year     int        `validate:"min=1,max=4"`
	Semester int        `validate:"min=1,max=8"`
	Mode     model.Mode `validate:"oneof=qr otp"`
}

// Rotator starts and stops per-session token rotation.
type Rotator interface {
	Start(t rotation.Target) error
	Stop(sessionID string)
	Running(sessionID string) bool
}

// SessionService drives the created -> active -> ended lifecycle.
type SessionService interface {
	// Create stores a new inactive session owned by staffID.
	Create(ctx context.Context, staffID uuid.UUID, in NewSession) (*model.Session, error)
	// Start activates the session and ensures its rotation is running.
	Start(ctx context.Context, staffID, sessionID uuid.UUID) (*model.Session, error)
	// End stops rotation, ends the session and disconnects its displays.
	End(ctx context.Context, staffID, sessionID uuid.UUID) error
	// ResumeActive starts rotation for active sessions no live replica rotates: those
	// left by a previous process and those whose owner's lease has lapsed.
	ResumeActive(ctx context.Context) (int, error)
}

type SessionServiceImpl struct {
	sessions repository.SessionRepository
	rotator  Rotator
	sink     display.Sink
	replica  string
	validate *validator.Validate
	now      func() time.Time
	log      *zap.Logger
}

// NewSessionService constructs SessionService for the given replica id.
func NewSessionService(store repository.Store, rotator Rotator, sink display.Sink, replica string, log *zap.Logger) *SessionServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionServiceImpl{
		sessions: store.Sessions(),
		rotator:  rotator,
		sink:     sink,
		replica:  replica,
		validate: validator.New(),
		now:      time.Now,
		log:      log,
	}
}

// Create validates input and stores the session.
func (s *SessionServiceImpl) Create(ctx context.Context, staffID uuid.UUID, in NewSession) (*model.Session, error) {
	if staffID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty staff id", errs.ErrValidation)
	}
	in.Subject = strings.TrimSpace(in.Subject)
	in.Mode = model.Mode(strings.ToLower(string(in.Mode)))
	if err := s.validate.Struct(in); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return nil, fmt.Errorf("%w: %s failed %s", errs.ErrValidation, strings.ToLower(ve[0].Field()), ve[0].Tag())
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	m := &model.Session{
		ID:        id,
		StaffID:   staffID,
		Subject:   in.Subject,
		Cohort:    model.Cohort{Year: in.Year, Semester: in.Semester},
		Mode:      in.Mode,
		CreatedAt: s.now().UTC(),
	}
	if err := s.sessions.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return m, nil
}

func (s *SessionServiceImpl) owned(ctx context.Context, staffID, sessionID uuid.UUID) (*model.Session, error) {
	m, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if m.StaffID != staffID {
		return nil, errs.ErrForbidden
	}
	return m, nil
}

// Start activates in one store write, then starts the scheduler. When the scheduler
// cannot start the session stays active without rotation; Start is idempotent, so the
// caller retries it. A replica that does not hold the lease relinquishes on its first publish.
func (s *SessionServiceImpl) Start(ctx context.Context, staffID, sessionID uuid.UUID) (*model.Session, error) {
	if _, err := s.owned(ctx, staffID, sessionID); err != nil {
		return nil, err
	}
	m, err := s.sessions.Activate(ctx, sessionID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.rotator.Start(rotation.TargetFor(m)); err != nil {
		return nil, fmt.Errorf("start rotation (session left active, retry start): %w", err)
	}
	s.log.Info("session started", zap.String("session_id", m.ID.String()), zap.String("mode", string(m.Mode)))
	return m, nil
}

// End quiesces rotation before the store write so no token is published after it.
// If the write fails the session is still active, so rotation is started again.
func (s *SessionServiceImpl) End(ctx context.Context, staffID, sessionID uuid.UUID) error {
	m, err := s.owned(ctx, staffID, sessionID)
	if err != nil {
		return err
	}
	s.rotator.Stop(sessionID.String())
	if err := s.sessions.End(ctx, sessionID, s.now().UTC()); err != nil {
		if m.IsActive && !errors.Is(err, errs.ErrInvalidState) && !errors.Is(err, errs.ErrNotFound) {
			if rerr := s.rotator.Start(rotation.TargetFor(m)); rerr != nil {
				s.log.Error("end failed and rotation not restarted", zap.String("session_id", sessionID.String()), zap.Error(rerr))
			}
		}
		return err
	}
	s.sink.CloseSession(sessionID.String())
	s.log.Info("session ended", zap.String("session_id", sessionID.String()))
	return nil
}

// ResumeActive returns how many schedulers it started.
func (s *SessionServiceImpl) ResumeActive(ctx context.Context) (int, error) {
	active, err := s.sessions.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("resume: %w", err)
	}
	now := s.now()
	n := 0
	for i := range active {
		if !active[i].RotatableBy(s.replica, now) || s.rotator.Running(active[i].ID.String()) {
			continue
		}
		if err := s.rotator.Start(rotation.TargetFor(&active[i])); err != nil {
			s.log.Warn("resume: rotation not started", zap.String("session_id", active[i].ID.String()), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}
