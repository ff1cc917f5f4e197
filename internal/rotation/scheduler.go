// Package rotation drives per-session token rotation: every period a fresh token is
// minted, encoded and handed to a Publisher until the session is stopped.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/presence/internal/model"
	"github.com/and161185/presence/internal/token"
)

// DefaultPeriod is the rotation interval used when none is configured.
const DefaultPeriod = 8 * time.Second

// Target is the session a scheduler mints tokens for.
type Target struct {
	SessionID string
	Subject   string
	Cohort    model.Cohort
	Mode      model.Mode
}

// TargetFor builds a Target from a session record.
func TargetFor(s *model.Session) Target {
	return Target{SessionID: s.ID.String(), Subject: s.Subject, Cohort: s.Cohort, Mode: s.Mode}
}

// Rotation is one freshly minted token ready to be published.
type Rotation struct {
	SessionID string
	Mode      model.Mode
	Token     token.ProofToken
	Encoded   string
	Seq       uint64
	NextAt    time.Time
}

// ErrRelinquished, wrapped in a Publish error, tells the scheduler this replica must
// stop rotating the session: it has ended, or another replica holds its lease.
var ErrRelinquished = errors.New("rotation: session relinquished")

// Publisher makes the current token of a session visible: persisted for the
// validation path and pushed to the display surface.
type Publisher interface {
	Publish(ctx context.Context, r Rotation) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, r Rotation) error

func (f PublisherFunc) Publish(ctx context.Context, r Rotation) error { return f(ctx, r) }

// Encoder turns a token into its opaque string form.
type Encoder interface {
	Encode(t token.ProofToken) (string, error)
}

// Scheduler rotates the token of one session. Start it once; Stop is idempotent.
// The loop also exits on its own when a publish reports ErrRelinquished.
type Scheduler struct {
	target     Target
	period     time.Duration
	gen        *token.Generator
	enc        Encoder
	pub        Publisher
	log        *zap.Logger
	pubTimeout time.Duration
	now        func() time.Time

	active atomic.Bool
	seq    atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Config carries the shared collaborators of a scheduler.
type Config struct {
	Period         time.Duration
	Generator      *token.Generator
	Encoder        Encoder
	Publisher      Publisher
	Logger         *zap.Logger
	PublishTimeout time.Duration
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.Generator == nil {
		c.Generator = token.NewGenerator()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = c.Period
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// NewScheduler validates cfg and returns an unstarted Scheduler.
func NewScheduler(target Target, cfg Config) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if cfg.Encoder == nil || cfg.Publisher == nil {
		return nil, fmt.Errorf("rotation: encoder and publisher are required")
	}
	if !target.Mode.Valid() {
		return nil, fmt.Errorf("rotation: unknown mode %q", target.Mode)
	}
	return &Scheduler{
		target:     target,
		period:     cfg.Period,
		gen:        cfg.Generator,
		enc:        cfg.Encoder,
		pub:        cfg.Publisher,
		log:        cfg.Logger.With(zap.String("session_id", target.SessionID), zap.String("mode", string(target.Mode))),
		pubTimeout: cfg.PublishTimeout,
		now:        cfg.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Start publishes the first token immediately and then one per period until Stop
// is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.active.Store(true)
		go s.loop(ctx)
	})
}

// Run is the blocking form of Start: it returns once the loop exits.
func (s *Scheduler) Run(ctx context.Context) {
	ran := false
	s.startOnce.Do(func() {
		ran = true
		s.active.Store(true)
	})
	if !ran {
		<-s.done
		return
	}
	s.loop(ctx)
}

// Stop halts rotation and waits for the loop to exit. No publish starts after Stop returns.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.active.Store(false)
		close(s.stop)
	})
	// never started: nothing will close done
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
}

// Done is closed once the loop has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Active reports whether the scheduler still publishes.
func (s *Scheduler) Active() bool { return s.active.Load() }

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer s.active.Store(false)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	if !s.rotate(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.rotate(ctx) {
				return
			}
		}
	}
}

func (s *Scheduler) kind() token.Kind {
	if s.target.Mode == model.ModeOTP {
		return token.KindOTP
	}
	return token.KindQR
}

// rotate reports whether the loop should keep going.
func (s *Scheduler) rotate(ctx context.Context) bool {
	t := s.target
	tok, err := s.gen.Generate(s.kind(), t.SessionID, t.Subject, t.Cohort.Year, t.Cohort.Semester)
	if err != nil {
		s.log.Warn("rotation: generate failed", zap.Error(err))
		return true
	}
	encoded, err := s.enc.Encode(tok)
	if err != nil {
		s.log.Warn("rotation: encode failed", zap.Error(err))
		return true
	}
	r := Rotation{
		SessionID: t.SessionID,
		Mode:      t.Mode,
		Token:     tok,
		Encoded:   encoded,
		NextAt:    s.now().Add(s.period),
	}
	pctx, cancel := context.WithTimeout(ctx, s.pubTimeout)
	defer cancel()

	// Best effort: a Stop landing after this check still lets one publish through,
	// but Stop waits for it, so nothing is published once Stop has returned.
	if !s.active.Load() {
		return false
	}
	r.Seq = s.seq.Add(1)
	err = s.pub.Publish(pctx, r)
	switch {
	case errors.Is(err, ErrRelinquished):
		s.log.Info("rotation: relinquished", zap.Uint64("seq", r.Seq), zap.Error(err))
		return false
	case err != nil:
		s.log.Warn("rotation: publish failed", zap.Uint64("seq", r.Seq), zap.Error(err))
		return true
	}
	s.log.Debug("rotation: published", zap.Uint64("seq", r.Seq))
	return true
}
