package rotation

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Registry owns at most one running Scheduler per session.
type Registry struct {
	base context.Context
	cfg  Config

	mu     sync.Mutex
	byID   map[string]*Scheduler
	closed bool
}

// NewRegistry returns a Registry whose schedulers live no longer than base.
func NewRegistry(base context.Context, cfg Config) *Registry {
	return &Registry{base: base, cfg: cfg.withDefaults(), byID: make(map[string]*Scheduler)}
}

// Start begins rotation for target. Starting an already running session is a no-op.
func (r *Registry) Start(target Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return context.Canceled
	}
	if s, ok := r.byID[target.SessionID]; ok && s.Active() {
		return nil
	}
	s, err := NewScheduler(target, r.cfg)
	if err != nil {
		return err
	}
	r.byID[target.SessionID] = s
	s.Start(r.base)
	go r.reap(target.SessionID, s)
	r.cfg.Logger.Info("rotation started", zap.String("session_id", target.SessionID))
	return nil
}

// reap forgets s once its loop exits, unless a newer scheduler replaced it.
func (r *Registry) reap(sessionID string, s *Scheduler) {
	<-s.Done()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID[sessionID] == s {
		delete(r.byID, sessionID)
	}
}

// Stop halts rotation for sessionID and waits until its loop has exited.
func (r *Registry) Stop(sessionID string) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	delete(r.byID, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.Stop()
	r.cfg.Logger.Info("rotation stopped", zap.String("session_id", sessionID))
}

// StopAll halts every scheduler and refuses further starts.
func (r *Registry) StopAll() {
	r.mu.Lock()
	all := r.byID
	r.byID = make(map[string]*Scheduler)
	r.closed = true
	r.mu.Unlock()
	for _, s := range all {
		s.Stop()
	}
}

// Running reports whether sessionID has an active scheduler.
func (r *Registry) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	return ok && s.Active()
}
