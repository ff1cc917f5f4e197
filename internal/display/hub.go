// Package display pushes each session's current proof to instructor screens over
// websockets, optionally fanned out across replicas through Redis.
package display

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/presence/internal/model"
)

// Frame is one rendered rotation: Payload is the encoded token for QR sessions and
// the bare code for OTP sessions.
type Frame struct {
	SessionID   string     `json:"sessionId"`
	Mode        model.Mode `json:"mode"`
	Payload     string     `json:"payload"`
	IssuedAtMs  int64      `json:"issuedAtMs"`
	RotatesInMs int64      `json:"rotatesInMs"`
	Seq         uint64     `json:"seq"`
}

// Sink accepts frames for distribution.
type Sink interface {
	Send(ctx context.Context, f Frame) error
	CloseSession(sessionID string)
}

// Subscription receives the frames of one session. C is closed when the session
// ends or Close is called.
type Subscription struct {
	C <-chan Frame

	ch        chan Frame
	hub       *Hub
	sessionID string
	closed    bool
}

// Close detaches the subscription.
func (s *Subscription) Close() { s.hub.unsubscribe(s) }

// Hub keeps the last frame per session and the live subscribers.
type Hub struct {
	log *zap.Logger
	buf int

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
	last map[string]Frame
}

var _ Sink = (*Hub)(nil)

// NewHub returns an empty Hub. buf is the per-subscriber queue depth.
func NewHub(log *zap.Logger, buf int) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if buf <= 0 {
		buf = 4
	}
	return &Hub{
		log:  log,
		buf:  buf,
		subs: make(map[string]map[*Subscription]struct{}),
		last: make(map[string]Frame),
	}
}

// Send records f as the session's last frame and offers it to every subscriber.
// A subscriber whose queue is full loses its oldest queued frame.
func (h *Hub) Send(_ context.Context, f Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[f.SessionID] = f
	for s := range h.subs[f.SessionID] {
		offer(s.ch, f)
	}
	return nil
}

func offer(ch chan Frame, f Frame) {
	select {
	case ch <- f:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- f:
	default:
	}
}

// Subscribe attaches to sessionID. The last frame, if any, is queued first.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	ch := make(chan Frame, h.buf)
	s := &Subscription{C: ch, ch: ch, hub: h, sessionID: sessionID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*Subscription]struct{})
	}
	h.subs[sessionID][s] = struct{}{}
	if f, ok := h.last[sessionID]; ok {
		ch <- f
	}
	h.log.Debug("display subscribed", zap.String("session_id", sessionID), zap.Int("subscribers", len(h.subs[sessionID])))
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	if set := h.subs[s.sessionID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.sessionID)
		}
	}
}

// Last returns the last frame sent for sessionID.
func (h *Hub) Last(sessionID string) (Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.last[sessionID]
	return f, ok
}

// CloseSession drops the last frame and closes every subscriber of sessionID.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.last, sessionID)
	for s := range h.subs[sessionID] {
		s.closed = true
		close(s.ch)
	}
	delete(h.subs, sessionID)
}

// Subscribers reports the live subscriber count for sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}
