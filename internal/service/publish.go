package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/presence/internal/display"
	"github.com/and161185/presence/internal/errs"
	"github.com/and161185/presence/internal/repository"
	"github.com/and161185/presence/internal/rotation"
	"github.com/and161185/presence/internal/token"
)

// TokenPublisher is the rotation publish step: it stores the encoded token as the
// session's current token, renewing this replica's rotation lease, and then pushes
// a frame to the displays.
type TokenPublisher struct {
	sessions repository.SessionRepository
	sink     display.Sink
	replica  string
	leaseTTL time.Duration
	now      func() time.Time
}

var _ rotation.Publisher = (*TokenPublisher)(nil)

// NewTokenPublisher constructs a TokenPublisher publishing as replica.
func NewTokenPublisher(sessions repository.SessionRepository, sink display.Sink, replica string, leaseTTL time.Duration) *TokenPublisher {
	return &TokenPublisher{sessions: sessions, sink: sink, replica: replica, leaseTTL: leaseTTL, now: time.Now}
}

// Publish persists before displaying: a token the validator cannot see is never shown.
func (p *TokenPublisher) Publish(ctx context.Context, r rotation.Rotation) error {
	id, err := uuid.FromString(r.SessionID)
	if err != nil {
		return fmt.Errorf("publish: bad session id: %w", err)
	}
	now := p.now().UTC()
	lease := repository.Lease{Owner: p.replica, Now: now, Until: now.Add(p.leaseTTL)}
	if err := p.sessions.PublishCurrentToken(ctx, id, r.Encoded, lease); err != nil {
		if errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrLeaseHeld) {
			return fmt.Errorf("publish: %w: %w", rotation.ErrRelinquished, err)
		}
		return fmt.Errorf("publish: store: %w", err)
	}

	payload := r.Encoded
	if otp, ok := r.Token.(token.OTP); ok {
		payload = otp.Code
	}
	rotatesIn := r.NextAt.Sub(now).Milliseconds()
	if rotatesIn < 0 {
		rotatesIn = 0
	}
	f := display.Frame{
		SessionID:   r.SessionID,
		Mode:        r.Mode,
		Payload:     payload,
		IssuedAtMs:  r.Token.Base().IssuedAtMs,
		RotatesInMs: rotatesIn,
		Seq:         r.Seq,
	}
	if err := p.sink.Send(ctx, f); err != nil {
		return fmt.Errorf("publish: display: %w", err)
	}
	return nil
}
