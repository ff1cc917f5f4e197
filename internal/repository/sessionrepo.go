// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/presence/internal/model"
)

// Lease is a replica's claim on rotating one session, renewed on every publish.
type Lease struct {
	Owner string
	Now   time.Time
	Until time.Time
}

// SessionRepository owns session lifecycle state and the published current token.
type SessionRepository interface {
	// Create inserts a new, inactive session.
	Create(ctx context.Context, s *model.Session) error
	// GetSession loads a session by ID regardless of state; ErrNotFound when absent.
	GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error)
	// ListActive returns every active session ordered by started_at, then id.
	ListActive(ctx context.Context) ([]model.Session, error)
	// ActiveForStaff returns the active sessions owned by staffID.
	ActiveForStaff(ctx context.Context, staffID uuid.UUID) ([]model.Session, error)
	// Activate moves a session to active in one conditional write. Activating an active
	// session returns it unchanged. ErrConflict when the owner already has another active
	// session, ErrInvalidState when the session has ended.
	Activate(ctx context.Context, id uuid.UUID, startedAt time.Time) (*model.Session, error)
	// End marks an active session ended and clears its current token and lease.
	End(ctx context.Context, id uuid.UUID, endedAt time.Time) error
	// PublishCurrentToken stores the latest encoded token and renews lease in one write.
	// ErrNotFound unless the session is active, ErrLeaseHeld when another owner's lease
	// has not lapsed at lease.Now.
	PublishCurrentToken(ctx context.Context, id uuid.UUID, encoded string, lease Lease) error
}
