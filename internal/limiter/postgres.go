package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG keeps submission counters in the submit_limiter table. All time arithmetic uses
// the database clock, so replicas with drifting clocks share one window.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over a pool or a transaction.
func NewPG(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor}
}

const pgAllowSQL = `
SELECT (EXTRACT(EPOCH FROM GREATEST(blocked_until - now(), interval '0')) * 1000)::bigint
FROM submit_limiter WHERE subject=$1 AND ip_hash=$2`

// Allow reports whether the student may submit and, when blocked, for how long.
func (l *PG) Allow(ctx context.Context, subject string, ipHash []byte) (bool, time.Duration, error) {
	var remainingMs int64
	err := l.pool.QueryRow(ctx, pgAllowSQL, subject, ipHash).Scan(&remainingMs)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	case err != nil:
		return false, 0, err
	case remainingMs > 0:
		return false, time.Duration(remainingMs) * time.Millisecond, nil
	default:
		return true, 0, nil
	}
}

const pgSuccessSQL = `
UPDATE submit_limiter SET fail_count=0, blocked_until='epoch', updated_at=now()
WHERE subject=$1 AND ip_hash=$2 AND (fail_count > 0 OR blocked_until > 'epoch')`

// Success clears the counter after an accepted submission. Clean rows are left untouched.
func (l *PG) Success(ctx context.Context, subject string, ipHash []byte) error {
	_, err := l.pool.Exec(ctx, pgSuccessSQL, subject, ipHash)
	return err
}

// pgFailureSQL counts the failure and, when it reaches the threshold, sets the block
// in the same statement. A counter idle for longer than the window starts over.
const pgFailureSQL = `
INSERT INTO submit_limiter AS l (subject, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, CASE WHEN 1 >= $4 THEN now() + $5::interval ELSE 'epoch' END, now())
ON CONFLICT (subject, ip_hash) DO UPDATE
SET
  fail_count = CASE WHEN now() - l.updated_at > $3::interval THEN 1 ELSE l.fail_count + 1 END,
  blocked_until = CASE
    WHEN (CASE WHEN now() - l.updated_at > $3::interval THEN 1 ELSE l.fail_count + 1 END) >= $4
    THEN now() + $5::interval
    ELSE l.blocked_until END,
  updated_at = now()
RETURNING fail_count, blocked_until > now()`

// Failure records a rejected proof and reports whether the student is now blocked.
func (l *PG) Failure(ctx context.Context, subject string, ipHash []byte) (bool, time.Duration, error) {
	var fails int
	var blocked bool
	if err := l.pool.QueryRow(ctx, pgFailureSQL, subject, ipHash, l.window, l.maxFails, l.blockFor).Scan(&fails, &blocked); err != nil {
		return false, 0, err
	}
	if blocked {
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
