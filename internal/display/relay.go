package display

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the Redis pub/sub channel used for frame fan-out.
const DefaultChannel = "presence:display"

type envelope struct {
	Origin string `json:"origin"`
	Close  bool   `json:"close,omitempty"`
	Frame  Frame  `json:"frame"`
}

// RedisRelay delivers frames to the local hub and republishes them so that every
// replica serving displays sees every rotation.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	local   *Hub
	origin  string
	log     *zap.Logger
}

var _ Sink = (*RedisRelay)(nil)

// NewRedisRelay wraps local with a Redis fan-out.
func NewRedisRelay(rdb *redis.Client, channel string, local *Hub, log *zap.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisRelay{rdb: rdb, channel: channel, local: local, origin: uuid.Must(uuid.NewV4()).String(), log: log}
}

// Send delivers locally, then publishes.
func (r *RedisRelay) Send(ctx context.Context, f Frame) error {
	_ = r.local.Send(ctx, f)
	return r.publish(ctx, envelope{Origin: r.origin, Frame: f})
}

// CloseSession closes local subscribers and asks peers to do the same.
func (r *RedisRelay) CloseSession(sessionID string) {
	r.local.CloseSession(sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.publish(ctx, envelope{Origin: r.origin, Close: true, Frame: Frame{SessionID: sessionID}}); err != nil {
		r.log.Warn("display relay: publish close failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (r *RedisRelay) publish(ctx context.Context, e envelope) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("display relay: publish: %w", err)
	}
	return nil
}

// Run forwards peer frames to the local hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("display relay: subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(ctx context.Context, payload string) {
	var e envelope
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		r.log.Warn("display relay: bad message", zap.Error(err))
		return
	}
	if e.Origin == r.origin || e.Frame.SessionID == "" {
		return
	}
	if e.Close {
		r.local.CloseSession(e.Frame.SessionID)
		return
	}
	_ = r.local.Send(ctx, e.Frame)
}
