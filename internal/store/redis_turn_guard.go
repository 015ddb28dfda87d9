package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dialogue-server/internal/models"
)

// TurnGuard is a best-effort double-submit guard: at most one in-flight turn
// per (player, game). It is advisory only, the store's optimistic concurrency
// remains the source of truth, so Redis failures are treated as acquired
// rather than blocking gameplay.
type TurnGuard interface {
	Acquire(ctx context.Context, playerID, gameID string) (release func(), err error)
}

type redisTurnGuard struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisTurnGuard creates a TurnGuard with the given lock TTL. The TTL
// bounds how long a crashed turn can block its key.
func NewRedisTurnGuard(client *redis.Client, ttl time.Duration, logger *zap.Logger) TurnGuard {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &redisTurnGuard{
		client: client,
		ttl:    ttl,
		logger: logger.Named("RedisTurnGuard"),
	}
}

func (g *redisTurnGuard) Acquire(ctx context.Context, playerID, gameID string) (func(), error) {
	key := fmt.Sprintf("turn_lock:%s:%s", playerID, gameID)
	ok, err := g.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		g.logger.Warn("Turn guard unavailable, proceeding without it", zap.String("key", key), zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		return nil, models.ErrTurnInProgress
	}
	release := func() {
		// Release uses a fresh context: the turn's context may already be
		// cancelled by the time we get here.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.client.Del(rctx, key).Err(); err != nil {
			g.logger.Warn("Failed to release turn lock, relying on TTL", zap.String("key", key), zap.Error(err))
		}
	}
	return release, nil
}

// NoopTurnGuard always acquires. Used when Redis is not configured.
type NoopTurnGuard struct{}

func (NoopTurnGuard) Acquire(ctx context.Context, playerID, gameID string) (func(), error) {
	return func() {}, nil
}
