package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ChatAssistant/internal/domain"
)

// Redis keeps each session as a list of JSON turns. The key TTL is refreshed on
// every append, so idle sessions expire on the server side.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{
		rdb: rdb,
		ttl: ttl,
	}
}

func (r *Redis) Append(ctx context.Context, sessionID string, turns ...domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]any, 0, len(turns))
	for _, turn := range turns {
		raw, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("failed to marshal turn: %w", err)
		}
		values = append(values, raw)
	}

	key := getSessionKey(sessionID)
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append turns to %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	key := getSessionKey(sessionID)
	raw, err := r.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get turns %s: %w", key, err)
	}
	turns := make([]domain.Turn, 0, len(raw))
	for _, item := range raw {
		var turn domain.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal turn of %s: %w", key, err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (r *Redis) Clear(ctx context.Context, sessionID string) error {
	key := getSessionKey(sessionID)
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to clear %s: %w", key, err)
	}
	return nil
}

func getSessionKey(sessionID string) string {
	return fmt.Sprintf("conversation:%s", sessionID)
}
