package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/foxseedlab/livecaption/internal/registry"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "caption-agent:"
	scanCount = 100
)

// redisClient is the subset of go-redis commands the registry issues.
type redisClient interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Close() error
}

type RedisRegistry struct {
	client redisClient
}

func ConnectRedis(ctx context.Context, redisURL string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisRegistry{client: client}, nil
}

func agentKey(sessionID string) string {
	return keyPrefix + sessionID
}

func (r *RedisRegistry) Register(ctx context.Context, agent registry.Agent) error {
	if agent.Status == "" {
		agent.Status = registry.StatusRunning
	}
	if err := r.client.HSet(ctx, agentKey(agent.SessionID), encodeAgent(agent)).Err(); err != nil {
		return fmt.Errorf("error registering agent: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, agentKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("error unregistering agent: %w", err)
	}
	return nil
}

func (r *RedisRegistry) ListActive(ctx context.Context) ([]registry.Agent, error) {
	var (
		agents []registry.Agent
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, keyPrefix+"*", scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("error scanning agents: %w", err)
		}
		for _, key := range keys {
			fields, err := r.client.HGetAll(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("error reading agent %s: %w", key, err)
			}
			agent, ok := decodeAgent(fields)
			if !ok {
				slog.Warn("skipping malformed agent entry", "key", key)
				continue
			}
			if agent.Status == registry.StatusRunning {
				agents = append(agents, agent)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	slices.SortFunc(agents, func(a, b registry.Agent) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return agents, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func encodeAgent(agent registry.Agent) map[string]any {
	return map[string]any{
		"session_id": agent.SessionID,
		"room_id":    agent.RoomID,
		"status":     agent.Status,
		"started_at": agent.StartedAt.UTC().Format(time.RFC3339Nano),
	}
}

// decodeAgent reports false when required fields are missing; a deleted key
// read mid-scan comes back empty.
func decodeAgent(fields map[string]string) (registry.Agent, bool) {
	sessionID := strings.TrimSpace(fields["session_id"])
	if sessionID == "" {
		return registry.Agent{}, false
	}
	startedAt, err := time.Parse(time.RFC3339Nano, fields["started_at"])
	if err != nil {
		return registry.Agent{}, false
	}
	return registry.Agent{
		SessionID: sessionID,
		RoomID:    fields["room_id"],
		Status:    fields["status"],
		StartedAt: startedAt,
	}, true
}
