package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"casedesk/api/internal/util"
)

// RedisManager keeps locks in Redis. The resource key holds the lock as JSON
// under the lock TTL; a second key maps lockID back to the resource key so
// heartbeat and release can address the lock by id. Both keys share the TTL,
// so an expired lock simply vanishes. Holder checks run inside Lua to stay
// atomic against competing callers.
type RedisManager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisManager connects to Redis and returns a lock manager with the
// given TTL.
func NewRedisManager(redisURL string, ttl time.Duration) (*RedisManager, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisManagerWithClient(client, ttl), nil
}

// NewRedisManagerWithClient wraps an existing client.
func NewRedisManagerWithClient(client *redis.Client, ttl time.Duration) *RedisManager {
	return &RedisManager{client: client, prefix: "lock:", ttl: ttl}
}

// Close releases the Redis connection.
func (m *RedisManager) Close() error {
	return m.client.Close()
}

func (m *RedisManager) resourceKey(resourceType, resourceID string) string {
	return m.prefix + resourceType + ":" + resourceID
}

func (m *RedisManager) idKey(lockID string) string {
	return m.prefix + "id:" + lockID
}

var acquireScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then return existing end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('SET', KEYS[2], KEYS[1], 'PX', ARGV[2])
return false
`)

var heartbeatScript = redis.NewScript(`
local rk = redis.call('GET', KEYS[1])
if not rk then return false end
local raw = redis.call('GET', rk)
if not raw then return false end
local data = cjson.decode(raw)
if data.lockedBy ~= ARGV[1] then return false end
data.lastHeartbeat = ARGV[2]
data.expiresAt = ARGV[3]
local updated = cjson.encode(data)
redis.call('SET', rk, updated, 'PX', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return updated
`)

var releaseScript = redis.NewScript(`
local rk = redis.call('GET', KEYS[1])
if not rk then return false end
local raw = redis.call('GET', rk)
if not raw then return false end
local data = cjson.decode(raw)
if data.lockedBy ~= ARGV[1] then return false end
redis.call('DEL', rk, KEYS[1])
return 1
`)

func (m *RedisManager) Acquire(ctx context.Context, resourceType, resourceID, userID, userName string) (Lock, error) {
	now := time.Now().UTC().Truncate(time.Second)
	candidate := Lock{
		ID:            util.NewID("lck"),
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		LockedBy:      userID,
		LockedByName:  userName,
		LockedAt:      now,
		ExpiresAt:     now.Add(m.ttl),
		LastHeartbeat: now,
	}
	payload, err := json.Marshal(candidate)
	if err != nil {
		return Lock{}, fmt.Errorf("marshal lock: %w", err)
	}

	keys := []string{m.resourceKey(resourceType, resourceID), m.idKey(candidate.ID)}
	result, err := acquireScript.Run(ctx, m.client, keys, string(payload), m.ttl.Milliseconds()).Result()
	if err == redis.Nil {
		return candidate, nil
	}
	if err != nil {
		return Lock{}, fmt.Errorf("acquire lock: %w", err)
	}

	raw, ok := result.(string)
	if !ok {
		return candidate, nil
	}
	var existing Lock
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return Lock{}, fmt.Errorf("unmarshal existing lock: %w", err)
	}
	if existing.LockedBy == userID {
		// Re-acquire by the current holder returns the lock as-is; only a
		// heartbeat extends it.
		return existing, nil
	}
	return Lock{}, &ConflictError{Holder: existing}
}

func (m *RedisManager) Heartbeat(ctx context.Context, lockID, userID string) (Lock, error) {
	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(m.ttl)
	result, err := heartbeatScript.Run(ctx, m.client, []string{m.idKey(lockID)},
		userID,
		now.Format(time.RFC3339),
		expires.Format(time.RFC3339),
		m.ttl.Milliseconds(),
	).Result()
	if err == redis.Nil {
		return Lock{}, ErrNotHeld
	}
	if err != nil {
		return Lock{}, fmt.Errorf("heartbeat lock: %w", err)
	}
	raw, ok := result.(string)
	if !ok {
		return Lock{}, ErrNotHeld
	}
	var updated Lock
	if err := json.Unmarshal([]byte(raw), &updated); err != nil {
		return Lock{}, fmt.Errorf("unmarshal lock: %w", err)
	}
	return updated, nil
}

func (m *RedisManager) Release(ctx context.Context, lockID, userID string) error {
	result, err := releaseScript.Run(ctx, m.client, []string{m.idKey(lockID)}, userID).Result()
	if err == redis.Nil {
		return ErrNotHeld
	}
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n, ok := result.(int64); !ok || n != 1 {
		return ErrNotHeld
	}
	return nil
}

func (m *RedisManager) Get(ctx context.Context, resourceType, resourceID string) (*Lock, error) {
	raw, err := m.client.Get(ctx, m.resourceKey(resourceType, resourceID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	var current Lock
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		return nil, fmt.Errorf("unmarshal lock: %w", err)
	}
	return &current, nil
}
