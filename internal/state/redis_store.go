package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures Redis access for sync state.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	KeyPrefix     string
	InitialCursor int64
	LockTTL       time.Duration
}

// saveCursorScript only ever moves the cursor forward.
var saveCursorScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// releaseLockScript deletes the lock only if this store still owns it.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// refreshLockScript extends the lock TTL only if this store still owns it.
var refreshLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisStore keeps the cursor and the run lock in Redis.
type RedisStore struct {
	client        *redis.Client
	prefix        string
	initialCursor int64
	lockTTL       time.Duration
	token         string
}

// NewRedisStore constructs a Redis-backed state store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "offensesync"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultGuardTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis state: %w", err)
	}

	return &RedisStore{
		client:        client,
		prefix:        strings.TrimSpace(cfg.KeyPrefix),
		initialCursor: cfg.InitialCursor,
		lockTTL:       cfg.LockTTL,
		token:         uuid.NewString(),
	}, nil
}

// LoadCursor returns the stored cursor, or the initial cursor when none is stored.
func (s *RedisStore) LoadCursor(ctx context.Context) (int64, error) {
	raw, err := s.client.Get(ctx, s.cursorKey()).Result()
	if errors.Is(err, redis.Nil) {
		return s.initialCursor, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %q: %w", raw, err)
	}
	return cursor, nil
}

// SaveCursor stores cursor unless a higher value is already stored.
func (s *RedisStore) SaveCursor(ctx context.Context, cursor int64) error {
	if err := saveCursorScript.Run(ctx, s.client, []string{s.cursorKey()}, cursor).Err(); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// Acquire takes the run lock. The lock expires after the lock TTL so a
// crashed run does not block later ones forever.
func (s *RedisStore) Acquire(ctx context.Context) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.lockKey(), s.token, s.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	return ok, nil
}

// Refresh restarts the lock TTL. It reports false when the lock expired or
// belongs to another store.
func (s *RedisStore) Refresh(ctx context.Context) (bool, error) {
	n, err := refreshLockScript.Run(ctx, s.client, []string{s.lockKey()}, s.token, s.lockTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh run lock: %w", err)
	}
	return n == 1, nil
}

// Release drops the run lock if this store holds it.
func (s *RedisStore) Release(ctx context.Context) error {
	if err := releaseLockScript.Run(ctx, s.client, []string{s.lockKey()}, s.token).Err(); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) cursorKey() string {
	return s.prefix + ":cursor"
}

func (s *RedisStore) lockKey() string {
	return s.prefix + ":lock"
}
