package state

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	goredis "github.com/go-redis/redis/v8"

	"github.com/amirphl/leverage-trader/internal/utils"
)

const defaultKeyPrefix = "leverage-trader"

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps loop state under <prefix>:state:<symbol> and publishes
// live status snapshots.
type RedisStore struct {
	client *goredis.Client
	prefix string
}

// NewRedisStore creates a client and pings the server.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	utils.GetLogger().Infof("State | redis connected to %s", cfg.Addr)
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Client returns the underlying Redis client for health checks.
func (r *RedisStore) Client() *goredis.Client { return r.client }

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) key(kind, symbol string) string {
	return r.prefix + ":" + kind + ":" + strings.ToLower(symbol)
}

func (r *RedisStore) SaveState(ctx context.Context, st LoopState) error {
	data, err := sonic.Marshal(st)
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}
	if err := r.client.Set(ctx, r.key("state", st.Symbol), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) LoadState(ctx context.Context, symbol string) (LoopState, error) {
	data, err := r.client.Get(ctx, r.key("state", symbol)).Bytes()
	if err == goredis.Nil {
		return LoopState{Symbol: symbol}, nil
	}
	if err != nil {
		return LoopState{}, fmt.Errorf("redis get: %w", err)
	}
	var st LoopState
	if err := sonic.Unmarshal(data, &st); err != nil {
		return LoopState{}, fmt.Errorf("state: decode: %w", err)
	}
	return st, nil
}

// StatusChannel is the pub/sub channel status snapshots go to.
func (r *RedisStore) StatusChannel(symbol string) string {
	return r.key("status", symbol)
}

// PublishStatus stores the latest snapshot with a TTL and publishes it.
func (r *RedisStore) PublishStatus(ctx context.Context, symbol string, v any, ttl time.Duration) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("status: encode: %w", err)
	}
	key := r.StatusChannel(symbol)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, data, ttl)
	pipe.Publish(ctx, key, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis status: %w", err)
	}
	return nil
}
