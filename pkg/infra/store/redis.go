package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ratefence/ratefence/pkg/domain/ratelimit"
	"github.com/sirupsen/logrus"
)

const defaultKeyPrefix = "ratefence"

// RedisConfig carries the connection settings for the redis-backed store.
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	TLS       bool
	KeyPrefix string
}

// RedisStore persists limit state in redis, one string key per resolved
// limit name. TTLs are delegated to redis key expiry so stale counters
// vanish on their own.
type RedisStore struct {
	redisClient *redis.Client
	keyPrefix   string
}

// NewRedisStore dials redis and verifies the connection before returning.
func NewRedisStore(config RedisConfig, logger *logrus.Logger) (*RedisStore, error) {
	options := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	}
	if config.TLS {
		options.TLSConfig = &tls.Config{
			InsecureSkipVerify: true, // #nosec G402
		}
	}
	redisClient := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithFields(logrus.Fields{
			"host":  config.Host,
			"port":  config.Port,
			"error": err.Error(),
		}).Error("failed to connect to redis")
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host": config.Host,
		"port": config.Port,
	}).Info("redis connected successfully")

	return NewRedisStoreWithClient(redisClient, config.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an already-connected client. Tests inject
// a redismock client through here.
func NewRedisStoreWithClient(redisClient *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{
		redisClient: redisClient,
		keyPrefix:   keyPrefix,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.redisClient.Get(ctx, s.prefixed(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ratelimit.ErrNoState
		}
		return "", err
	}
	return value, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl < 0 {
		// A window at its boundary yields a non-positive TTL; store without
		// expiry and let the payload timestamp invalidate it on read.
		ttl = 0
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.redisClient.Set(ctx, s.prefixed(key), value, ttl).Err()
}

// RedisClient exposes the underlying client for health checks.
func (s *RedisStore) RedisClient() *redis.Client {
	return s.redisClient
}

func (s *RedisStore) prefixed(key string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, key)
}
