package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/medquery/internal/identity"
)

// RedisStore keeps pending questions in Redis so they survive restarts and
// are shared between replicas.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// NewRedisStore creates a Redis-backed store. A zero ttl means no expiry.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Put(ctx context.Context, email, question string) error {
	if err := r.client.Set(ctx, r.key(email), question, r.ttl).Err(); err != nil {
		return fmt.Errorf("save pending question: %w", err)
	}
	return nil
}

func (r *RedisStore) Take(ctx context.Context, email string) (string, bool, error) {
	question, err := r.client.GetDel(ctx, r.key(email)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("take pending question: %w", err)
	}
	return question, true, nil
}

func (r *RedisStore) Delete(ctx context.Context, email string) error {
	if err := r.client.Del(ctx, r.key(email)).Err(); err != nil {
		return fmt.Errorf("delete pending question: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) key(email string) string {
	return "medquery:pending:" + identity.NormalizeEmail(email)
}
