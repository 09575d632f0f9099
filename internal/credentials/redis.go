package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix prefixes the key holding a profile's pair.
const RedisKeyPrefix = "tokengate:credentials:"

// RedisPersister stores the pair in a single redis key, so several gateway
// processes sharing a profile restore the same session.
type RedisPersister struct {
	client redis.UniversalClient
	key    string
	sealer Sealer
}

// NewRedisPersister creates a persister for profile on client.
func NewRedisPersister(client redis.UniversalClient, key []byte, profile string) *RedisPersister {
	return &RedisPersister{
		client: client,
		key:    RedisKeyPrefix + profile,
		sealer: NewSealer(key, profile),
	}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	return redis.NewClient(opts), nil
}

// Load reads the pair.
func (p *RedisPersister) Load(ctx context.Context) (Pair, error) {
	data, err := p.client.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Pair{}, ErrNotFound
	}

	if err != nil {
		return Pair{}, fmt.Errorf("failed to read %s: %w", p.key, err)
	}

	return p.sealer.Open(data)
}

// Save writes the pair without expiry; the server decides when the refresh credential dies.
func (p *RedisPersister) Save(ctx context.Context, pair Pair) error {
	data, err := p.sealer.Seal(pair)
	if err != nil {
		return err
	}

	if err := p.client.Set(ctx, p.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", p.key, err)
	}

	return nil
}

// Delete removes the key.
func (p *RedisPersister) Delete(ctx context.Context) error {
	if err := p.client.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", p.key, err)
	}

	return nil
}
