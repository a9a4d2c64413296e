package slides

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mcdev12/quickpitch/go/internal/models"
)

const deckTTL = 5 * time.Minute

// RedisCache holds the ordered deck so joins do not each hit Postgres.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and checks the connection.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client, prefix: "quickpitch", ttl: deckTTL}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// deckKey returns the key holding the serialized deck.
func deckKey(prefix string) string {
	return fmt.Sprintf("%s:slides:deck", prefix)
}

// Get returns the cached deck. ok is false on a miss.
func (c *RedisCache) Get(ctx context.Context) ([]models.Slide, bool, error) {
	data, err := c.client.Get(ctx, deckKey(c.prefix)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var deck []models.Slide
	if err := json.Unmarshal(data, &deck); err != nil {
		// A corrupt entry is treated as a miss and overwritten.
		return nil, false, nil
	}
	return deck, true, nil
}

func (c *RedisCache) Set(ctx context.Context, deck []models.Slide) error {
	data, err := json.Marshal(deck)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, deckKey(c.prefix), data, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, deckKey(c.prefix)).Err()
}
