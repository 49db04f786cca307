package users

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const profileKeyPrefix = "orderdesk:user:"

// Cache stores directory profiles in Redis. A nil Cache is a no-op.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the profile cache.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if client == nil || ttl <= 0 {
		return nil
	}
	return &Cache{client: client, ttl: ttl}
}

// GetMany returns the cached profiles among ids.
func (c *Cache) GetMany(ctx context.Context, ids []string) (map[string]Profile, error) {
	found := make(map[string]Profile, len(ids))
	if c == nil || len(ids) == 0 {
		return found, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = profileKeyPrefix + id
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return found, err
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p Profile
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		found[ids[i]] = p
	}
	return found, nil
}

// Get returns a single cached profile.
func (c *Cache) Get(ctx context.Context, id string) (Profile, bool, error) {
	if c == nil {
		return Profile{}, false, nil
	}
	raw, err := c.client.Get(ctx, profileKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Profile{}, false, nil
		}
		return Profile{}, false, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, false, nil
	}
	return p, true, nil
}

// Put caches the supplied profiles.
func (c *Cache) Put(ctx context.Context, profiles ...Profile) error {
	if c == nil || len(profiles) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, p := range profiles {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		pipe.Set(ctx, profileKeyPrefix+p.ID, data, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
