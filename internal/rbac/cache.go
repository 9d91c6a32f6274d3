package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyceum-lms/lyceum-authz/internal/authz"
)

const permissionKeyPrefix = "authz:user:"

// Cache stores per-user effective permission sets in Redis with a fixed TTL.
// The evaluator owns it; roles and tempaccess evict through ClearUserCache.
// A nil Redis client degrades to pass-through loading, which tests and
// single-node development use.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the permission cache.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// FetchPermissions loads a cached permission set or populates it using the
// loader.
func (c *Cache) FetchPermissions(ctx context.Context, userID string, loader func(context.Context) ([]authz.Permission, error)) ([]authz.Permission, error) {
	if loader == nil {
		return nil, errors.New("rbac: cache loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}

	key := c.key(userID)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var perms []authz.Permission
		if err := json.Unmarshal(payload, &perms); err == nil {
			return perms, nil
		}
		// Unreadable entry: fall through and rebuild it.
	} else if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	perms, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(perms)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// ClearUserCache evicts one user's cached permission set.
func (c *Cache) ClearUserCache(ctx context.Context, userID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.key(userID)).Err()
}

func (c *Cache) key(userID string) string {
	return permissionKeyPrefix + userID + ":permissions"
}
