package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultCacheTTL bounds how long a resolved permission set is served.
	DefaultCacheTTL = 15 * time.Minute

	cacheKeyPrefix = "feedlane:perm:"
	// noOrgToken never collides with an escaped organization ID.
	noOrgToken     = "_"
	scanBatch      = 200
)

// PermissionCache is a Redis backed cache-aside store keyed by (user, org).
// Expiry is checked on read against the stored ExpiresAt in addition to
// the Redis TTL.
type PermissionCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewPermissionCache constructs the cache. A non-positive ttl falls back to DefaultCacheTTL.
func NewPermissionCache(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *PermissionCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionCache{client: client, ttl: ttl, logger: logger, now: time.Now}
}

// TTL exposes the configured entry lifetime.
func (c *PermissionCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached entry. The boolean is false on a miss, including
// entries whose ExpiresAt has passed, which are deleted on the way out.
func (c *PermissionCache) Get(ctx context.Context, userID, orgID string) (CachedPermissions, bool, error) {
	key := permissionKey(userID, orgID)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return CachedPermissions{}, false, nil
		}
		return CachedPermissions{}, false, fmt.Errorf("rbac cache: get %s: %w", key, err)
	}
	var entry CachedPermissions
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("rbac cache: corrupt entry", slog.String("key", key), slog.Any("error", err))
		_ = c.client.Del(ctx, key).Err()
		return CachedPermissions{}, false, nil
	}
	if entry.Expired(c.now()) {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			c.logger.Warn("rbac cache: delete expired", slog.String("key", key), slog.Any("error", err))
		}
		return CachedPermissions{}, false, nil
	}
	return entry, true, nil
}

// Set replaces the entry for (user, org), stamping CachedAt and ExpiresAt.
func (c *PermissionCache) Set(ctx context.Context, userID, orgID string, perms UserPermissions) (CachedPermissions, error) {
	now := c.now()
	entry := CachedPermissions{
		Permissions:    perms.Permissions,
		Roles:          perms.Roles,
		OrganizationID: orgID,
		CachedAt:       now,
		ExpiresAt:      now.Add(c.ttl),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return CachedPermissions{}, err
	}
	key := permissionKey(userID, orgID)
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return CachedPermissions{}, fmt.Errorf("rbac cache: set %s: %w", key, err)
	}
	return entry, nil
}

// Invalidate deletes the entry for (user, org). With an empty orgID every
// organization entry of the user is removed.
func (c *PermissionCache) Invalidate(ctx context.Context, userID, orgID string) error {
	if orgID != "" {
		if err := c.client.Del(ctx, permissionKey(userID, orgID)).Err(); err != nil {
			return fmt.Errorf("rbac cache: invalidate: %w", err)
		}
		return nil
	}
	_, err := c.scan(ctx, cacheKeyPrefix+keyComponent(userID)+":*", func(keys []string) (int, error) {
		if len(keys) == 0 {
			return 0, nil
		}
		n, err := c.client.Del(ctx, keys...).Result()
		return int(n), err
	})
	if err != nil {
		return fmt.Errorf("rbac cache: invalidate user: %w", err)
	}
	return nil
}

// Sweep removes entries whose ExpiresAt has passed. It returns the number
// of deleted keys.
func (c *PermissionCache) Sweep(ctx context.Context) (int, error) {
	now := c.now()
	return c.scan(ctx, cacheKeyPrefix+"*", func(keys []string) (int, error) {
		if len(keys) == 0 {
			return 0, nil
		}
		values, err := c.client.MGet(ctx, keys...).Result()
		if err != nil {
			return 0, err
		}
		stale := make([]string, 0)
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var entry CachedPermissions
			if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.Expired(now) {
				stale = append(stale, keys[i])
			}
		}
		if len(stale) == 0 {
			return 0, nil
		}
		n, err := c.client.Del(ctx, stale...).Result()
		return int(n), err
	})
}

func (c *PermissionCache) scan(ctx context.Context, pattern string, fn func([]string) (int, error)) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return total, err
		}
		n, err := fn(keys)
		total += n
		if err != nil {
			return total, err
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

func permissionKey(userID, orgID string) string {
	org := noOrgToken
	if orgID != "" {
		org = keyComponent(orgID)
	}
	return cacheKeyPrefix + keyComponent(userID) + ":" + org
}

// keyComponent escapes an ID so it cannot contain the key separator, a
// SCAN glob metacharacter or a bare "_".
func keyComponent(id string) string {
	return strings.ReplaceAll(url.QueryEscape(id), "_", "%5F")
}
