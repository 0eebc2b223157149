package csrf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	tokenKeyPrefix = "feedlane:csrf:token:"
	userKeyPrefix  = "feedlane:csrf:user:"
	scanBatch      = 200
)

// ErrTokenNotFound indicates that no record exists for a token ID.
var ErrTokenNotFound = errors.New("csrf: token not found")

// TokenRecord is the server-side state of a stateful token.
type TokenRecord struct {
	TokenID        string    `json:"tokenId"`
	Token          string    `json:"token"`
	Secret         string    `json:"secret"`
	UserID         string    `json:"userId,omitempty"`
	OrganizationID string    `json:"organizationId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	RequestCount   int64     `json:"requestCount"`
}

// TokenStore persists token records.
type TokenStore interface {
	Create(ctx context.Context, rec TokenRecord, ttl time.Duration) error
	// Update rewrites an existing record only; a deleted record stays deleted.
	Update(ctx context.Context, rec TokenRecord, ttl time.Duration) error
	Get(ctx context.Context, tokenID string) (TokenRecord, error)
	Delete(ctx context.Context, tokenID string) error
	ListByUser(ctx context.Context, userID string) ([]TokenRecord, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// RedisTokenStore keeps one JSON record per token and a sorted set per
// user indexing token IDs by creation time.
type RedisTokenStore struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisTokenStore constructs the store.
func NewRedisTokenStore(client redis.UniversalClient, logger *slog.Logger) *RedisTokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTokenStore{client: client, logger: logger}
}

// Create implements TokenStore.
func (s *RedisTokenStore) Create(ctx context.Context, rec TokenRecord, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, tokenKey(rec.TokenID), raw, ttl)
		if rec.UserID != "" {
			pipe.ZAdd(ctx, userKey(rec.UserID), redis.Z{Score: float64(rec.CreatedAt.UnixNano()), Member: rec.TokenID})
			pipe.Expire(ctx, userKey(rec.UserID), ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("csrf store: create: %w", err)
	}
	return nil
}

// Update implements TokenStore.
func (s *RedisTokenStore) Update(ctx context.Context, rec TokenRecord, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, tokenKey(rec.TokenID), raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("csrf store: update: %w", err)
	}
	if !ok {
		return ErrTokenNotFound
	}
	return nil
}

// Get implements TokenStore.
func (s *RedisTokenStore) Get(ctx context.Context, tokenID string) (TokenRecord, error) {
	raw, err := s.client.Get(ctx, tokenKey(tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return TokenRecord{}, ErrTokenNotFound
		}
		return TokenRecord{}, fmt.Errorf("csrf store: get: %w", err)
	}
	var rec TokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return TokenRecord{}, fmt.Errorf("csrf store: decode %s: %w", tokenID, err)
	}
	return rec, nil
}

// Delete implements TokenStore. Deleting a missing record is not an error.
func (s *RedisTokenStore) Delete(ctx context.Context, tokenID string) error {
	rec, err := s.Get(ctx, tokenID)
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		s.logger.Warn("csrf store: read before delete", slog.String("token_id", tokenID), slog.Any("error", err))
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, tokenKey(tokenID))
		if rec.UserID != "" {
			pipe.ZRem(ctx, userKey(rec.UserID), tokenID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("csrf store: delete: %w", err)
	}
	return nil
}

// ListByUser implements TokenStore. Index entries whose record is gone are pruned.
func (s *RedisTokenStore) ListByUser(ctx context.Context, userID string) ([]TokenRecord, error) {
	ids, err := s.client.ZRange(ctx, userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("csrf store: list user index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = tokenKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("csrf store: list records: %w", err)
	}
	records := make([]TokenRecord, 0, len(ids))
	dangling := make([]interface{}, 0)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			dangling = append(dangling, ids[i])
			continue
		}
		var rec TokenRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Warn("csrf store: corrupt record", slog.String("token_id", ids[i]), slog.Any("error", err))
			continue
		}
		records = append(records, rec)
	}
	if len(dangling) > 0 {
		if err := s.client.ZRem(ctx, userKey(userID), dangling...).Err(); err != nil {
			s.logger.Warn("csrf store: prune user index", slog.String("user_id", userID), slog.Any("error", err))
		}
	}
	return records, nil
}

// Sweep implements TokenStore, deleting records whose ExpiresAt is before now.
func (s *RedisTokenStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, tokenKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("csrf store: sweep scan: %w", err)
		}
		if len(keys) > 0 {
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("csrf store: sweep read: %w", err)
			}
			for i, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue
				}
				var rec TokenRecord
				if err := json.Unmarshal([]byte(raw), &rec); err != nil {
					if err := s.client.Del(ctx, keys[i]).Err(); err == nil {
						removed++
					}
					continue
				}
				if now.After(rec.ExpiresAt) {
					if err := s.Delete(ctx, rec.TokenID); err != nil {
						return removed, err
					}
					removed++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func tokenKey(tokenID string) string {
	return tokenKeyPrefix + tokenID
}

func userKey(userID string) string {
	return userKeyPrefix + userID
}
