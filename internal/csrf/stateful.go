package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultMaxTokensPerUser caps live tokens per user.
	DefaultMaxTokensPerUser = 5
	// DefaultOperationTimeout bounds each store round trip.
	DefaultOperationTimeout = 2 * time.Second
)

// StatefulConfig configures a Stateful protocol.
type StatefulConfig struct {
	Store            TokenStore
	TTL              time.Duration
	MaxTokensPerUser int
	OperationTimeout time.Duration
	Logger           *slog.Logger
}

// Stateful issues random tokens whose records live in a TokenStore. Tokens
// are multi-use until they expire or are revoked.
type Stateful struct {
	store     TokenStore
	ttl       time.Duration
	maxTokens int
	opTimeout time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewStateful constructs the protocol.
func NewStateful(cfg StatefulConfig) (*Stateful, error) {
	if cfg.Store == nil {
		return nil, errors.New("csrf: token store required")
	}
	s := &Stateful{
		store:     cfg.Store,
		ttl:       cfg.TTL,
		maxTokens: cfg.MaxTokensPerUser,
		opTimeout: cfg.OperationTimeout,
		logger:    cfg.Logger,
		now:       time.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.maxTokens <= 0 {
		s.maxTokens = DefaultMaxTokensPerUser
	}
	if s.opTimeout <= 0 {
		s.opTimeout = DefaultOperationTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Generate implements Protocol.
func (s *Stateful) Generate(ctx context.Context, c Context) (string, error) {
	tokenID, err := randomHex(16)
	if err != nil {
		return "", err
	}
	secret, err := randomBytes(32)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(tokenID))
	token := tokenID + "." + hex.EncodeToString(mac.Sum(nil))

	now := s.now()
	rec := TokenRecord{
		TokenID:        tokenID,
		Token:          token,
		Secret:         hex.EncodeToString(secret),
		UserID:         c.UserID,
		OrganizationID: c.OrganizationID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	err = s.store.Create(opCtx, rec, s.ttl)
	cancel()
	if err != nil {
		return "", fmt.Errorf("csrf: store token: %w", err)
	}

	if c.UserID != "" {
		if _, err := s.CleanupUserTokens(ctx, c.UserID); err != nil {
			s.logger.Warn("csrf: cleanup user tokens", slog.String("user_id", c.UserID), slog.Any("error", err))
		}
	}
	return token, nil
}

// Validate implements Protocol.
func (s *Stateful) Validate(ctx context.Context, token string, c Context) Result {
	tokenID, _, _ := strings.Cut(token, ".")
	if tokenID == "" {
		return invalid(ReasonMalformedToken)
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	rec, err := s.store.Get(opCtx, tokenID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return invalid(ReasonNotFound)
		}
		s.logger.Error("csrf: token lookup failed", slog.String("token_id", tokenID), slog.Any("error", err))
		return invalid(ReasonUpstreamUnavailable)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(rec.Token)) != 1 {
		return invalid(ReasonSignatureMismatch)
	}
	now := s.now()
	if now.After(rec.ExpiresAt) {
		return invalid(ReasonExpired)
	}
	if bindingMismatch(rec.UserID, rec.OrganizationID, c) {
		return invalid(ReasonContextMismatch)
	}

	rec.RequestCount++
	if remaining := rec.ExpiresAt.Sub(now); remaining > 0 {
		if err := s.store.Update(opCtx, rec, remaining); err != nil && !errors.Is(err, ErrTokenNotFound) {
			s.logger.Debug("csrf: request count update failed", slog.String("token_id", tokenID), slog.Any("error", err))
		}
	}
	return valid()
}

// Revoke implements Protocol. Revoking an unknown token is not an error.
func (s *Stateful) Revoke(ctx context.Context, token string) error {
	tokenID, _, _ := strings.Cut(token, ".")
	if tokenID == "" {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.store.Delete(opCtx, tokenID); err != nil {
		return fmt.Errorf("csrf: revoke: %w", err)
	}
	return nil
}

// CleanupUserTokens keeps the newest MaxTokensPerUser records for userID
// and deletes the rest. It returns the number of deleted records.
func (s *Stateful) CleanupUserTokens(ctx context.Context, userID string) (int, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	records, err := s.store.ListByUser(opCtx, userID)
	if err != nil {
		return 0, err
	}
	if len(records) <= s.maxTokens {
		return 0, nil
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	excess := records[:len(records)-s.maxTokens]
	for _, rec := range excess {
		if err := s.store.Delete(opCtx, rec.TokenID); err != nil {
			return 0, err
		}
	}
	return len(excess), nil
}

// Sweep removes expired records from the store.
func (s *Stateful) Sweep(ctx context.Context) (int, error) {
	return s.store.Sweep(ctx, s.now())
}
