package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Payload is embedded in a stateless token. Field order is fixed, so the
// JSON encoding is canonical.
type Payload struct {
	Secret         string `json:"secret"`
	Salt           string `json:"salt"`
	IssuedAt       int64  `json:"issuedAt"`
	ExpiresAt      int64  `json:"expiresAt"`
	UserID         string `json:"userId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
}

// Stateless issues self-contained HMAC-SHA256 signed tokens of the form
// base64url(payload) "." hex(signature). Tokens cannot be revoked before
// they expire.
type Stateless struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewStateless constructs the protocol. key must not be empty.
func NewStateless(key []byte, ttl time.Duration) (*Stateless, error) {
	if len(key) == 0 {
		return nil, errors.New("csrf: stateless signing key required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Stateless{key: append([]byte(nil), key...), ttl: ttl, now: time.Now}, nil
}

// Generate implements Protocol.
func (s *Stateless) Generate(_ context.Context, c Context) (string, error) {
	secret, err := randomHex(32)
	if err != nil {
		return "", err
	}
	salt, err := randomHex(8)
	if err != nil {
		return "", err
	}
	now := s.now()
	payload := Payload{
		Secret:         secret,
		Salt:           salt,
		IssuedAt:       now.UnixMilli(),
		ExpiresAt:      now.Add(s.ttl).UnixMilli(),
		UserID:         c.UserID,
		OrganizationID: c.OrganizationID,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw) + "." + hex.EncodeToString(s.sign(raw)), nil
}

// Validate implements Protocol.
func (s *Stateless) Validate(_ context.Context, token string, c Context) Result {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return invalid(ReasonMalformedToken)
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return invalid(ReasonMalformedToken)
	}
	sig, err := hex.DecodeString(parts[1])
	if err != nil {
		return invalid(ReasonSignatureMismatch)
	}
	if !hmac.Equal(sig, s.sign(raw)) {
		return invalid(ReasonSignatureMismatch)
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return invalid(ReasonMalformedToken)
	}
	if s.now().UnixMilli() > payload.ExpiresAt {
		return invalid(ReasonExpired)
	}
	if bindingMismatch(payload.UserID, payload.OrganizationID, c) {
		return invalid(ReasonContextMismatch)
	}
	return valid()
}

// Revoke always fails: there is no server-side record to delete.
func (s *Stateless) Revoke(context.Context, string) error {
	return ErrRevocationUnsupported
}

func (s *Stateless) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}
