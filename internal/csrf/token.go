// Package csrf issues and validates anti-forgery tokens. Two protocols are
// available: Stateless (self-contained signed tokens) and Stateful (tokens
// tracked in Redis, revocable). A process runs exactly one, selected by Mode.
package csrf

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL is the lifetime of a freshly generated token.
const DefaultTTL = time.Hour

// Mode selects the active protocol.
type Mode string

// Supported modes.
const (
	ModeStateful  Mode = "stateful"
	ModeStateless Mode = "stateless"
)

// Reason explains a validation outcome.
type Reason string

// Validation reasons.
const (
	ReasonValid               Reason = ""
	ReasonMissingToken        Reason = "MissingToken"
	ReasonMalformedToken      Reason = "MalformedToken"
	ReasonSignatureMismatch   Reason = "SignatureMismatch"
	ReasonExpired             Reason = "Expired"
	ReasonContextMismatch     Reason = "ContextMismatch"
	ReasonNotFound            Reason = "NotFound"
	ReasonUpstreamUnavailable Reason = "UpstreamUnavailable"
	ReasonOriginRejected      Reason = "OriginRejected"
)

var (
	// ErrRevocationUnsupported is returned by protocols that cannot revoke early.
	ErrRevocationUnsupported = errors.New("csrf: revocation unsupported")
	// ErrMissingSecret is returned when production runs without a signing secret.
	ErrMissingSecret = errors.New("csrf: signing secret required in production")
)

// Context binds a token to the caller. Empty fields are not bound.
type Context struct {
	UserID         string
	OrganizationID string
}

// Result is the outcome of a validation.
type Result struct {
	Valid  bool
	Reason Reason
}

func valid() Result {
	return Result{Valid: true, Reason: ReasonValid}
}

func invalid(reason Reason) Result {
	return Result{Reason: reason}
}

// Protocol is implemented by Stateless and Stateful.
type Protocol interface {
	Generate(ctx context.Context, c Context) (string, error)
	Validate(ctx context.Context, token string, c Context) Result
	Revoke(ctx context.Context, token string) error
}

// bindingMismatch reports whether a user or organization recorded on the
// token disagrees with the request.
func bindingMismatch(tokenUser, tokenOrg string, c Context) bool {
	if tokenUser != "" && tokenUser != c.UserID {
		return true
	}
	if tokenOrg != "" && tokenOrg != c.OrganizationID {
		return true
	}
	return false
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("csrf: read random: %w", err)
	}
	return b, nil
}

func randomHex(n int) (string, error) {
	b, err := randomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
