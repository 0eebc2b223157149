package csrf

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"
)

const (
	signingKeySize = 32
	signingKeyInfo = "feedlane csrf stateless v1"
)

// SigningKey derives the stateless signing key from the configured secret.
// Without a secret, production fails and other environments get a random
// per-process key, which breaks validation across instances.
func SigningKey(secret string, production bool, logger *slog.Logger) ([]byte, error) {
	if secret == "" {
		if production {
			return nil, ErrMissingSecret
		}
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("csrf: no signing secret configured, using a process-local random key")
		return randomBytes(signingKeySize)
	}
	key := make([]byte, signingKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(signingKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("csrf: derive signing key: %w", err)
	}
	return key, nil
}
