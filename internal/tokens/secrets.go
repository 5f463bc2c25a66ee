// Package tokens implements HS256 token issuance and verification with a
// dual-secret rotation scheme: a current signing secret plus an optional
// previous secret that stays verifiable during the rollover window. Tokens
// verified under the previous secret carry a refresh signal so clients can
// re-authenticate before the old secret is retired.
package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/puffpass/paycore/internal/config"
)

// ErrMissingSecret is returned when no current signing secret is configured.
var ErrMissingSecret = errors.New("JWT_SECRET is required")

// rotationMaxAge is the advisory secret lifetime. Secrets older than this
// should be rotated; enforcement is left to operators.
const rotationMaxAge = 90 * 24 * time.Hour

// Secrets holds the signing secret pair and the rotation timestamp.
type Secrets struct {
	Current      string
	Previous     string
	RotationDate time.Time // zero when no rotation has been recorded
}

// LoadSecrets builds the secret pair from configuration.
func LoadSecrets(cfg *config.Config) (Secrets, error) {
	if cfg.JWTSecret == "" {
		return Secrets{}, ErrMissingSecret
	}
	return Secrets{
		Current:      cfg.JWTSecret,
		Previous:     cfg.JWTSecretPrevious,
		RotationDate: cfg.JWTRotationDate,
	}, nil
}

// ShouldRotate reports whether the current secret has exceeded its advisory
// lifetime. An unset rotation date means age cannot be established, so the
// answer is no rather than a false alarm on every deploy.
func (s Secrets) ShouldRotate() bool {
	if s.RotationDate.IsZero() {
		return false
	}
	return time.Since(s.RotationDate) > rotationMaxAge
}

// GenerateSecret returns a fresh 256-bit secret, base64-encoded.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
