package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/puffpass/paycore/internal/metrics"
)

// ErrInvalidToken is returned when a token fails verification under every
// configured secret.
var ErrInvalidToken = errors.New("invalid or expired token")

// Claim names injected by the service. Caller claims must not collide.
const (
	claimSecretVersion = "secretVersion"
	claimIssuedAt      = "issuedAt"
)

// reservedClaims are claim names owned by the verification machinery.
var reservedClaims = map[string]struct{}{
	claimSecretVersion: {},
	claimIssuedAt:      {},
	"secretUsed":       {},
	"shouldRefresh":    {},
}

// Service issues and verifies HS256 tokens against the secret pair.
type Service struct {
	secrets Secrets
}

// NewService creates a token service over the given secrets.
func NewService(secrets Secrets) *Service {
	return &Service{secrets: secrets}
}

// Verified is the result of a successful verification.
type Verified struct {
	Claims jwt.MapClaims
	// SecretUsed is "current" or "previous".
	SecretUsed string
	// ShouldRefresh is set when the token verified only under the previous
	// secret; the client should obtain a fresh token before the rollover
	// window closes.
	ShouldRefresh bool
}

// Issue signs a token with the current secret. The supplied claims are
// embedded alongside the service's own bookkeeping claims; using a reserved
// claim name is an error rather than a silent overwrite.
func (s *Service) Issue(claims map[string]any, ttl time.Duration) (string, error) {
	mc := jwt.MapClaims{}
	for name, value := range claims {
		if _, reserved := reservedClaims[name]; reserved {
			return "", fmt.Errorf("claim %q is reserved", name)
		}
		mc[name] = value
	}

	now := time.Now()
	mc[claimSecretVersion] = "current"
	mc[claimIssuedAt] = now.Unix()
	mc["iat"] = jwt.NewNumericDate(now)
	mc["exp"] = jwt.NewNumericDate(now.Add(ttl))

	return jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString([]byte(s.secrets.Current))
}

// Verify checks a token against the current secret first, then falls back to
// the previous secret if one is configured. Fallback success flags the token
// for refresh. When no previous secret exists the current-secret error is
// returned as-is; when both secrets fail, the current-secret error is wrapped
// so callers see a uniform message.
func (s *Service) Verify(tokenString string) (*Verified, error) {
	claims, err := s.parse(tokenString, s.secrets.Current)
	if err == nil {
		metrics.TokenVerificationsTotal.WithLabelValues("current").Inc()
		return &Verified{Claims: claims, SecretUsed: "current"}, nil
	}

	if s.secrets.Previous == "" {
		metrics.TokenVerificationsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	claims, perr := s.parse(tokenString, s.secrets.Previous)
	if perr == nil {
		metrics.TokenVerificationsTotal.WithLabelValues("previous").Inc()
		metrics.TokenRefreshSignalsTotal.Inc()
		return &Verified{Claims: claims, SecretUsed: "previous", ShouldRefresh: true}, nil
	}

	metrics.TokenVerificationsTotal.WithLabelValues("failed").Inc()
	return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
}

// ShouldRotate reports whether the current secret is past its advisory age.
func (s *Service) ShouldRotate() bool {
	return s.secrets.ShouldRotate()
}

func (s *Service) parse(tokenString, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
