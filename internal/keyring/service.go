package keyring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/puffpass/paycore/internal/idgen"
	"github.com/puffpass/paycore/internal/metrics"
	"github.com/puffpass/paycore/internal/tokens"
	"github.com/puffpass/paycore/internal/traces"
)

// Service signs and verifies tokens against the stored key set and performs
// administrative rotation. Rotations are expected to be serialized by the
// caller (single admin writer); concurrent signing and verification are safe.
type Service struct {
	store  Store
	audit  AuditLogger
	logger *slog.Logger

	mu      sync.Mutex
	pending []retirement // keys awaiting deactivation after a grace window
}

// retirement schedules a key's deactivation.
type retirement struct {
	keyID string
	at    time.Time
}

// NewService creates a keyring service.
func NewService(store Store, audit AuditLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, audit: audit, logger: logger}
}

// Sign issues a token under the newest active key. The key ID travels in the
// kid header so verification can try the right key first.
func (s *Service) Sign(ctx context.Context, claims map[string]any, ttl time.Duration) (string, error) {
	ctx, span := traces.StartSpan(ctx, "keyring.sign")
	defer span.End()

	keys, err := s.store.ListActive(ctx)
	if err != nil {
		return "", fmt.Errorf("list active keys: %w", err)
	}
	if len(keys) == 0 {
		return "", ErrNoActiveKeys
	}
	signing := keys[0]
	span.SetAttributes(traces.KeyID(signing.ID))

	mc := jwt.MapClaims{}
	for name, value := range claims {
		mc[name] = value
	}
	now := time.Now()
	mc["iat"] = jwt.NewNumericDate(now)
	mc["exp"] = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mc)
	token.Header["kid"] = signing.ID

	signed, err := token.SignedString([]byte(signing.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify tries the token against every active key, newest first. A kid header
// naming an active key is tried before the rest.
//
// An empty keyring returns ErrNoActiveKeys rather than ErrAllKeysFailed:
// no key was tried, and the remedy is operator action (seed or rotate a key),
// not a fresh token.
func (s *Service) Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	keys, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, ErrNoActiveKeys
	}

	if kid := peekKID(tokenString); kid != "" {
		for i, key := range keys {
			if key.ID == kid && i > 0 {
				keys[0], keys[i] = keys[i], keys[0]
				break
			}
		}
	}

	for _, key := range keys {
		claims, err := parseWithSecret(tokenString, key.Secret)
		if err == nil {
			return claims, nil
		}
	}
	return nil, ErrAllKeysFailed
}

// RotationStatus reports whether the newest active key is due for rotation.
func (s *Service) RotationStatus(ctx context.Context) (RotationStatus, error) {
	keys, err := s.store.ListActive(ctx)
	if err != nil {
		return RotationStatus{}, fmt.Errorf("list active keys: %w", err)
	}
	if len(keys) == 0 {
		return RotationStatus{ShouldRotate: true, Reason: "No active keys found"}, nil
	}

	age := time.Since(keys[0].CreatedAt)
	days := int(age.Hours() / 24)
	if age > maxKeyAge {
		return RotationStatus{ShouldRotate: true, Reason: "Key is older than 90 days", DaysSinceCreation: days}, nil
	}
	return RotationStatus{ShouldRotate: false, Reason: "Key is within rotation window", DaysSinceCreation: days}, nil
}

// Rotate generates a fresh key, inserts it active, and retires the prior
// active keys: immediately when grace is zero, otherwise after the grace
// window elapses (via SweepRetirements) so in-flight tokens stay verifiable.
// Every rotation writes an audit entry with the operator identity.
func (s *Service) Rotate(ctx context.Context, operator, reason string, grace time.Duration) (*Key, error) {
	secret, err := tokens.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	prior, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active keys: %w", err)
	}

	key := &Key{
		ID:        idgen.WithPrefix("key_"),
		Secret:    secret,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := s.store.Create(ctx, key); err != nil {
		return nil, fmt.Errorf("create key: %w", err)
	}

	if grace <= 0 {
		if _, err := s.store.DeactivateAllBefore(ctx, key.CreatedAt); err != nil {
			return nil, fmt.Errorf("deactivate prior keys: %w", err)
		}
	} else {
		s.mu.Lock()
		at := key.CreatedAt.Add(grace)
		for _, old := range prior {
			s.pending = append(s.pending, retirement{keyID: old.ID, at: at})
		}
		s.mu.Unlock()
	}

	details := fmt.Sprintf("reason: %s; new key %s; %d prior active keys", reason, key.ID, len(prior))
	if grace > 0 {
		details += fmt.Sprintf("; grace %s", grace)
	}
	if err := s.audit.Record(ctx, AuditEntry{
		Action:    "rotate",
		Operator:  operator,
		Timestamp: key.CreatedAt,
		Details:   details,
	}); err != nil {
		// The rotation itself succeeded; losing the audit row is logged, not fatal.
		s.logger.Error("failed to record rotation audit entry", "error", err)
	}

	metrics.KeyRotationsTotal.Inc()
	s.updateActiveGauge(ctx)
	s.logger.Info("signing key rotated",
		"operator", operator,
		"new_key", key.ID,
		"prior_active", len(prior),
		"grace", grace.String(),
	)
	return key, nil
}

// SweepRetirements deactivates keys whose grace window has elapsed. Call it
// periodically; it returns the number of keys retired.
func (s *Service) SweepRetirements(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []retirement
	remaining := s.pending[:0]
	for _, r := range s.pending {
		if now.After(r.at) {
			due = append(due, r)
		} else {
			remaining = append(remaining, r)
		}
	}
	s.pending = remaining
	s.mu.Unlock()

	retired := 0
	for _, r := range due {
		if err := s.store.Deactivate(ctx, r.keyID); err != nil && err != ErrKeyNotFound {
			s.logger.Error("failed to retire key", "key", r.keyID, "error", err)
			continue
		}
		retired++
	}
	if retired > 0 {
		s.updateActiveGauge(ctx)
		s.logger.Info("retired keys past grace window", "count", retired)
	}
	return retired
}

// Audit returns the most recent audit entries, newest first.
func (s *Service) Audit(ctx context.Context, limit int) ([]AuditEntry, error) {
	return s.audit.List(ctx, limit)
}

func (s *Service) updateActiveGauge(ctx context.Context) {
	if keys, err := s.store.ListActive(ctx); err == nil {
		metrics.ActiveSigningKeys.Set(float64(len(keys)))
	}
}

// peekKID reads the kid header without verifying the signature. Purely an
// ordering hint; verification still checks the signature against the key.
func peekKID(tokenString string) string {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	kid, _ := token.Header["kid"].(string)
	return kid
}

func parseWithSecret(tokenString, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrAllKeysFailed
	}
	return claims, nil
}
