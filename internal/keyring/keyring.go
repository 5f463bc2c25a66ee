// Package keyring implements durable signing-key rotation. Unlike the
// two-generation env-sourced scheme in the tokens package, the keyring keeps
// every generation of the signing secret in a store: the newest active key
// signs, all active keys verify, and rotation deactivates old keys only when
// the operator decides in-flight sessions no longer need them.
package keyring

import (
	"errors"
	"time"
)

var (
	// ErrNoActiveKeys is returned when the active key set is empty.
	ErrNoActiveKeys = errors.New("No active JWT keys found")
	// ErrAllKeysFailed is returned when a token verifies under no active key.
	ErrAllKeysFailed = errors.New("Token verification failed with all available keys")
	// ErrKeyNotFound is returned when a key ID does not exist.
	ErrKeyNotFound = errors.New("key not found")
)

// Key is one generation of the signing secret. The secret itself never
// serializes.
type Key struct {
	ID        string    `json:"id"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// RotationStatus is the advisory answer to "should we rotate now".
type RotationStatus struct {
	ShouldRotate      bool   `json:"shouldRotate"`
	Reason            string `json:"reason"`
	DaysSinceCreation int    `json:"daysSinceCreation,omitempty"`
}

// maxKeyAge is the advisory key lifetime before rotation is recommended.
const maxKeyAge = 90 * 24 * time.Hour
