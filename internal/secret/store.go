package secret

import (
	"context"
	"time"
)

// Store is the versioned, encrypted key/value vault keyed by (owner, name).
//
// Implementations guarantee per-key atomicity of StoreSecret and
// all-or-nothing semantics for StoreSecrets. Writing an existing key bumps
// its version, reactivates it and leaves rotation history untouched.
type Store interface {
	StoreSecret(ctx context.Context, req StoreRequest) (*Secret, error)
	StoreSecrets(ctx context.Context, reqs []StoreRequest) ([]*Secret, error)

	// GetSecret returns the record with Value decrypted. ErrNotFound when
	// absent or inactive.
	GetSecret(ctx context.Context, ownerID, name string) (*Secret, error)

	// HasSecret reports whether a record exists for the key, active or not.
	HasSecret(ctx context.Context, ownerID, name string) (bool, error)

	LinkSecretToConnection(ctx context.Context, ownerID, name, connectionID, connectionName string) error

	// GetSecretsForConnection lists active secrets bound to a connection
	// without decrypting them.
	GetSecretsForConnection(ctx context.Context, ownerID, connectionID string) ([]*Secret, error)

	// RecordRotation appends a history entry and moves the rotation schedule.
	RecordRotation(ctx context.Context, ownerID, name string, entry RotationEntry, nextRotationAt *time.Time) (*Secret, error)

	Deactivate(ctx context.Context, ownerID, name string) error

	// ListRotationCandidates returns active access-token secrets whose expiry
	// or scheduled rotation falls at or before the given instant.
	ListRotationCandidates(ctx context.Context, before time.Time) ([]*Secret, error)
}
