package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// KeyStore persists wrapped data keys. Keys are versioned by the master key
// generation that wrapped them; rotation stages a full new version and then
// swaps the active version pointer, never rewrapping in place.
type KeyStore interface {
	Put(ctx context.Context, key WrappedKey) error
	// Get returns the wrapped key for the active master version.
	Get(ctx context.Context, keyID uuid.UUID) (WrappedKey, error)
	// ListVersion returns every wrapped key belonging to one master version.
	ListVersion(ctx context.Context, version int) ([]WrappedKey, error)
	ActiveVersion(ctx context.Context) (int, error)
	// SwapActiveVersion atomically moves the version pointer from old to new.
	// Fails without effect if the active version is not old anymore.
	SwapActiveVersion(ctx context.Context, old, new int) error
}

// WrappedKey is a per-document data key encrypted under the master key.
// Raw key bytes exist only inside scoped KeyManager operations.
type WrappedKey struct {
	ID        uuid.UUID
	Version   int
	Wrapped   []byte
	CreatedAt time.Time
}

// MasterKeySource yields master key material from an external secret store.
// Master keys are never embedded in configuration structs in plaintext.
type MasterKeySource interface {
	MasterKey() ([]byte, error)
}
