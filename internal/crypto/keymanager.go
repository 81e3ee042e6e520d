package crypto

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lexvault/lexvault-server/internal/logger"
	"github.com/lexvault/lexvault-server/internal/model"
)

// KeyManager owns the master key boundary. Per-document data keys are
// wrapped under the master key before they reach the store; raw key bytes
// exist only inside scoped calls and are zeroed when the scope ends.
type KeyManager struct {
	source model.MasterKeySource
	store  model.KeyStore
	logger *logger.Logger

	mu      sync.RWMutex
	adopted []byte // set after a rotation, takes precedence over source
}

// NewKeyManager creates a KeyManager over the given master key source and
// wrapped-key store.
func NewKeyManager(source model.MasterKeySource, store model.KeyStore, logger *logger.Logger) *KeyManager {
	return &KeyManager{
		source: source,
		store:  store,
		logger: logger,
	}
}

// masterKey returns a copy of the current master key. After a rotation the
// adopted key wins over the configured source until the external secret is
// updated and the process restarts.
func (m *KeyManager) masterKey() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.adopted != nil {
		out := make([]byte, len(m.adopted))
		copy(out, m.adopted)
		return out, nil
	}
	return m.source.MasterKey()
}

// CreateDataKey generates a fresh data key, wraps it under the active
// master version and persists it. Only the opaque key id leaves this call.
func (m *KeyManager) CreateDataKey(ctx context.Context) (uuid.UUID, error) {
	master, err := m.masterKey()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load master key: %w", err)
	}
	defer zeroize(master)

	version, err := m.store.ActiveVersion(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to read active key version: %w", err)
	}

	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return uuid.Nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	defer zeroize(raw)

	keyID := uuid.New()
	wrapped, err := wrapKey(master, raw, keyID, version)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to wrap data key: %w", err)
	}

	if err := m.store.Put(ctx, model.WrappedKey{ID: keyID, Version: version, Wrapped: wrapped}); err != nil {
		return uuid.Nil, fmt.Errorf("failed to store wrapped key: %w", err)
	}

	return keyID, nil
}

// WithDataKey unwraps the data key and runs fn over the raw bytes. The key
// material is zeroed on every exit path, including panics inside fn.
func (m *KeyManager) WithDataKey(ctx context.Context, keyID uuid.UUID, fn func(key []byte) error) error {
	master, err := m.masterKey()
	if err != nil {
		return fmt.Errorf("failed to load master key: %w", err)
	}
	defer zeroize(master)

	wk, err := m.store.Get(ctx, keyID)
	if err != nil {
		return fmt.Errorf("failed to load wrapped key: %w", err)
	}

	raw, err := unwrapKey(master, wk.Wrapped, wk.ID, wk.Version)
	if err != nil {
		return err
	}
	defer zeroize(raw)

	return fn(raw)
}

// RotateMasterKey re-wraps every active data key under newMaster as a staged
// version and then atomically swaps the version pointer. Either all
// documents end up on the new version or the old version stays active;
// a failure mid-rotation leaves only unreferenced staged rows behind.
func (m *KeyManager) RotateMasterKey(ctx context.Context, newMaster []byte) error {
	if len(newMaster) != KeySize {
		return fmt.Errorf("%w: new master key must be %d bytes", model.ErrKeyUnavailable, KeySize)
	}

	oldMaster, err := m.masterKey()
	if err != nil {
		return fmt.Errorf("failed to load master key: %w", err)
	}
	defer zeroize(oldMaster)

	active, err := m.store.ActiveVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read active key version: %w", err)
	}
	staged := active + 1

	keys, err := m.store.ListVersion(ctx, active)
	if err != nil {
		return fmt.Errorf("failed to list wrapped keys: %w", err)
	}

	for _, wk := range keys {
		raw, err := unwrapKey(oldMaster, wk.Wrapped, wk.ID, wk.Version)
		if err != nil {
			return fmt.Errorf("failed to unwrap key %s: %w", wk.ID, err)
		}

		rewrapped, err := wrapKey(newMaster, raw, wk.ID, staged)
		zeroize(raw)
		if err != nil {
			return fmt.Errorf("failed to rewrap key %s: %w", wk.ID, err)
		}

		if err := m.store.Put(ctx, model.WrappedKey{ID: wk.ID, Version: staged, Wrapped: rewrapped}); err != nil {
			return fmt.Errorf("failed to stage rewrapped key %s: %w", wk.ID, err)
		}
	}

	if err := m.store.SwapActiveVersion(ctx, active, staged); err != nil {
		return fmt.Errorf("failed to swap active key version: %w", err)
	}

	// Adopt the new master in-process. The configured source still holds
	// the old secret until the operator updates it; without adoption every
	// unwrap after the swap would fail.
	m.mu.Lock()
	zeroize(m.adopted)
	m.adopted = make([]byte, KeySize)
	copy(m.adopted, newMaster)
	m.mu.Unlock()

	m.logger.Info("master key rotated", "keys", len(keys), "version", staged)
	return nil
}

// keyAAD binds a wrapped blob to its key id and master version so that rows
// swapped between keys or versions fail to unwrap.
func keyAAD(keyID uuid.UUID, version int) []byte {
	aad := make([]byte, 0, 24)
	aad = append(aad, keyID[:]...)
	aad = binary.BigEndian.AppendUint64(aad, uint64(version))
	return aad
}

func wrapKey(master, raw []byte, keyID uuid.UUID, version int) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(master)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, raw, keyAAD(keyID, version)), nil
}

func unwrapKey(master, wrapped []byte, keyID uuid.UUID, version int) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(master)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < aead.NonceSize()+aead.Overhead() {
		return nil, model.ErrKeyCorrupt
	}

	nonce := wrapped[:aead.NonceSize()]
	raw, err := aead.Open(nil, nonce, wrapped[aead.NonceSize():], keyAAD(keyID, version))
	if err != nil {
		return nil, model.ErrKeyCorrupt
	}

	return raw, nil
}
