package crypto

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lexvault/lexvault-server/internal/logger"
	"github.com/lexvault/lexvault-server/internal/model"
)

// MockKeyStore mocks the KeyStore interface
type MockKeyStore struct {
	mock.Mock
}

func (m *MockKeyStore) Put(ctx context.Context, key model.WrappedKey) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockKeyStore) Get(ctx context.Context, keyID uuid.UUID) (model.WrappedKey, error) {
	args := m.Called(ctx, keyID)
	return args.Get(0).(model.WrappedKey), args.Error(1)
}

func (m *MockKeyStore) ListVersion(ctx context.Context, version int) ([]model.WrappedKey, error) {
	args := m.Called(ctx, version)
	return args.Get(0).([]model.WrappedKey), args.Error(1)
}

func (m *MockKeyStore) ActiveVersion(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockKeyStore) SwapActiveVersion(ctx context.Context, old, new int) error {
	args := m.Called(ctx, old, new)
	return args.Error(0)
}

// memKeyStore is an in-memory KeyStore for round-trip tests.
type memKeyStore struct {
	keys   map[uuid.UUID]map[int]model.WrappedKey
	active int
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{
		keys:   map[uuid.UUID]map[int]model.WrappedKey{},
		active: 1,
	}
}

func (s *memKeyStore) Put(_ context.Context, key model.WrappedKey) error {
	if s.keys[key.ID] == nil {
		s.keys[key.ID] = map[int]model.WrappedKey{}
	}
	s.keys[key.ID][key.Version] = key
	return nil
}

func (s *memKeyStore) Get(_ context.Context, keyID uuid.UUID) (model.WrappedKey, error) {
	wk, ok := s.keys[keyID][s.active]
	if !ok {
		return model.WrappedKey{}, model.ErrNotFound
	}
	return wk, nil
}

func (s *memKeyStore) ListVersion(_ context.Context, version int) ([]model.WrappedKey, error) {
	var out []model.WrappedKey
	for _, versions := range s.keys {
		if wk, ok := versions[version]; ok {
			out = append(out, wk)
		}
	}
	return out, nil
}

func (s *memKeyStore) ActiveVersion(_ context.Context) (int, error) {
	return s.active, nil
}

func (s *memKeyStore) SwapActiveVersion(_ context.Context, old, new int) error {
	if s.active != old {
		return errors.New("version moved")
	}
	s.active = new
	return nil
}

func newTestMaster(t *testing.T) []byte {
	t.Helper()
	key, err := NewCipher().NewDataKey()
	require.NoError(t, err)
	return key
}

func TestKeyManager_CreateAndUseDataKey(t *testing.T) {
	ctx := context.Background()
	master := newTestMaster(t)
	store := newMemKeyStore()
	km := NewKeyManager(&StaticKeySource{Key: master}, store, logger.New(0))

	keyID, err := km.CreateDataKey(ctx)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, keyID)

	// The stored blob is wrapped, not the raw key.
	stored := store.keys[keyID][1]
	assert.Greater(t, len(stored.Wrapped), KeySize)

	var raw []byte
	err = km.WithDataKey(ctx, keyID, func(key []byte) error {
		assert.Len(t, key, KeySize)
		raw = key
		return nil
	})
	require.NoError(t, err)

	// Key material is zeroed once the scope ends.
	assert.Equal(t, make([]byte, KeySize), raw)
}

func TestKeyManager_WithDataKey_Errors(t *testing.T) {
	ctx := context.Background()
	master := newTestMaster(t)

	tests := []struct {
		name    string
		setup   func(t *testing.T, km *KeyManager, store *memKeyStore) uuid.UUID
		source  model.MasterKeySource
		wantErr error
	}{
		{
			name: "unknown key id",
			setup: func(t *testing.T, km *KeyManager, store *memKeyStore) uuid.UUID {
				return uuid.New()
			},
			source:  &StaticKeySource{Key: master},
			wantErr: model.ErrNotFound,
		},
		{
			name: "master key unavailable",
			setup: func(t *testing.T, km *KeyManager, store *memKeyStore) uuid.UUID {
				return uuid.New()
			},
			source:  &StaticKeySource{},
			wantErr: model.ErrKeyUnavailable,
		},
		{
			name: "corrupted wrapped blob",
			setup: func(t *testing.T, km *KeyManager, store *memKeyStore) uuid.UUID {
				keyID, err := km.CreateDataKey(ctx)
				require.NoError(t, err)
				wk := store.keys[keyID][1]
				wk.Wrapped[len(wk.Wrapped)-1] ^= 0x01
				return keyID
			},
			source:  &StaticKeySource{Key: master},
			wantErr: model.ErrKeyCorrupt,
		},
		{
			name: "truncated wrapped blob",
			setup: func(t *testing.T, km *KeyManager, store *memKeyStore) uuid.UUID {
				keyID, err := km.CreateDataKey(ctx)
				require.NoError(t, err)
				wk := store.keys[keyID][1]
				wk.Wrapped = wk.Wrapped[:10]
				store.keys[keyID][1] = wk
				return keyID
			},
			source:  &StaticKeySource{Key: master},
			wantErr: model.ErrKeyCorrupt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemKeyStore()
			setupKM := NewKeyManager(&StaticKeySource{Key: master}, store, logger.New(0))
			keyID := tt.setup(t, setupKM, store)

			km := NewKeyManager(tt.source, store, logger.New(0))
			err := km.WithDataKey(ctx, keyID, func(key []byte) error {
				t.Fatal("fn must not run on error")
				return nil
			})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestKeyManager_WrappedBlobBoundToKeyAndVersion(t *testing.T) {
	ctx := context.Background()
	master := newTestMaster(t)
	store := newMemKeyStore()
	km := NewKeyManager(&StaticKeySource{Key: master}, store, logger.New(0))

	first, err := km.CreateDataKey(ctx)
	require.NoError(t, err)
	second, err := km.CreateDataKey(ctx)
	require.NoError(t, err)

	// Swap the wrapped blobs between the two key rows. The AAD binding must
	// make both fail to unwrap.
	a := store.keys[first][1]
	b := store.keys[second][1]
	a.Wrapped, b.Wrapped = b.Wrapped, a.Wrapped
	store.keys[first][1] = a
	store.keys[second][1] = b

	err = km.WithDataKey(ctx, first, func([]byte) error { return nil })
	assert.ErrorIs(t, err, model.ErrKeyCorrupt)
	err = km.WithDataKey(ctx, second, func([]byte) error { return nil })
	assert.ErrorIs(t, err, model.ErrKeyCorrupt)
}

func TestKeyManager_RotateMasterKey(t *testing.T) {
	ctx := context.Background()
	oldMaster := newTestMaster(t)
	newMaster := newTestMaster(t)
	store := newMemKeyStore()
	km := NewKeyManager(&StaticKeySource{Key: oldMaster}, store, logger.New(0))

	var keyIDs []uuid.UUID
	for range 3 {
		keyID, err := km.CreateDataKey(ctx)
		require.NoError(t, err)
		keyIDs = append(keyIDs, keyID)
	}

	require.NoError(t, km.RotateMasterKey(ctx, newMaster))
	assert.Equal(t, 2, store.active)

	// Every data key unwraps under the new master.
	rotated := NewKeyManager(&StaticKeySource{Key: newMaster}, store, logger.New(0))
	for _, keyID := range keyIDs {
		err := rotated.WithDataKey(ctx, keyID, func(key []byte) error {
			assert.Len(t, key, KeySize)
			return nil
		})
		assert.NoError(t, err)
	}

	// A manager still configured with the old master cannot open the active
	// version.
	stale := NewKeyManager(&StaticKeySource{Key: oldMaster}, store, logger.New(0))
	err := stale.WithDataKey(ctx, keyIDs[0], func([]byte) error { return nil })
	assert.ErrorIs(t, err, model.ErrKeyCorrupt)
}

func TestKeyManager_RotateMasterKey_ManagerKeepsServing(t *testing.T) {
	ctx := context.Background()
	oldMaster := newTestMaster(t)
	newMaster := newTestMaster(t)
	store := newMemKeyStore()
	km := NewKeyManager(&StaticKeySource{Key: oldMaster}, store, logger.New(0))

	keyID, err := km.CreateDataKey(ctx)
	require.NoError(t, err)

	require.NoError(t, km.RotateMasterKey(ctx, newMaster))

	// The rotating manager unwraps existing keys without the external
	// secret having been updated.
	err = km.WithDataKey(ctx, keyID, func(key []byte) error {
		assert.Len(t, key, KeySize)
		return nil
	})
	require.NoError(t, err)

	// Keys created after the rotation wrap under the new master.
	created, err := km.CreateDataKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, store.keys[created][2].Version)

	restarted := NewKeyManager(&StaticKeySource{Key: newMaster}, store, logger.New(0))
	err = restarted.WithDataKey(ctx, created, func([]byte) error { return nil })
	assert.NoError(t, err)
}

func TestKeyManager_RotateMasterKey_FailureLeavesOldVersionActive(t *testing.T) {
	ctx := context.Background()
	oldMaster := newTestMaster(t)
	newMaster := newTestMaster(t)

	keyID := uuid.New()
	wrapped, err := wrapKey(oldMaster, make([]byte, KeySize), keyID, 1)
	require.NoError(t, err)

	store := &MockKeyStore{}
	store.On("ActiveVersion", mock.Anything).Return(1, nil)
	store.On("ListVersion", mock.Anything, 1).Return([]model.WrappedKey{
		{ID: keyID, Version: 1, Wrapped: wrapped},
	}, nil)
	store.On("Put", mock.Anything, mock.MatchedBy(func(wk model.WrappedKey) bool {
		return wk.Version == 2
	})).Return(errors.New("connection lost"))

	km := NewKeyManager(&StaticKeySource{Key: oldMaster}, store, logger.New(0))
	err = km.RotateMasterKey(ctx, newMaster)
	assert.Error(t, err)

	// The swap must never have happened.
	store.AssertNotCalled(t, "SwapActiveVersion", mock.Anything, mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

func TestKeyManager_RotateMasterKey_BadNewMaster(t *testing.T) {
	km := NewKeyManager(&StaticKeySource{Key: newTestMaster(t)}, newMemKeyStore(), logger.New(0))
	err := km.RotateMasterKey(context.Background(), []byte("short"))
	assert.ErrorIs(t, err, model.ErrKeyUnavailable)
}
