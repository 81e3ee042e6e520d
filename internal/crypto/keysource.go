package crypto

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/lexvault/lexvault-server/internal/model"
)

// EnvKeySource reads a base64-encoded master key from an environment
// variable, typically injected by the deployment's secret manager.
type EnvKeySource struct {
	Variable string
}

var _ model.MasterKeySource = (*EnvKeySource)(nil)

func (s *EnvKeySource) MasterKey() ([]byte, error) {
	raw, ok := os.LookupEnv(s.Variable)
	if !ok || raw == "" {
		return nil, fmt.Errorf("%w: %s is not set", model.ErrKeyUnavailable, s.Variable)
	}
	return decodeMasterKey(raw)
}

// FileKeySource reads a base64-encoded master key from a file, typically a
// mounted secret volume.
type FileKeySource struct {
	Path string
}

var _ model.MasterKeySource = (*FileKeySource)(nil)

func (s *FileKeySource) MasterKey() ([]byte, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrKeyUnavailable, err)
	}
	return decodeMasterKey(strings.TrimSpace(string(raw)))
}

// StaticKeySource holds key material directly. Test use only.
type StaticKeySource struct {
	Key []byte
}

var _ model.MasterKeySource = (*StaticKeySource)(nil)

func (s *StaticKeySource) MasterKey() ([]byte, error) {
	if len(s.Key) == 0 {
		return nil, model.ErrKeyUnavailable
	}
	out := make([]byte, len(s.Key))
	copy(out, s.Key)
	return out, nil
}

func decodeMasterKey(raw string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: master key is not valid base64", model.ErrKeyUnavailable)
	}
	if len(key) != KeySize {
		zeroize(key)
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", model.ErrKeyUnavailable, KeySize, len(key))
	}
	return key, nil
}
