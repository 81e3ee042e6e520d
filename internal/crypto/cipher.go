package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lexvault/lexvault-server/internal/model"
)

// KeySize is the data key length in bytes.
const KeySize = chacha20poly1305.KeySize

// Envelope is the at-rest representation of encrypted content: ciphertext,
// nonce and authentication tag, split out explicitly.
type Envelope struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// Cipher provides authenticated encryption of document bytes with
// XChaCha20-Poly1305. The 192-bit random nonce space makes per-key nonce
// reuse statistically impossible; a fresh nonce is drawn per call.
type Cipher struct {
	rand io.Reader
}

// NewCipher creates a Cipher using crypto/rand for nonces.
func NewCipher() *Cipher {
	return &Cipher{rand: rand.Reader}
}

// Encrypt seals plaintext under key with a fresh nonce.
func (c *Cipher) Encrypt(plaintext, key []byte) (Envelope, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to construct aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return Envelope{}, fmt.Errorf("failed to draw nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	tagOffset := len(sealed) - aead.Overhead()

	return Envelope{
		Ciphertext: sealed[:tagOffset],
		Nonce:      nonce,
		Tag:        sealed[tagOffset:],
	}, nil
}

// Decrypt opens env under key into a scoped plaintext buffer. On tag
// mismatch it fails closed with ErrAuthenticationFailed; no partial
// plaintext is ever returned.
func (c *Cipher) Decrypt(env Envelope, key []byte) (*Plaintext, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to construct aead: %w", err)
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, model.ErrAuthenticationFailed
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	buf, err := aead.Open(nil, env.Nonce, sealed, nil)
	if err != nil {
		return nil, model.ErrAuthenticationFailed
	}

	return NewPlaintext(buf), nil
}

// WithPlaintext decrypts env, runs fn over the plaintext and wipes the
// buffer on every exit path, including panics.
func (c *Cipher) WithPlaintext(env Envelope, key []byte, fn func(plaintext []byte) error) error {
	pt, err := c.Decrypt(env, key)
	if err != nil {
		return err
	}
	defer pt.Wipe()

	return fn(pt.Bytes())
}

// NewDataKey draws a fresh random data key.
func (c *Cipher) NewDataKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(c.rand, key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return key, nil
}
