// Package vault seals payload blobs before they are written to durable
// storage, so platform credentials embedded in publish payloads never land
// in the history store as plaintext.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidKey    = errors.New("invalid vault key")
	ErrInvalidSealed = errors.New("invalid sealed data")
	ErrOpenFailed    = errors.New("failed to open sealed data")
)

const (
	derivationSalt = "brandpulse-vault-v1"
	kdfIterations  = 10000
)

// Sealer encrypts blobs with AES-256-GCM under a key derived from the
// master key with PBKDF2. A Sealer built without a key passes data through
// unchanged, so deployments that have not provisioned one still work.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer builds a sealer from a master key. A nil or empty key yields a
// passthrough sealer; a short key is rejected.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) == 0 {
		return &Sealer{}, nil
	}
	if len(masterKey) < 16 {
		return nil, ErrInvalidKey
	}
	key := pbkdf2.Key(masterKey, []byte(derivationSalt), kdfIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{gcm: gcm}, nil
}

// NewSealerFromString accepts a base64 or hex encoded master key. The empty
// string yields a passthrough sealer.
func NewSealerFromString(keyStr string) (*Sealer, error) {
	if keyStr == "" {
		return &Sealer{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		key, err = hex.DecodeString(keyStr)
		if err != nil {
			return nil, ErrInvalidKey
		}
	}
	return NewSealer(key)
}

// Enabled reports whether sealing actually encrypts.
func (s *Sealer) Enabled() bool {
	return s != nil && s.gcm != nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext). In
// passthrough mode the plaintext is returned unchanged.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	if !s.Enabled() {
		return string(plaintext), nil
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := s.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	if !s.Enabled() {
		return []byte(sealed), nil
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrInvalidSealed
	}
	nonceSize := s.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidSealed
	}
	plaintext, err := s.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

// GenerateKey returns a fresh base64-encoded 256-bit master key.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
