// Package vault seals secret settings values (provider API keys) before
// they reach the database. Sealing is optional: without a master key the
// vault passes values through untouched, which suits a single-user local
// install. With a master key, values are encrypted with AES-256-GCM under
// a key derived from the master key via argon2id and a per-database salt.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// sealedPrefix tags encrypted values so loads can tell them from
// plaintext. The version segment leaves room for new parameters.
const sealedPrefix = "sealed:v1:"

// SaltLen is the size of the per-database argon2 salt.
const SaltLen = 16

// argon2id parameters (RFC 9106 second recommended option).
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
)

// ErrNoKey is returned when a sealed value is opened without a master key.
var ErrNoKey = errors.New("vault: sealed value requires a master key")

// Vault seals and opens secret values. Immutable after construction;
// safe for concurrent use.
type Vault struct {
	aead cipher.AEAD // nil when sealing is disabled
}

// NewSalt generates a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("vault: generate salt: %w", err)
	}
	return salt, nil
}

// New builds a Vault. An empty masterKey disables sealing entirely; the
// salt is required otherwise. The derived AEAD is cached for the life of
// the vault since the key never rotates in place.
func New(masterKey string, salt []byte) (*Vault, error) {
	if masterKey == "" {
		return &Vault{}, nil
	}
	if len(salt) == 0 {
		return nil, errors.New("vault: master key set but no salt")
	}
	key := argon2.IDKey([]byte(masterKey), salt, argonTime, argonMemory, argonThreads, keyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	return &Vault{aead: gcm}, nil
}

// Enabled reports whether values will actually be encrypted.
func (v *Vault) Enabled() bool { return v.aead != nil }

// IsSealed reports whether a stored value carries the sealed tag.
func IsSealed(s string) bool { return strings.HasPrefix(s, sealedPrefix) }

// Seal encrypts value for storage. Passthrough when sealing is disabled.
func (v *Vault) Seal(value string) (string, error) {
	if !v.Enabled() {
		return value, nil
	}
	encrypted, err := v.encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(encrypted), nil
}

// Open recovers the plaintext of a stored value. Untagged values are
// returned as-is so databases written without a master key stay
// readable after one is configured.
func (v *Vault) Open(stored string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}
	if !v.Enabled() {
		return "", ErrNoKey
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("vault: decode sealed value: %w", err)
	}
	plain, err := v.decrypt(raw)
	if err != nil {
		return "", fmt.Errorf("vault: open sealed value: %w", err)
	}
	return string(plain), nil
}

func (v *Vault) encrypt(plaintext []byte) ([]byte, error) {
	// The nonce travels as the ciphertext prefix.
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) decrypt(sealed []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("ciphertext too short")
	}
	return v.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}
