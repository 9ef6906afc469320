package auth

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealedPrefix marks values produced by Sealer.Seal
const sealedPrefix = "v1:"

var (
	// ErrMissingKey is returned when no token encryption key is configured
	ErrMissingKey = errors.New("token encryption key is required")
	// ErrMalformedSealed is returned when a stored value is not a sealed payload
	ErrMalformedSealed = errors.New("malformed sealed value")
)

// Sealer encrypts OAuth token strings before they reach the database.
// It uses XChaCha20-Poly1305 with a key derived from the configured secret.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives an encryption key from secret
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("premail token sealing"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext. The associated data binds the ciphertext to a
// record (the user ID) so sealed values cannot be swapped between rows.
func (s *Sealer) Seal(plaintext, associatedData string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(associatedData))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal
func (s *Sealer) Open(sealed, associatedData string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", ErrMalformedSealed
	}

	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSealed, err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", ErrMalformedSealed
	}

	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(associatedData))
	if err != nil {
		return "", fmt.Errorf("failed to open sealed value: %w", err)
	}
	return string(plaintext), nil
}
