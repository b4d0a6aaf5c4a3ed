// Package crypto seals persisted session credentials at rest. It implements
// AES-256-GCM authenticated encryption where the session profile name is bound
// as additional authenticated data, so a sealed credential copied onto another
// profile fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("crypto: sealed value failed authentication")

// Sealer encrypts and authenticates small secrets such as access and refresh tokens.
type Sealer interface {
	// Seal returns nonce || ciphertext || tag for plaintext bound to aad.
	Seal(plaintext, aad []byte) ([]byte, error)
	// Open reverses Seal. aad must match the value used when sealing.
	Open(sealed, aad []byte) ([]byte, error)
	// KeyID identifies the key so persisted rows can record which key sealed them.
	KeyID() string
}

// AESSealer implements Sealer using AES-256-GCM.
type AESSealer struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESSealer creates a sealer from a base64-encoded 32-byte key
// (e.g. `openssl rand -base64 32`).
func NewAESSealer(base64Key string) (*AESSealer, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	sum := sha256.Sum256(key)
	return &AESSealer{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

// KeyID returns a short fingerprint of the key (first 4 bytes of its SHA-256).
func (s *AESSealer) KeyID() string { return s.keyID }

// Seal encrypts plaintext with a fresh random nonce.
func (s *AESSealer) Seal(plaintext, aad []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts a value produced by Seal.
func (s *AESSealer) Open(sealed, aad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, fmt.Errorf("sealed value too short: %d bytes", len(sealed))
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// SealString seals plaintext and base64-encodes the result for text storage.
// Empty input stays empty so an absent refresh token round-trips as absent.
func SealString(s Sealer, plaintext, aad string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	sealed, err := s.Seal([]byte(plaintext), []byte(aad))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenString reverses SealString.
func OpenString(s Sealer, encoded, aad string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	plaintext, err := s.Open(sealed, []byte(aad))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
