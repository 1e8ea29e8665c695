// Package vault encrypts credentials at rest and issues OAuth state tokens.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrKeyNotConfigured is returned when neither a key nor a secret is set.
	ErrKeyNotConfigured = errors.New("encryption key not configured: set ENCRYPTION_KEY or ENCRYPTION_SECRET")
	ErrInvalidKey       = errors.New("encryption key must decode to 32 bytes")
	// ErrDecryptFailed covers malformed ciphertext, tag mismatch and wrong keys.
	// Callers treat it as an unusable credential, not a crash.
	ErrDecryptFailed = errors.New("decrypt failed")
)

const (
	keyLength        = 32
	pbkdf2Iterations = 100_000
	cipherVersion    = byte(1)
)

var pbkdf2Salt = []byte("sage.vault.credential-key.v1")

type KeyConfig struct {
	// Base64 encoded 32 byte key. Takes precedence over Secret.
	Key string
	// Deployment secret run through PBKDF2-SHA256
	Secret string
}

// Cipher is AES-256-GCM with a random nonce per message. Output is
// base64url(version || nonce || sealed).
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(cfg KeyConfig) (*Cipher, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

func deriveKey(cfg KeyConfig) ([]byte, error) {
	if cfg.Key != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.Key)
		if err != nil {
			key, err = base64.RawURLEncoding.DecodeString(cfg.Key)
		}
		if err != nil || len(key) != keyLength {
			return nil, ErrInvalidKey
		}
		return key, nil
	}

	if cfg.Secret != "" {
		return pbkdf2.Key([]byte(cfg.Secret), pbkdf2Salt, pbkdf2Iterations, keyLength, sha256.New), nil
	}

	return nil, ErrKeyNotConfigured
}

// Encrypt seals plaintext. The empty string encrypts to the empty string.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, cipherVersion)
	out = append(out, nonce...)
	out = c.aead.Seal(out, nonce, []byte(plaintext), []byte{cipherVersion})

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt opens ciphertext produced by Encrypt. Every failure wraps
// ErrDecryptFailed.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrDecryptFailed)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < 1+nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}
	if data[0] != cipherVersion {
		return "", fmt.Errorf("%w: unknown version %d", ErrDecryptFailed, data[0])
	}

	nonce := data[1 : 1+nonceSize]
	plaintext, err := c.aead.Open(nil, nonce, data[1+nonceSize:], []byte{cipherVersion})
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptFailed)
	}

	return string(plaintext), nil
}
