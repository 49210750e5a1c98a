// Package security holds the credential encryption layer, the encrypted
// key store, and the audit log.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/domain"
)

// Salt is fixed so that the same master password always derives the same key.
// Rotating the password therefore requires re-encrypting the key file.
var kdfSalt = []byte("strategy-control-plane.v1")

const minKDFIterations = 100_000

// AESEncryptor encrypts with AES-256-GCM under a PBKDF2-derived key.
type AESEncryptor struct {
	aead cipher.AEAD
}

var _ domain.Encryptor = (*AESEncryptor)(nil)

// NewAESEncryptor derives the data key from the master password. Iteration
// counts below the floor are rejected rather than silently raised.
func NewAESEncryptor(masterPassword string, iterations int) (*AESEncryptor, error) {
	if masterPassword == "" {
		return nil, fmt.Errorf("master password is empty: %w", domain.ErrValidation)
	}
	if iterations < minKDFIterations {
		return nil, fmt.Errorf("kdf iterations %d below floor %d: %w", iterations, minKDFIterations, domain.ErrValidation)
	}
	key := pbkdf2.Key([]byte(masterPassword), kdfSalt, iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh nonce and returns
// base64(nonce || ciphertext).
func (e *AESEncryptor) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *AESEncryptor) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	ns := e.aead.NonceSize()
	if len(raw) < ns {
		return nil, fmt.Errorf("ciphertext shorter than nonce: %w", domain.ErrValidation)
	}
	plain, err := e.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plain, nil
}
