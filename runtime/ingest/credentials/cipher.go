package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// EnvEncryptionKey names the environment variable carrying the base64
// encoded 32-byte encryption key.
const EnvEncryptionKey = "LOOM_ENCRYPTION_KEY"

// ErrCiphertext is returned by Decrypt for blobs that are truncated,
// tampered with, or sealed under a different key.
var ErrCiphertext = errors.New("credentials: invalid ciphertext")

// Cipher seals credential payloads with AES-256-GCM. The random nonce is
// prepended to each ciphertext, so equal plaintexts never produce equal
// blobs.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("credentials: encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credentials: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// KeyFromBase64 decodes the key format used by EnvEncryptionKey.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("credentials: decode encryption key: %w", err)
	}
	return key, nil
}

// Encrypt seals the payload's JSON encoding.
func (c *Cipher) Encrypt(payload map[string]any) ([]byte, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("credentials: encode payload: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credentials: nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (c *Cipher) Decrypt(blob []byte) (map[string]any, error) {
	if len(blob) < c.aead.NonceSize() {
		return nil, ErrCiphertext
	}
	nonce, sealed := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrCiphertext
	}
	var payload map[string]any
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("credentials: decode payload: %w", err)
	}
	return payload, nil
}
