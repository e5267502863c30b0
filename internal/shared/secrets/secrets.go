// Package secrets provides authenticated symmetric encryption for stored
// credentials. The 256-bit key is derived from the hub secret with
// HKDF-SHA256, so rotating the hub secret invalidates all ciphertexts.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const kdfInfo = "sondehub-secrets-v1"

// Cipher encrypts and decrypts opaque secrets with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// New derives the encryption key from the hub secret and returns a Cipher.
func New(hubSecret []byte) (*Cipher, error) {
	if len(hubSecret) == 0 {
		return nil, fmt.Errorf("hub secret is empty")
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, hubSecret, nil, []byte(kdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext+tag).
// The ciphertext is self-describing: the nonce is carried up front.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. A wrong hub secret or
// a tampered ciphertext fails authentication.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plaintext, nil
}

// EncryptString is Encrypt for string plaintexts.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	return c.Encrypt([]byte(plaintext))
}

// DecryptString is Decrypt returning a string.
func (c *Cipher) DecryptString(encoded string) (string, error) {
	out, err := c.Decrypt(encoded)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
