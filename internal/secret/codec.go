// Package secret encrypts sensitive strings before they are written to storage.
//
// Blobs are base64(nonce || ciphertext || tag) produced by AES-256-GCM with a
// fresh 12-byte nonce per call, so the stored value is self-describing and fits
// in a text column.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const (
	keyHexLength = 64
	nonceSize    = 12
	tagSize      = 16
)

var (
	ErrInvalidKey       = errors.New("encryption key must be 64 hex characters (32 bytes)")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Codec is safe for concurrent use; the AEAD is immutable after construction.
type Codec struct {
	aead   cipher.AEAD
	random io.Reader
}

func NewCodec(hexKey string) (*Codec, error) {
	if len(hexKey) != keyHexLength {
		return nil, ErrInvalidKey
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Codec{aead: aead, random: rand.Reader}, nil
}

// Encrypt returns empty input unchanged so optional secrets stay empty.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return plaintext, nil
	}

	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt never reports why a blob was rejected: malformed input and a failed
// tag check both return ErrDecryptionFailed.
func (c *Codec) Decrypt(blob string) (string, error) {
	if blob == "" {
		return blob, nil
	}

	combined, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if len(combined) < nonceSize+tagSize {
		return "", ErrDecryptionFailed
	}

	plaintext, err := c.aead.Open(nil, combined[:nonceSize], combined[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}
