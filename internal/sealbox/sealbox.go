// Package sealbox wraps AES-GCM for sealing session records at rest.
// Sealed output is nonce || ciphertext; the nonce is random per seal.
package sealbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidKey is returned when the key is not 16, 24 or 32 bytes.
	ErrInvalidKey = errors.New("sealbox: key must be 16, 24 or 32 bytes")
	// ErrCiphertext is returned when a sealed blob is malformed or fails
	// authentication.
	ErrCiphertext = errors.New("sealbox: invalid ciphertext")
)

// Box seals and opens byte blobs with a fixed key.
type Box struct {
	aead cipher.AEAD
}

// New creates a Box from an AES key.
func New(key []byte) (*Box, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts and authenticates plain.
func (b *Box) Seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open authenticates and decrypts a blob produced by Seal.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < b.aead.NonceSize() {
		return nil, ErrCiphertext
	}
	nonce, ciphertext := sealed[:b.aead.NonceSize()], sealed[b.aead.NonceSize():]
	plain, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCiphertext
	}
	return plain, nil
}
