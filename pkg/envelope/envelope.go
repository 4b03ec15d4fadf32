// Package envelope seals credential payloads under a per-user data
// encryption key with AES-256-GCM.
//
// Blob layout: iv(12) || tag(16) || ciphertext. The DEK itself is wrapped by
// the kms package; this package never persists key material.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/agentgate/agentgate/pkg/kms"
)

const (
	keySize = 32
	ivSize  = 12
	tagSize = 16
)

var (
	ErrInvalidKey    = errors.New("envelope: key must be 32 bytes")
	ErrMalformedBlob = errors.New("envelope: malformed blob")
	ErrOpenFailed    = errors.New("envelope: authentication failed")
)

// Seal encrypts plaintext under dek with a fresh random IV.
func Seal(plaintext, dek []byte) ([]byte, error) {
	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("envelope: iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, ivSize+tagSize+len(ct))
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return blob, nil
}

// Open decrypts a blob produced by Seal, verifying the authentication tag.
func Open(blob, dek []byte) ([]byte, error) {
	if len(blob) < ivSize+tagSize {
		return nil, ErrMalformedBlob
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}

	iv := blob[:ivSize]
	tag := blob[ivSize : ivSize+tagSize]
	ct := blob[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

// WithDecrypted unwraps the DEK, opens the blob and hands the plaintext to
// fn. The plaintext DEK and payload buffers are zero-filled on every exit
// path, including errors raised by fn.
func WithDecrypted(ctx context.Context, provider kms.Provider, wrappedDEK, blob []byte, fn func(plaintext []byte) error) error {
	dek, err := provider.DecryptDataKey(ctx, wrappedDEK)
	if err != nil {
		return err
	}
	defer Zero(dek)

	plaintext, err := Open(blob, dek)
	if err != nil {
		return err
	}
	defer Zero(plaintext)

	return fn(plaintext)
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(dek []byte) (cipher.AEAD, error) {
	if len(dek) != keySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("envelope: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: gcm: %w", err)
	}
	return gcm, nil
}
