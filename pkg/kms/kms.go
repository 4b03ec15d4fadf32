// Package kms wraps and unwraps per-user data encryption keys.
//
// Two providers exist: a local mock whose wrapping key is derived from a
// configured secret, and a managed provider backed by AWS KMS. Callers only
// ever see 32-byte plaintext DEKs and opaque wrapped blobs.
package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	// DataKeySize is the size of a plaintext DEK.
	DataKeySize = 32

	wrapVersion = byte(1)
	ivSize      = 12
	tagSize     = 16
)

var (
	ErrMalformedWrap = errors.New("kms: malformed wrapped key")
	ErrUnwrapFailed  = errors.New("kms: unwrap authentication failed")
)

// Provider generates and unwraps data encryption keys.
type Provider interface {
	// GenerateDataKey returns a fresh 32-byte plaintext DEK together with
	// its wrapped form. The caller owns the plaintext and must zero it.
	GenerateDataKey(ctx context.Context) (plaintext, wrapped []byte, err error)

	// DecryptDataKey unwraps a previously wrapped DEK.
	DecryptDataKey(ctx context.Context, wrapped []byte) ([]byte, error)
}

// LocalProvider is the mock KMS used when no managed key is configured.
// The wrapping key is derived from the configured secret with HKDF-SHA256;
// wrapped blobs are version(1) || iv(12) || tag(16) || ciphertext.
type LocalProvider struct {
	kek      []byte
	warnOnce sync.Once
}

// hkdfInfo pins the derivation so other uses of the same secret cannot
// collide with the wrapping key.
const hkdfInfo = "agentgate/kms/wrapping-key/v1"

// NewLocalProvider derives a wrapping key from secret. An empty secret is
// permitted for development but yields a deterministic key.
func NewLocalProvider(secret string) *LocalProvider {
	kek := make([]byte, DataKeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, kek); err != nil {
		// HKDF over SHA-256 cannot fail for a 32-byte read.
		panic(fmt.Sprintf("kms: hkdf: %v", err))
	}
	return &LocalProvider{kek: kek}
}

func (p *LocalProvider) warn() {
	p.warnOnce.Do(func() {
		slog.Warn("kms: using local mock provider; configure KMS_KEY_ID for managed key wrapping")
	})
}

func (p *LocalProvider) GenerateDataKey(ctx context.Context) ([]byte, []byte, error) {
	p.warn()

	dek := make([]byte, DataKeySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, nil, fmt.Errorf("kms: generate data key: %w", err)
	}

	wrapped, err := p.wrap(dek)
	if err != nil {
		return nil, nil, err
	}
	return dek, wrapped, nil
}

func (p *LocalProvider) DecryptDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	p.warn()
	return p.unwrap(wrapped)
}

func (p *LocalProvider) wrap(dek []byte) ([]byte, error) {
	gcm, err := newGCM(p.kek)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("kms: iv: %w", err)
	}

	// gcm.Seal appends the tag after the ciphertext; the wire format puts
	// it before, so split and reorder.
	sealed := gcm.Seal(nil, iv, dek, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, 1+ivSize+tagSize+len(ct))
	out = append(out, wrapVersion)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

func (p *LocalProvider) unwrap(wrapped []byte) ([]byte, error) {
	if len(wrapped) < 1+ivSize+tagSize {
		return nil, ErrMalformedWrap
	}
	if wrapped[0] != wrapVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrMalformedWrap, wrapped[0])
	}

	iv := wrapped[1 : 1+ivSize]
	tag := wrapped[1+ivSize : 1+ivSize+tagSize]
	ct := wrapped[1+ivSize+tagSize:]

	gcm, err := newGCM(p.kek)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	dek, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	if len(dek) != DataKeySize {
		return nil, fmt.Errorf("%w: unwrapped key is %d bytes", ErrMalformedWrap, len(dek))
	}
	return dek, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	return gcm, nil
}
