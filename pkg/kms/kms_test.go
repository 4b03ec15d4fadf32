package kms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProvider_RoundTrip(t *testing.T) {
	p := NewLocalProvider("unit-test-secret")

	dek, wrapped, err := p.GenerateDataKey(context.Background())
	require.NoError(t, err)
	require.Len(t, dek, DataKeySize)
	require.Greater(t, len(wrapped), 1+ivSize+tagSize)
	assert.Equal(t, wrapVersion, wrapped[0])

	got, err := p.DecryptDataKey(context.Background(), wrapped)
	require.NoError(t, err)
	assert.Equal(t, dek, got)
}

func TestLocalProvider_DeterministicKEK(t *testing.T) {
	a := NewLocalProvider("same-secret")
	b := NewLocalProvider("same-secret")

	_, wrapped, err := a.GenerateDataKey(context.Background())
	require.NoError(t, err)

	// A second provider with the same secret can unwrap.
	_, err = b.DecryptDataKey(context.Background(), wrapped)
	require.NoError(t, err)

	// A provider with a different secret cannot.
	c := NewLocalProvider("other-secret")
	_, err = c.DecryptDataKey(context.Background(), wrapped)
	assert.ErrorIs(t, err, ErrUnwrapFailed)
}

func TestLocalProvider_TamperDetection(t *testing.T) {
	p := NewLocalProvider("secret")

	_, wrapped, err := p.GenerateDataKey(context.Background())
	require.NoError(t, err)

	// Flip one bit in every byte position in turn; unwrap must always fail.
	for i := 1; i < len(wrapped); i++ {
		tampered := make([]byte, len(wrapped))
		copy(tampered, wrapped)
		tampered[i] ^= 0x01

		_, err := p.DecryptDataKey(context.Background(), tampered)
		assert.Error(t, err, "byte %d", i)
	}
}

func TestLocalProvider_MalformedInput(t *testing.T) {
	p := NewLocalProvider("secret")

	_, err := p.DecryptDataKey(context.Background(), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedWrap)

	_, wrapped, err := p.GenerateDataKey(context.Background())
	require.NoError(t, err)
	wrapped[0] = 9 // unknown version
	_, err = p.DecryptDataKey(context.Background(), wrapped)
	assert.ErrorIs(t, err, ErrMalformedWrap)
}
