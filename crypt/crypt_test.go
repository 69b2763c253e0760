package crypt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXChaChaRoundTrip(t *testing.T) {
	x, err := NewXChaCha(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	plain := []byte("a fixed layout record")
	sealed, err := x.Seal(plain)
	require.NoError(t, err)
	assert.Len(t, sealed, x.SealedSize(len(plain)))
	assert.Equal(t, len(plain), x.PlainSize(len(sealed)))
	assert.NotContains(t, string(sealed), "fixed layout")

	out, err := x.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, out)

	// Two seals of the same plaintext differ by nonce.
	again, err := x.Seal(plain)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestXChaChaRejectsTampering(t *testing.T) {
	x, err := NewXChaCha(make([]byte, 32))
	require.NoError(t, err)

	sealed, err := x.Seal([]byte{1, 2, 3})
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = x.Open(sealed)
	assert.ErrorIs(t, err, ErrOpen)

	_, err = x.Open(sealed[:4])
	assert.ErrorIs(t, err, ErrSealedSize)
}

func TestXChaChaKeySize(t *testing.T) {
	_, err := NewXChaCha([]byte("short"))
	assert.ErrorIs(t, err, ErrKeySize)
}

func TestPlain(t *testing.T) {
	var p Plain
	sealed, err := p.Seal([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, p.SealedSize(3))

	out, err := p.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)
}
