// Package crypt is the row encryption boundary. Storage layers treat a
// Transform as opaque: they only rely on SealedSize to lay out fixed records.
package crypt

import (
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrKeySize    = errors.New("key must be 32 bytes")
	ErrSealedSize = errors.New("sealed record has unexpected size")
	ErrOpen       = errors.New("record failed authentication")
)

// Transform converts row plaintext to and from a stored blob whose size is
// determined by the plaintext length alone.
type Transform interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
	SealedSize(plainLen int) int
	// PlainSize inverts SealedSize.
	PlainSize(sealedLen int) int
}

// Plain stores rows unencrypted.
type Plain struct{}

var _ Transform = Plain{}

func (Plain) Seal(plain []byte) ([]byte, error) { return append([]byte(nil), plain...), nil }
func (Plain) Open(sealed []byte) ([]byte, error) { return append([]byte(nil), sealed...), nil }
func (Plain) SealedSize(n int) int { return n }
func (Plain) PlainSize(n int) int { return n }

// XChaCha seals each record with XChaCha20-Poly1305 under a random nonce,
// stored as the record's prefix.
type XChaCha struct {
	aead cipher.AEAD
}

var _ Transform = &XChaCha{}

func NewXChaCha(key []byte) (*XChaCha, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.Wrapf(ErrKeySize, "got %d", len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.WithMessage(err, "building cipher")
	}
	return &XChaCha{aead: aead}, nil
}

func (x *XChaCha) Seal(plain []byte) ([]byte, error) {
	out := make([]byte, chacha20poly1305.NonceSizeX, x.SealedSize(len(plain)))
	if _, err := rand.Read(out); err != nil {
		return nil, errors.WithMessage(err, "reading nonce")
	}
	return x.aead.Seal(out, out[:chacha20poly1305.NonceSizeX], plain, nil), nil
}

func (x *XChaCha) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < x.SealedSize(0) {
		return nil, errors.Wrapf(ErrSealedSize, "got %d bytes", len(sealed))
	}
	nonce, body := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := x.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, errors.Wrap(ErrOpen, err.Error())
	}
	return plain, nil
}

func (x *XChaCha) SealedSize(n int) int {
	return chacha20poly1305.NonceSizeX + n + x.aead.Overhead()
}

func (x *XChaCha) PlainSize(n int) int {
	return n - chacha20poly1305.NonceSizeX - x.aead.Overhead()
}
