package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Purpose separates sub-keys so a ciphertext sealed for one use cannot be opened for another.
type Purpose string

const (
	PurposeCredential Purpose = "broker-credential/v1"
	PurposeToken      Purpose = "connection-token/v1"
	PurposeState      Purpose = "oauth-state/v1"
)

// ErrCiphertext is returned for truncated or tampered ciphertext.
var ErrCiphertext = errors.New("ciphertext invalid")

// Sealer encrypts small secrets with XChaCha20-Poly1305 under HKDF sub-keys of one master key.
// Output layout: nonce || ciphertext+tag.
type Sealer struct {
	master []byte
}

// NewSealer copies master; it must be KeyLen bytes.
func NewSealer(master []byte) (*Sealer, error) {
	if len(master) != KeyLen {
		return nil, fmt.Errorf("sealer: want %d-byte key, got %d", KeyLen, len(master))
	}
	return &Sealer{master: append([]byte(nil), master...)}, nil
}

func (s *Sealer) subKey(p Purpose) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, nil, []byte(p))
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext bound to purpose and aad.
func (s *Sealer) Seal(p Purpose, aad, plaintext []byte) ([]byte, error) {
	key, err := s.subKey(p)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Open decrypts a blob produced by Seal with the same purpose and aad.
func (s *Sealer) Open(p Purpose, aad, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrCiphertext
	}
	key, err := s.subKey(p)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	pt, err := aead.Open(nil, nonce, blob[chacha20poly1305.NonceSizeX:], aad)
	if err != nil {
		return nil, ErrCiphertext
	}
	return pt, nil
}

// AAD builds length-prefixed associated data so ("ab","c") and ("a","bc") differ.
func AAD(parts ...string) []byte {
	n := 0
	for _, p := range parts {
		n += 4 + len(p)
	}
	out := make([]byte, 0, n)
	var l [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(l[:], uint32(len(p)))
		out = append(out, l[:]...)
		out = append(out, p...)
	}
	return out
}
