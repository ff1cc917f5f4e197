// Package tokencrypto contains the symmetric primitives behind proof-token encoding:
// secret stretching, purpose-bound subkeys and XChaCha20-Poly1305 sealing.
package tokencrypto

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	pkgcrypto "github.com/and161185/presence/internal/crypto"
)

// Params
const (
	KeyLen = chacha20poly1305.KeySize

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// stretchSalt is fixed: the secret is shared between every server and emitter,
// so all of them must derive the same master key from it.
var stretchSalt = []byte("presence/token-secret/v1")

// ErrSealedTooShort is returned by Open when the input cannot hold a nonce and tag.
var ErrSealedTooShort = errors.New("sealed data too short")

// StretchSecret derives a master key from a deployment secret using Argon2id.
// Deployment secrets are often passphrases, hence the memory-hard derivation.
func StretchSecret(secret []byte) []byte {
	return argon2.IDKey(secret, stretchSalt, argonTime, argonMemory, argonThreads, KeyLen)
}

// DeriveSubkey derives a purpose-bound key from master via HKDF-SHA256 using purpose as info.
func DeriveSubkey(master []byte, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	key := make([]byte, KeyLen)
	_, err := r.Read(key)
	return key, err
}

// Sealer seals and opens payloads with a fixed key. Safe for concurrent use.
type Sealer struct {
	key []byte
}

// NewSealer validates key length and returns a Sealer.
func NewSealer(key []byte) (*Sealer, error) {
	if _, err := chacha20poly1305.NewX(key); err != nil {
		return nil, err
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// Seal encrypts plaintext with a random nonce; output is nonce||ciphertext||tag.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce, err := pkgcrypto.RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, aad)...)
	return out, nil
}

// Open authenticates and decrypts data produced by Seal with the same aad.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrSealedTooShort
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	ct := sealed[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}
