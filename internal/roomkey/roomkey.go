// Package roomkey derives and applies the symmetric key gating a
// collaboration room. Key bytes exist only in memory; when a password is
// used, the salt is the only artifact that may be persisted alongside
// note metadata. The relay only ever sees Seal output.
package roomkey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the byte length of every room key.
	KeySize = 32
	// SaltSize is the byte length of generated derivation salts.
	SaltSize = 16

	// kdfIterations is fixed: changing it silently re-keys every
	// password-protected note.
	kdfIterations = 310_000

	sealedVersion  byte = 0x01
	sealedOverhead      = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

var (
	ErrDecrypt      = errors.New("decryption failed")
	ErrKeyDestroyed = errors.New("key destroyed")
)

// Key is a symmetric room key. Zero wipes it; a wiped key refuses all
// further use.
type Key struct {
	k []byte
}

// DeriveKey computes the room key for a password. A nil salt generates a
// fresh one. The same (password, salt) pair always yields the same key;
// the returned salt is what callers persist — never the key.
func DeriveKey(password string, salt []byte) (*Key, []byte, error) {
	if password == "" {
		return nil, nil, errors.New("empty password")
	}
	if salt == nil {
		salt = make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, fmt.Errorf("generate salt: %w", err)
		}
	}
	derived := pbkdf2.Key([]byte(password), salt, kdfIterations, KeySize, sha256.New)
	return &Key{k: derived}, salt, nil
}

// NewRandomKey returns a key for rooms shared by locator fragment rather
// than password. It is distributed out of band, embedded in the fragment
// part of a share link, and never transits the relay.
func NewRandomKey() (*Key, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Key{k: k}, nil
}

// FromBytes adopts an existing key, copying it. Used when a share-link
// fragment is parsed back into a key.
func FromBytes(b []byte) (*Key, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(b))
	}
	k := make([]byte, KeySize)
	copy(k, b)
	return &Key{k: k}, nil
}

// Bytes returns a copy of the key material, for embedding in a locator
// fragment.
func (k *Key) Bytes() []byte {
	out := make([]byte, len(k.k))
	copy(out, k.k)
	return out
}

// Zero wipes the key material. Idempotent.
func (k *Key) Zero() {
	for i := range k.k {
		k.k[i] = 0
	}
	k.k = nil
}

// Seal encrypts plaintext as [version][24-byte nonce][ciphertext+tag],
// authenticating the version byte.
func (k *Key) Seal(plaintext []byte) ([]byte, error) {
	if len(k.k) != KeySize {
		return nil, ErrKeyDestroyed
	}
	aead, err := chacha20poly1305.NewX(k.k)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	out[0] = sealedVersion
	if _, err := rand.Read(out[1 : 1+chacha20poly1305.NonceSizeX]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(out, out[1:1+chacha20poly1305.NonceSizeX], plaintext, []byte{sealedVersion}), nil
}

// Open decrypts a sealed blob. Any failure returns ErrDecrypt with no
// partial plaintext; the blob is untouched, so a corrected key can retry.
func (k *Key) Open(sealed []byte) ([]byte, error) {
	if len(k.k) != KeySize {
		return nil, ErrKeyDestroyed
	}
	if len(sealed) < sealedOverhead || sealed[0] != sealedVersion {
		return nil, ErrDecrypt
	}
	aead, err := chacha20poly1305.NewX(k.k)
	if err != nil {
		return nil, err
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], []byte{sealedVersion})
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncodeSalt renders a salt for storage in note metadata.
func EncodeSalt(salt []byte) string {
	return base64.StdEncoding.EncodeToString(salt)
}

// DecodeSalt parses a salt stored in note metadata.
func DecodeSalt(s string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("malformed salt: %w", err)
	}
	return salt, nil
}
