// Package crypto holds the symmetric and DH helpers shared by the sender key and
// session implementations.
package crypto

import (
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

// ErrAuthentication is returned when a ciphertext fails its MAC check.
var ErrAuthentication = errors.New("crypto: message authentication failed")

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// GenerateDH returns a fresh curve25519 key pair.
func GenerateDH() (pub, priv [32]byte, err error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return pub, priv, err
	}
	return *pubk, *privk, nil
}

// PublicFromPrivate derives the curve25519 public key for priv.
func PublicFromPrivate(priv []byte) [32]byte {
	return *scalarmult.Base(SliceToKey(priv))
}

// DH computes the shared key between a public and private curve25519 key.
func DH(pub, priv []byte) [32]byte {
	return *box.Precompute(SliceToKey(pub), SliceToKey(priv))
}

// Expand derives n bytes from secret with HKDF-SHA256.
func Expand(secret, salt []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	return out, nil
}

// EncryptWithKey seals msg under a single-use key. Keys must never be reused, the
// nonce is fixed.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypto: key is wrong length %d", len(key))
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypto: key is wrong length %d", len(key))
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	out, err := cipher.Open(nil, zeroNonce12, enc, ad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return out, nil
}
