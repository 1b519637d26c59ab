package senderkey

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
)

func sign(priv ed25519.PrivateKey, pub, msg []byte) ([]byte, error) {
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), pub) {
		return nil, fmt.Errorf("senderkey: expected public key to be %x, got %x", priv.Public(), pub)
	}
	return ed25519.Sign(priv, msg), nil
}

func verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
