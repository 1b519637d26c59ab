package session

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/meow-io/go-courier/api"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/ids"
)

const agreementInfo = "courier x3dh"

func newIdentity() (*identity, error) {
	idPub, idPriv, err := crypto.GenerateDH()
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	spkPub, spkPriv, err := crypto.GenerateDH()
	if err != nil {
		return nil, err
	}
	return &identity{
		IdentityPub:           idPub[:],
		IdentityPriv:          idPriv[:],
		SigningPub:            signPub,
		SigningPriv:           signPriv,
		SignedPreKeyID:        ids.NewKeyID(),
		SignedPreKeyPub:       spkPub[:],
		SignedPreKeyPriv:      spkPriv[:],
		SignedPreKeySignature: ed25519.Sign(signPriv, spkPub[:]),
	}, nil
}

func (i *identity) bundle(userID string, deviceID uint32) *api.Bundle {
	return &api.Bundle{
		UserID:                userID,
		DeviceID:              deviceID,
		IdentityKey:           i.IdentityPub,
		SigningKey:            i.SigningPub,
		SignedPreKeyID:        i.SignedPreKeyID,
		SignedPreKey:          i.SignedPreKeyPub,
		SignedPreKeySignature: i.SignedPreKeySignature,
	}
}

func verifyBundle(b *api.Bundle) error {
	if len(b.IdentityKey) != 32 || len(b.SignedPreKey) != 32 || len(b.SigningKey) != ed25519.PublicKeySize {
		return fmt.Errorf("session: bundle for %s.%d has bad key lengths", b.UserID, b.DeviceID)
	}
	if !ed25519.Verify(b.SigningKey, b.SignedPreKey, b.SignedPreKeySignature) {
		return fmt.Errorf("session: bundle for %s.%d has a bad signed prekey signature", b.UserID, b.DeviceID)
	}
	return nil
}

// initiatorSecret agrees a root key with a remote bundle from a fresh base key.
func initiatorSecret(self *identity, b *api.Bundle, basePriv []byte) ([]byte, error) {
	dh1 := crypto.DH(b.SignedPreKey, self.IdentityPriv)
	dh2 := crypto.DH(b.IdentityKey, basePriv)
	dh3 := crypto.DH(b.SignedPreKey, basePriv)
	return crypto.Expand(concat(dh1[:], dh2[:], dh3[:]), nil, agreementInfo, 32)
}

// responderSecret mirrors initiatorSecret from the receiving side.
func responderSecret(self *identity, remoteIdentity, baseKey []byte) ([]byte, error) {
	dh1 := crypto.DH(remoteIdentity, self.SignedPreKeyPriv)
	dh2 := crypto.DH(baseKey, self.IdentityPriv)
	dh3 := crypto.DH(baseKey, self.SignedPreKeyPriv)
	return crypto.Expand(concat(dh1[:], dh2[:], dh3[:]), nil, agreementInfo, 32)
}

func sessionID(baseKey []byte) []byte {
	sum := sha256.Sum256(baseKey)
	return sum[:]
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
