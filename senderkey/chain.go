package senderkey

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/meow-io/go-courier/crypto"
)

var (
	messageKeySeed = []byte{0x01}
	chainKeySeed   = []byte{0x02}
)

type chainKey struct {
	iteration uint32
	key       []byte
}

func (c chainKey) derive(seed []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(seed)
	return mac.Sum(nil)
}

func (c chainKey) next() chainKey {
	return chainKey{iteration: c.iteration + 1, key: c.derive(chainKeySeed)}
}

// messageKey returns the single use key for this iteration.
func (c chainKey) messageKey() ([]byte, error) {
	return crypto.Expand(c.derive(messageKeySeed), nil, "courier sender key", 32)
}
