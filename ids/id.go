// This package defines the identifiers used throughout courier: random 16 byte key
// ids and uuid based item ids.
package ids

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"io"

	"github.com/google/uuid"
)

type ID [16]byte

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

// NewKeyID returns a random non-zero 31 bit identifier for a sender key chain.
func NewKeyID() uint32 {
	for {
		id := NewID()
		k := binary.BigEndian.Uint32(id[:4]) & 0x7fffffff
		if k != 0 {
			return k
		}
	}
}

// NewItemID returns a fresh id for a transport item.
func NewItemID() string {
	return uuid.NewString()
}

// ValidItemID reports whether s parses as an item id.
func ValidItemID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
