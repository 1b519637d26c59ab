package session

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const currentVersion = 3<<4 | 3

var errMalformed = errors.New("session: malformed message")

type whisperMessage struct {
	SessionID  []byte
	DH         []byte
	N          uint32
	PN         uint32
	Ciphertext []byte
}

type preKeyMessage struct {
	IdentityKey    []byte
	BaseKey        []byte
	SignedPreKeyID uint32
	Message        []byte
}

func (m *whisperMessage) marshal() []byte {
	b := []byte{currentVersion}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.SessionID)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, m.DH)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.N))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.PN))
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Ciphertext)
	return b
}

func unmarshalWhisper(b []byte) (*whisperMessage, error) {
	m := &whisperMessage{}
	if err := walk(b, func(num protowire.Number, v uint64, bs []byte) {
		switch num {
		case 1:
			m.SessionID = bs
		case 2:
			m.DH = bs
		case 3:
			m.N = uint32(v)
		case 4:
			m.PN = uint32(v)
		case 5:
			m.Ciphertext = bs
		}
	}); err != nil {
		return nil, err
	}
	if len(m.SessionID) == 0 || len(m.DH) != 32 {
		return nil, errMalformed
	}
	return m, nil
}

func (m *preKeyMessage) marshal() []byte {
	b := []byte{currentVersion}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.IdentityKey)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, m.BaseKey)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.SignedPreKeyID))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Message)
	return b
}

func unmarshalPreKey(b []byte) (*preKeyMessage, error) {
	m := &preKeyMessage{}
	if err := walk(b, func(num protowire.Number, v uint64, bs []byte) {
		switch num {
		case 1:
			m.IdentityKey = bs
		case 2:
			m.BaseKey = bs
		case 3:
			m.SignedPreKeyID = uint32(v)
		case 4:
			m.Message = bs
		}
	}); err != nil {
		return nil, err
	}
	if len(m.IdentityKey) != 32 || len(m.BaseKey) != 32 || len(m.Message) == 0 {
		return nil, errMalformed
	}
	return m, nil
}

func walk(b []byte, f func(num protowire.Number, v uint64, bs []byte)) error {
	if len(b) < 1 || b[0] != currentVersion {
		return fmt.Errorf("%w: unknown version", errMalformed)
	}
	b = b[1:]
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			f(num, v, nil)
			b = b[n:]
		case protowire.BytesType:
			bs, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			f(num, 0, append([]byte(nil), bs...))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
