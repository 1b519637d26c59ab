package senderkey

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	currentVersion = 3<<4 | 3
	signatureSize  = 64
)

var errMalformed = errors.New("senderkey: malformed message")

type distributionMessage struct {
	KeyID      uint32
	Iteration  uint32
	ChainKey   []byte
	SigningKey []byte
}

type senderKeyMessage struct {
	KeyID      uint32
	Iteration  uint32
	Ciphertext []byte
}

func (d *distributionMessage) marshal() []byte {
	b := []byte{currentVersion}
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.KeyID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Iteration))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, d.ChainKey)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, d.SigningKey)
	return b
}

func unmarshalDistribution(b []byte) (*distributionMessage, error) {
	if len(b) < 1 || b[0] != currentVersion {
		return nil, fmt.Errorf("%w: unknown distribution version", errMalformed)
	}
	d := &distributionMessage{}
	if err := walk(b[1:], func(num protowire.Number, v uint64, bs []byte) {
		switch num {
		case 1:
			d.KeyID = uint32(v)
		case 2:
			d.Iteration = uint32(v)
		case 3:
			d.ChainKey = bs
		case 4:
			d.SigningKey = bs
		}
	}); err != nil {
		return nil, err
	}
	if len(d.ChainKey) != 32 || len(d.SigningKey) != 32 {
		return nil, fmt.Errorf("%w: bad key length", errMalformed)
	}
	return d, nil
}

// marshal returns the signed portion of a sender key message.
func (m *senderKeyMessage) marshal() []byte {
	b := []byte{currentVersion}
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.KeyID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Iteration))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Ciphertext)
	return b
}

// unmarshalSenderKeyMessage splits a serialized message into its body, the bytes covered by the
// signature, and the signature itself.
func unmarshalSenderKeyMessage(b []byte) (*senderKeyMessage, []byte, []byte, error) {
	if len(b) < 1+signatureSize || b[0] != currentVersion {
		return nil, nil, nil, errMalformed
	}
	signed, sig := b[:len(b)-signatureSize], b[len(b)-signatureSize:]
	m := &senderKeyMessage{}
	if err := walk(signed[1:], func(num protowire.Number, v uint64, bs []byte) {
		switch num {
		case 1:
			m.KeyID = uint32(v)
		case 2:
			m.Iteration = uint32(v)
		case 3:
			m.Ciphertext = bs
		}
	}); err != nil {
		return nil, nil, nil, err
	}
	return m, signed, sig, nil
}

func walk(b []byte, f func(num protowire.Number, v uint64, bs []byte)) error {
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
