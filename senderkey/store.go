// Package senderkey is a database backed sender key store. Each device owns one signing chain per
// group which it distributes to the other members, and keeps a receiving chain for every
// (group, device) it has been given a distribution for.
package senderkey

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/lopezator/migrator"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/protocol"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

const maxMessageKeys = 2000

type record struct {
	GroupID     string `db:"group_id"`
	UserID      string `db:"user_id"`
	DeviceID    uint32 `db:"device_id"`
	KeyID       uint32 `db:"key_id"`
	Iteration   uint32 `db:"iteration"`
	ChainKey    []byte `db:"chain_key"`
	SigningPub  []byte `db:"signing_pub"`
	SigningPriv []byte `db:"signing_priv"`
}

type messageKey struct {
	GroupID   string `db:"group_id"`
	UserID    string `db:"user_id"`
	DeviceID  uint32 `db:"device_id"`
	KeyID     uint32 `db:"key_id"`
	Iteration uint32 `db:"iteration"`
	Key       []byte `db:"message_key"`
}

func (r *record) chain() chainKey {
	return chainKey{iteration: r.Iteration, key: r.ChainKey}
}

func (r *record) distribution() []byte {
	return (&distributionMessage{
		KeyID:      r.KeyID,
		Iteration:  r.Iteration,
		ChainKey:   r.ChainKey,
		SigningKey: r.SigningPub,
	}).marshal()
}

type Store struct {
	db         *db.Database
	log        *zap.SugaredLogger
	maxForward uint32
	randSource io.Reader
}

var _ protocol.KeyStore = (*Store)(nil)

func New(c *config.Config, d *db.Database) (*Store, error) {
	if err := d.Migrate("_senderkey", []*migrator.Migration{
		{
			Name: "Create initial tables",
			Func: db.Exec(`
				CREATE TABLE _sender_keys (
					group_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					device_id INTEGER NOT NULL,
					key_id INTEGER NOT NULL,
					iteration INTEGER NOT NULL,
					chain_key BLOB NOT NULL,
					signing_pub BLOB NOT NULL,
					signing_priv BLOB,
					PRIMARY KEY (group_id, user_id, device_id)
				);

				CREATE TABLE _sender_key_message_keys (
					group_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					device_id INTEGER NOT NULL,
					key_id INTEGER NOT NULL,
					iteration INTEGER NOT NULL,
					message_key BLOB NOT NULL,
					PRIMARY KEY (group_id, user_id, device_id, key_id, iteration)
				);`),
		},
	}); err != nil {
		return nil, fmt.Errorf("senderkey: error migrating: %w", err)
	}
	maxForward := c.MaxSenderKeyForwardJump
	if maxForward == 0 {
		maxForward = maxMessageKeys
	}
	return &Store{db: d, log: c.Logger("senderkey"), maxForward: maxForward, randSource: crypto_rand.Reader}, nil
}

func (s *Store) ContainsSenderKey(name protocol.SenderKeyName) (bool, error) {
	var found bool
	err := s.db.RunReadOnly("contains sender key", func() error {
		r, err := s.record(name)
		found = r != nil
		return err
	})
	return found, err
}

// CreateDistribution returns the distribution message for this device's chain in the group,
// creating the chain if there isn't one.
func (s *Store) CreateDistribution(name protocol.SenderKeyName) ([]byte, error) {
	var dist []byte
	err := s.db.Run("create distribution", func() error {
		r, err := s.record(name)
		if err != nil {
			return err
		}
		if r != nil {
			if r.SigningPriv == nil {
				return fmt.Errorf("senderkey: %s is a receiving chain", name)
			}
			dist = r.distribution()
			return nil
		}
		pub, priv, err := ed25519.GenerateKey(s.randSource)
		if err != nil {
			return err
		}
		ck := make([]byte, 32)
		if _, err := io.ReadFull(s.randSource, ck); err != nil {
			return err
		}
		r = &record{
			GroupID:     name.GroupID,
			UserID:      name.Sender.UserID,
			DeviceID:    name.Sender.DeviceID,
			KeyID:       ids.NewKeyID(),
			ChainKey:    ck,
			SigningPub:  pub,
			SigningPriv: priv,
		}
		s.log.Debugf("created sender key %s key_id=%d", name, r.KeyID)
		dist = r.distribution()
		return s.upsertRecord(r)
	})
	if err != nil {
		return nil, fmt.Errorf("senderkey: error creating distribution: %w", err)
	}
	return dist, nil
}

// ProcessDistribution installs a receiving chain. A distribution for the chain already held is
// ignored so a replayed distribution never rewinds it; one with a new key id replaces it.
func (s *Store) ProcessDistribution(name protocol.SenderKeyName, distribution []byte) error {
	d, err := unmarshalDistribution(distribution)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrInvalidMessage, err)
	}
	return s.db.Run("process distribution", func() error {
		r, err := s.record(name)
		if err != nil {
			return err
		}
		if r != nil && r.KeyID == d.KeyID {
			s.log.Debugf("ignoring known distribution %s key_id=%d", name, d.KeyID)
			return nil
		}
		if r != nil {
			if err := s.deleteMessageKeys(name); err != nil {
				return err
			}
		}
		return s.upsertRecord(&record{
			GroupID:    name.GroupID,
			UserID:     name.Sender.UserID,
			DeviceID:   name.Sender.DeviceID,
			KeyID:      d.KeyID,
			Iteration:  d.Iteration,
			ChainKey:   d.ChainKey,
			SigningPub: d.SigningKey,
		})
	})
}

func (s *Store) GroupEncrypt(name protocol.SenderKeyName, plaintext []byte) ([]byte, error) {
	var out []byte
	err := s.db.Run("group encrypt", func() error {
		r, err := s.record(name)
		if err != nil {
			return err
		}
		if r == nil || r.SigningPriv == nil {
			return protocol.ErrNoSenderKey
		}
		chain := r.chain()
		mk, err := chain.messageKey()
		if err != nil {
			return err
		}
		ct, err := crypto.EncryptWithKey(mk, plaintext, nil)
		if err != nil {
			return err
		}
		body := (&senderKeyMessage{KeyID: r.KeyID, Iteration: chain.iteration, Ciphertext: ct}).marshal()
		sig, err := sign(ed25519.PrivateKey(r.SigningPriv), r.SigningPub, body)
		if err != nil {
			return err
		}
		out = append(body, sig...)
		next := chain.next()
		r.Iteration, r.ChainKey = next.iteration, next.key
		return s.upsertRecord(r)
	})
	if err != nil {
		return nil, fmt.Errorf("senderkey: error encrypting for %s: %w", name, err)
	}
	return out, nil
}

func (s *Store) GroupDecrypt(name protocol.SenderKeyName, ciphertext []byte) ([]byte, error) {
	m, signed, sig, err := unmarshalSenderKeyMessage(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidMessage, err)
	}
	var plaintext []byte
	err = s.db.Run("group decrypt", func() error {
		r, err := s.record(name)
		if err != nil {
			return err
		}
		if r == nil || r.KeyID != m.KeyID {
			return protocol.ErrNoSenderKey
		}
		if !verify(r.SigningPub, signed, sig) {
			return fmt.Errorf("%w: bad signature", protocol.ErrInvalidMessage)
		}

		var key []byte
		if m.Iteration < r.Iteration {
			mk, err := s.takeMessageKey(name, m.KeyID, m.Iteration)
			if err != nil {
				return err
			}
			if mk == nil {
				return protocol.ErrDuplicateMessage
			}
			key = mk
		} else {
			if m.Iteration-r.Iteration > s.maxForward {
				return fmt.Errorf("%w: iteration %d too far ahead of %d", protocol.ErrInvalidMessage, m.Iteration, r.Iteration)
			}
			chain := r.chain()
			for chain.iteration < m.Iteration {
				skipped, err := chain.messageKey()
				if err != nil {
					return err
				}
				if err := s.insertMessageKey(&messageKey{
					GroupID:   name.GroupID,
					UserID:    name.Sender.UserID,
					DeviceID:  name.Sender.DeviceID,
					KeyID:     r.KeyID,
					Iteration: chain.iteration,
					Key:       skipped,
				}); err != nil {
					return err
				}
				chain = chain.next()
			}
			if key, err = chain.messageKey(); err != nil {
				return err
			}
			next := chain.next()
			r.Iteration, r.ChainKey = next.iteration, next.key
			if err := s.upsertRecord(r); err != nil {
				return err
			}
			if err := s.pruneMessageKeys(name); err != nil {
				return err
			}
		}

		pt, err := crypto.DecryptWithKey(key, m.Ciphertext, nil)
		if err != nil {
			return protocol.ErrBadMAC
		}
		plaintext = pt
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("senderkey: error decrypting from %s: %w", name, err)
	}
	return plaintext, nil
}

// StoreSenderKey replaces the record for name with a serialized record from LoadSenderKey.
func (s *Store) StoreSenderKey(name protocol.SenderKeyName, raw []byte) error {
	r := &record{GroupID: name.GroupID, UserID: name.Sender.UserID, DeviceID: name.Sender.DeviceID}
	if err := walk(raw, func(num protowire.Number, v uint64, bs []byte) {
		switch num {
		case 1:
			r.KeyID = uint32(v)
		case 2:
			r.Iteration = uint32(v)
		case 3:
			r.ChainKey = bs
		case 4:
			r.SigningPub = bs
		case 5:
			r.SigningPriv = bs
		}
	}); err != nil {
		return err
	}
	if len(r.ChainKey) != 32 || len(r.SigningPub) != ed25519.PublicKeySize {
		return fmt.Errorf("senderkey: %w", errMalformed)
	}
	return s.db.Run("store sender key", func() error {
		if err := s.deleteMessageKeys(name); err != nil {
			return err
		}
		return s.upsertRecord(r)
	})
}

func (s *Store) LoadSenderKey(name protocol.SenderKeyName) ([]byte, error) {
	var r *record
	if err := s.db.RunReadOnly("load sender key", func() error {
		var err error
		r, err = s.record(name)
		return err
	}); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, protocol.ErrNoSenderKey
	}
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.KeyID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Iteration))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, r.ChainKey)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, r.SigningPub)
	if r.SigningPriv != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, r.SigningPriv)
	}
	return b, nil
}

func (s *Store) record(name protocol.SenderKeyName) (*record, error) {
	r := &record{}
	if err := s.db.Tx.Get(r, "SELECT * FROM _sender_keys WHERE group_id = $1 AND user_id = $2 AND device_id = $3", name.GroupID, name.Sender.UserID, name.Sender.DeviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func (s *Store) upsertRecord(r *record) error {
	if _, err := s.db.Tx.NamedExec(`INSERT INTO _sender_keys (group_id, user_id, device_id, key_id, iteration, chain_key, signing_pub, signing_priv)
		VALUES (:group_id, :user_id, :device_id, :key_id, :iteration, :chain_key, :signing_pub, :signing_priv)
		ON CONFLICT(group_id, user_id, device_id) DO UPDATE SET key_id = :key_id, iteration = :iteration, chain_key = :chain_key, signing_pub = :signing_pub, signing_priv = :signing_priv`, r); err != nil {
		return fmt.Errorf("senderkey: error saving record: %w", err)
	}
	return nil
}

func (s *Store) insertMessageKey(mk *messageKey) error {
	_, err := s.db.Tx.NamedExec(`INSERT INTO _sender_key_message_keys (group_id, user_id, device_id, key_id, iteration, message_key)
		VALUES (:group_id, :user_id, :device_id, :key_id, :iteration, :message_key) ON CONFLICT DO NOTHING`, mk)
	return err
}

func (s *Store) takeMessageKey(name protocol.SenderKeyName, keyID, iteration uint32) ([]byte, error) {
	var key []byte
	if err := s.db.Tx.Get(&key, "SELECT message_key FROM _sender_key_message_keys WHERE group_id = $1 AND user_id = $2 AND device_id = $3 AND key_id = $4 AND iteration = $5",
		name.GroupID, name.Sender.UserID, name.Sender.DeviceID, keyID, iteration); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if _, err := s.db.Tx.Exec("DELETE FROM _sender_key_message_keys WHERE group_id = $1 AND user_id = $2 AND device_id = $3 AND key_id = $4 AND iteration = $5",
		name.GroupID, name.Sender.UserID, name.Sender.DeviceID, keyID, iteration); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Store) deleteMessageKeys(name protocol.SenderKeyName) error {
	_, err := s.db.Tx.Exec("DELETE FROM _sender_key_message_keys WHERE group_id = $1 AND user_id = $2 AND device_id = $3", name.GroupID, name.Sender.UserID, name.Sender.DeviceID)
	return err
}

func (s *Store) pruneMessageKeys(name protocol.SenderKeyName) error {
	_, err := s.db.Tx.Exec(`DELETE FROM _sender_key_message_keys WHERE group_id = $1 AND user_id = $2 AND device_id = $3 AND iteration NOT IN (
		SELECT iteration FROM _sender_key_message_keys WHERE group_id = $1 AND user_id = $2 AND device_id = $3 ORDER BY iteration DESC LIMIT $4)`,
		name.GroupID, name.Sender.UserID, name.Sender.DeviceID, maxMessageKeys)
	return err
}
