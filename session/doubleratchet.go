package session

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/crypto"
	"github.com/status-im/doubleratchet"
)

type dhPair struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPair) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPair) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

func newDHPair(priv []byte) dhPair {
	return dhPair{privateKey: [32]byte(priv), publicKey: crypto.PublicFromPrivate(priv)}
}

type ratchetStorage struct {
	db *database
}

func (db *database) loadRatchet(id []byte) (doubleratchet.Session, error) {
	return doubleratchet.Load(id, &ratchetStorage{db: db}, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(ratchetKeys{sessionID: id, db: db}))
}

// newInitiatorRatchet starts a ratchet toward the remote signed prekey.
func (db *database) newInitiatorRatchet(id, secret, remoteKey []byte) error {
	_, err := doubleratchet.NewWithRemoteKey(id, secret, remoteKey, &ratchetStorage{db: db}, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(ratchetKeys{sessionID: id, db: db}))
	return err
}

// newResponderRatchet starts a ratchet from our own signed prekey pair.
func (db *database) newResponderRatchet(id, secret []byte, pair dhPair) error {
	_, err := doubleratchet.New(id, secret, pair, &ratchetStorage{db: db}, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(ratchetKeys{sessionID: id, db: db}))
	return err
}

func (rs *ratchetStorage) Load(id []byte) (*doubleratchet.State, error) {
	s, err := rs.db.doubleratchetState(id)
	if err != nil {
		return nil, err
	}

	drc := &ratchetCrypto{}

	return &doubleratchet.State{
		Crypto: drc,
		DHr:    s.Dhr,
		DHs:    dhPair{privateKey: [32]byte(s.DhsPriv), publicKey: [32]byte(s.DhsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                ratchetKeys{sessionID: id, db: rs.db},
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (rs *ratchetStorage) Save(id []byte, state *doubleratchet.State) error {
	return rs.db.upsertDoubleratchetState(&doubleratchetState{
		ID:                       id,
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	})
}

// ratchetCrypto uses chacha20poly1305 for message keys and nacl for DH.
type ratchetCrypto struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *ratchetCrypto) GenerateDH() (doubleratchet.DHPair, error) {
	pub, priv, err := crypto.GenerateDH()
	if err != nil {
		return nil, err
	}
	return dhPair{privateKey: priv, publicKey: pub}, nil
}

func (c *ratchetCrypto) DH(pair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	out := crypto.DH(dhPub, pair.PrivateKey())
	return out[:], nil
}

func (c *ratchetCrypto) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *ratchetCrypto) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *ratchetCrypto) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *ratchetCrypto) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

type ratchetKeys struct {
	sessionID []byte
	db        *database
}

func (rk ratchetKeys) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	kr, ok, err := rk.db.keyByMsgNum(rk.sessionID, k, msgNum)
	if !ok || err != nil {
		return doubleratchet.Key{}, ok, err
	}
	return kr.MessageKey, ok, err
}

func (rk ratchetKeys) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if err := rk.checkSession(sessionID); err != nil {
		return err
	}
	return rk.db.upsertKeyByMsgNum(sessionID, k, msgNum, mk, keySeqNum)
}

func (rk ratchetKeys) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	return rk.db.deleteKeyByMsgNum(rk.sessionID, k, msgNum)
}

func (rk ratchetKeys) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if err := rk.checkSession(sessionID); err != nil {
		return err
	}
	return rk.db.deleteOldMks(sessionID, deleteUntilSeqKey)
}

func (rk ratchetKeys) TruncateMks(sessionID []byte, maxKeys int) error {
	if err := rk.checkSession(sessionID); err != nil {
		return err
	}
	return rk.db.truncateMks(sessionID, maxKeys)
}

func (rk ratchetKeys) Count(k doubleratchet.Key) (uint, error) {
	return rk.db.countKeys(k)
}

func (rk ratchetKeys) All() (map[string]map[uint]doubleratchet.Key, error) {
	return nil, errors.New("not implemented")
}

func (rk ratchetKeys) checkSession(sessionID []byte) error {
	if !bytes.Equal(sessionID, rk.sessionID) {
		return fmt.Errorf("session: expected %x to equal %x", sessionID, rk.sessionID)
	}
	return nil
}
