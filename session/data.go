package session

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lopezator/migrator"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/protocol"
	"github.com/status-im/doubleratchet"
)

type identity struct {
	ID                    int    `db:"id"`
	IdentityPub           []byte `db:"identity_pub"`
	IdentityPriv          []byte `db:"identity_priv"`
	SigningPub            []byte `db:"signing_pub"`
	SigningPriv           []byte `db:"signing_priv"`
	SignedPreKeyID        uint32 `db:"spk_id"`
	SignedPreKeyPub       []byte `db:"spk_pub"`
	SignedPreKeyPriv      []byte `db:"spk_priv"`
	SignedPreKeySignature []byte `db:"spk_sig"`
}

type session struct {
	ID             []byte `db:"id"`
	UserID         string `db:"user_id"`
	DeviceID       uint32 `db:"device_id"`
	RemoteIdentity []byte `db:"remote_identity"`
	PendingBaseKey []byte `db:"pending_base_key"`
	PendingSPKID   uint32 `db:"pending_spk_id"`
	CreatedAt      int64  `db:"created_at"`
}

func (s *session) address() protocol.DeviceAddress {
	return protocol.NewDeviceAddress(s.UserID, s.DeviceID)
}

type doubleratchetKey struct {
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
}

type doubleratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	if err := internalDB.Migrate("_session", []*migrator.Migration{
		{
			Name: "Create initial tables",
			Func: db.Exec(`
				CREATE TABLE _identity (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					identity_pub BLOB NOT NULL,
					identity_priv BLOB NOT NULL,
					signing_pub BLOB NOT NULL,
					signing_priv BLOB NOT NULL,
					spk_id INTEGER NOT NULL,
					spk_pub BLOB NOT NULL,
					spk_priv BLOB NOT NULL,
					spk_sig BLOB NOT NULL
				);

				CREATE TABLE _sessions (
					id BLOB PRIMARY KEY,
					user_id TEXT NOT NULL,
					device_id INTEGER NOT NULL,
					remote_identity BLOB NOT NULL,
					pending_base_key BLOB,
					pending_spk_id INTEGER NOT NULL DEFAULT 0,
					created_at INTEGER NOT NULL
				);
				CREATE INDEX sessions_address ON _sessions (user_id, device_id);

				CREATE TABLE _doubleratchet_keys (
					pub_key BLOB NOT NULL,
					message_key BLOB NOT NULL,
					msg_num INTEGER NOT NULL,
					session_id BLOB NOT NULL,
					seq_num INTEGER NOT NULL
				);
				CREATE UNIQUE INDEX doubleratchet_keys_pubkey_msg_num on _doubleratchet_keys (pub_key, msg_num);
				CREATE UNIQUE INDEX doubleratchet_keys_session_id_seq_num on _doubleratchet_keys (session_id, seq_num);

				CREATE TABLE _doubleratchet_states (
					id BLOB NOT NULL PRIMARY KEY,
					dhr BLOB,
					dhs_pub BLOB NOT NULL,
					dhs_priv BLOB NOT NULL,
					root_ch_key BLOB NOT NULL,
					send_ch_key BLOB,
					send_ch_count INTEGER NOT NULL,
					recv_ch_key BLOB,
					recv_ch_count INTEGER NOT NULL,
					pn INTEGER NOT NULL,
					max_skip INTEGER NOT NULL,
					hkr BLOB,
					nhkr BLOB,
					hks BLOB,
					nhks BLOB,
					max_keep INTEGER NOT NULL,
					mmk_per_session INTEGER NOT NULL,
					step INTEGER NOT NULL,
					keys_count INTEGER NOT NULL
				);

				CREATE TABLE _received (
					digest BLOB PRIMARY KEY,
					created_at INTEGER NOT NULL
				);
				CREATE INDEX received_created_at ON _received (created_at);`),
		},
	}); err != nil {
		return nil, fmt.Errorf("session: error migrating: %w", err)
	}
	return &database{internalDB}, nil
}

func (db *database) identity() (*identity, error) {
	i := &identity{}
	if err := db.Tx.Get(i, "SELECT * FROM _identity WHERE id = 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: error getting identity: %w", err)
	}
	return i, nil
}

func (db *database) insertIdentity(i *identity) error {
	i.ID = 1
	if _, err := db.Tx.NamedExec("INSERT INTO _identity (id, identity_pub, identity_priv, signing_pub, signing_priv, spk_id, spk_pub, spk_priv, spk_sig) VALUES (:id, :identity_pub, :identity_priv, :signing_pub, :signing_priv, :spk_id, :spk_pub, :spk_priv, :spk_sig)", i); err != nil {
		return fmt.Errorf("session: error inserting identity: %w", err)
	}
	return nil
}

func (db *database) session(id []byte) (*session, error) {
	s := &session{}
	if err := db.Tx.Get(s, "SELECT * FROM _sessions WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: error getting session: %w", err)
	}
	return s, nil
}

// currentSession is the most recently created session for an address.
func (db *database) currentSession(addr protocol.DeviceAddress) (*session, error) {
	s := &session{}
	if err := db.Tx.Get(s, "SELECT * FROM _sessions WHERE user_id = $1 AND device_id = $2 ORDER BY created_at DESC, rowid DESC LIMIT 1", addr.UserID, addr.DeviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: error getting session for %s: %w", addr, err)
	}
	return s, nil
}

func (db *database) sessionDeviceIDs(userID string) ([]uint32, error) {
	var deviceIDs []uint32
	if err := db.Tx.Select(&deviceIDs, "SELECT DISTINCT device_id FROM _sessions WHERE user_id = $1 ORDER BY device_id", userID); err != nil {
		return nil, fmt.Errorf("session: error listing devices for %s: %w", userID, err)
	}
	return deviceIDs, nil
}

func (db *database) insertSession(s *session) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _sessions (id, user_id, device_id, remote_identity, pending_base_key, pending_spk_id, created_at) VALUES (:id, :user_id, :device_id, :remote_identity, :pending_base_key, :pending_spk_id, :created_at)", s); err != nil {
		return fmt.Errorf("session: error inserting session: %w", err)
	}
	return nil
}

func (db *database) clearPendingBaseKey(id []byte) error {
	if _, err := db.Tx.Exec("UPDATE _sessions SET pending_base_key = NULL, pending_spk_id = 0 WHERE id = $1", id); err != nil {
		return fmt.Errorf("session: error clearing prekey: %w", err)
	}
	return nil
}

func (db *database) deleteSessions(addr protocol.DeviceAddress) (int64, error) {
	var sessionIDs [][]byte
	if err := db.Tx.Select(&sessionIDs, "SELECT id FROM _sessions WHERE user_id = $1 AND device_id = $2", addr.UserID, addr.DeviceID); err != nil {
		return 0, err
	}
	for _, id := range sessionIDs {
		if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = $1", id); err != nil {
			return 0, err
		}
		if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_states WHERE id = $1", id); err != nil {
			return 0, err
		}
		if _, err := db.Tx.Exec("DELETE FROM _sessions WHERE id = $1", id); err != nil {
			return 0, err
		}
	}
	return int64(len(sessionIDs)), nil
}

func (db *database) received(digest []byte) (bool, error) {
	var count int
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _received WHERE digest = $1", digest); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *database) insertReceived(digest []byte, now int64) error {
	_, err := db.Tx.Exec("INSERT INTO _received (digest, created_at) VALUES ($1, $2) ON CONFLICT DO NOTHING", digest, now)
	return err
}

func (db *database) pruneReceived(before int64) error {
	_, err := db.Tx.Exec("DELETE FROM _received WHERE created_at < $1", before)
	return err
}

func (db *database) doubleratchetState(id []byte) (*doubleratchetState, error) {
	s := &doubleratchetState{}
	if err := db.Tx.Get(s, "select * from _doubleratchet_states where id = $1", id); err != nil {
		return nil, fmt.Errorf("session: error getting doubleratchet_state: %w", err)
	}
	return s, nil
}

func (db *database) upsertDoubleratchetState(s *doubleratchetState) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _doubleratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count) VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count) on CONFLICT(id) DO UPDATE SET dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key, send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr, hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session, step = :step, keys_count = :keys_count", s); err != nil {
		return fmt.Errorf("session: error upserting doubleratchet_state: %w", err)
	}
	return nil
}

func (db *database) keyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) (*doubleratchetKey, bool, error) {
	kr := &doubleratchetKey{}
	if err := db.Tx.Get(kr, "SELECT * FROM _doubleratchet_keys WHERE pub_key = ? and msg_num = ? and session_id = ?", k, msgNum, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return kr, true, nil
}

func (db *database) upsertKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if _, err := db.Tx.Exec("INSERT INTO _doubleratchet_keys (pub_key, message_key, msg_num, session_id, seq_num) VALUES (?, ?, ?, ?, ?)", k, mk, msgNum, sessionID, keySeqNum); err != nil {
		return fmt.Errorf("session: error upserting key by msgnum: %w", err)
	}
	return nil
}

func (db *database) deleteKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE pub_key = ? and msg_num = ? and session_id = ?", k, msgNum, sessionID); err != nil {
		return fmt.Errorf("session: error deleting key by msgnum: %w", err)
	}
	return nil
}

func (db *database) deleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = ? and seq_num < ?", sessionID, deleteUntilSeqKey); err != nil {
		return fmt.Errorf("session: error deleting old keys: %w", err)
	}
	return nil
}

func (db *database) truncateMks(sessionID []byte, maxKeys int) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys where session_id = ? and seq_num not in (select seq_num from _doubleratchet_keys where session_id = ? ORDER BY seq_num DESC LIMIT ?)", sessionID, sessionID, maxKeys); err != nil {
		return fmt.Errorf("session: error truncating keys: %w", err)
	}
	return nil
}

func (db *database) countKeys(k doubleratchet.Key) (uint, error) {
	var count uint
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _doubleratchet_keys WHERE pub_key = ?", k); err != nil {
		return 0, fmt.Errorf("session: error counting keys: %w", err)
	}
	return count, nil
}
