// Package store persists sent and received items, the decrypted plaintext cache, reactions and
// locally generated system messages in the encrypted database.
package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/lopezator/migrator"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const (
	StatusSent        = "sent"
	StatusDelivered   = "delivered"
	StatusRead        = "read"
	StatusRetryFailed = "retry_failed"
	StatusReceived    = "received"

	DirectionOutgoing = "outgoing"
	DirectionIncoming = "incoming"
	DirectionLocal    = "local"

	TypeSystem = "system"
)

var ErrNotFound = errors.New("store: not found")

// order in which outgoing statuses may advance
var statusRank = map[string]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// RetryCounts tracks how many reset-triggered resends went to each device.
type RetryCounts map[uint32]int

func (rc RetryCounts) Value() (driver.Value, error) {
	if rc == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[uint32]int(rc))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (rc *RetryCounts) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*rc = RetryCounts{}
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("store: cannot scan %T into RetryCounts", src)
	}
	m := map[uint32]int{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*rc = m
	return nil
}

type Item struct {
	ID             string      `db:"id"`
	ConversationID string      `db:"conversation_id"`
	GroupID        string      `db:"group_id"`
	SenderID       string      `db:"sender_id"`
	SenderDeviceID uint32      `db:"sender_device_id"`
	RecipientID    string      `db:"recipient_id"`
	Direction      string      `db:"direction"`
	Type           string      `db:"type"`
	Payload        []byte      `db:"payload"`
	Status         string      `db:"status"`
	RetryCounts    RetryCounts `db:"retry_counts"`
	RetryOf        string      `db:"retry_of"`
	RetryAttempt   int         `db:"retry_attempt"`
	RetryDeviceID  uint32      `db:"retry_device_id"`
	CreatedAt      int64       `db:"created_at"`
	UpdatedAt      int64       `db:"updated_at"`
}

// Decrypted is a cached plaintext for an inbound item.
type Decrypted struct {
	ItemID         string `db:"item_id"`
	Type           string `db:"type"`
	GroupID        string `db:"group_id"`
	SenderID       string `db:"sender_id"`
	SenderDeviceID uint32 `db:"sender_device_id"`
	Plaintext      []byte `db:"plaintext"`
	Dispatched     bool   `db:"dispatched"`
	CreatedAt      int64  `db:"created_at"`
}

type reaction struct {
	TargetItemID string `db:"target_item_id"`
	UserID       string `db:"user_id"`
	Emoji        string `db:"emoji"`
	UpdatedAt    int64  `db:"updated_at"`
}

type Store struct {
	db    *db.Database
	log   *zap.SugaredLogger
	clock clock.Clock

	listenerLock    sync.Mutex
	statusListeners []func(id, status string)
}

// OnStatusChange registers f to be called, once committed, for every status an item moves to.
func (s *Store) OnStatusChange(f func(id, status string)) {
	s.listenerLock.Lock()
	defer s.listenerLock.Unlock()
	s.statusListeners = append(s.statusListeners, f)
}

// statusChanged must be called inside a transaction.
func (s *Store) statusChanged(id, status string) {
	s.listenerLock.Lock()
	listeners := slices.Clone(s.statusListeners)
	s.listenerLock.Unlock()
	if len(listeners) == 0 {
		return
	}
	s.db.AfterCommit(func() {
		for _, f := range listeners {
			f(id, status)
		}
	})
}

func New(c *config.Config, d *db.Database, cl clock.Clock) (*Store, error) {
	if err := d.Migrate("_store", []*migrator.Migration{
		{
			Name: "Create initial tables",
			Func: db.Exec(`
				CREATE TABLE _items (
					id TEXT PRIMARY KEY,
					conversation_id TEXT NOT NULL,
					group_id TEXT NOT NULL DEFAULT '',
					sender_id TEXT NOT NULL,
					sender_device_id INTEGER NOT NULL,
					recipient_id TEXT NOT NULL DEFAULT '',
					direction TEXT NOT NULL,
					type TEXT NOT NULL,
					payload BLOB,
					status TEXT NOT NULL,
					retry_counts TEXT NOT NULL DEFAULT '{}',
					retry_of TEXT NOT NULL DEFAULT '',
					retry_attempt INTEGER NOT NULL DEFAULT 0,
					retry_device_id INTEGER NOT NULL DEFAULT 0,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				);
				CREATE INDEX items_conversation_id ON _items (conversation_id, created_at);

				CREATE TABLE _decrypted (
					item_id TEXT PRIMARY KEY,
					type TEXT NOT NULL,
					group_id TEXT NOT NULL DEFAULT '',
					sender_id TEXT NOT NULL,
					sender_device_id INTEGER NOT NULL,
					plaintext BLOB NOT NULL,
					dispatched INTEGER NOT NULL DEFAULT 0,
					created_at INTEGER NOT NULL
				);

				CREATE TABLE _reactions (
					target_item_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					emoji TEXT NOT NULL,
					updated_at INTEGER NOT NULL,
					PRIMARY KEY (target_item_id, user_id, emoji)
				);`),
		},
	}); err != nil {
		return nil, fmt.Errorf("store: error migrating: %w", err)
	}
	return &Store{db: d, log: c.Logger("store"), clock: cl}, nil
}

// SaveItem inserts or replaces an item.
func (s *Store) SaveItem(item *Item) error {
	now := int64(s.clock.CurrentTimeMs())
	if item.CreatedAt == 0 {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.RetryCounts == nil {
		item.RetryCounts = RetryCounts{}
	}
	return s.db.Run("save item", func() error {
		if _, err := s.db.Tx.NamedExec(`INSERT INTO _items (id, conversation_id, group_id, sender_id, sender_device_id, recipient_id, direction, type, payload, status, retry_counts, retry_of, retry_attempt, retry_device_id, created_at, updated_at)
			VALUES (:id, :conversation_id, :group_id, :sender_id, :sender_device_id, :recipient_id, :direction, :type, :payload, :status, :retry_counts, :retry_of, :retry_attempt, :retry_device_id, :created_at, :updated_at)
			ON CONFLICT(id) DO UPDATE SET payload = :payload, status = :status, retry_counts = :retry_counts, updated_at = :updated_at`, item); err != nil {
			return fmt.Errorf("store: error saving item %s: %w", item.ID, err)
		}
		return nil
	})
}

func (s *Store) Item(id string) (*Item, error) {
	item := &Item{}
	if err := s.db.RunReadOnly("get item", func() error {
		return s.db.Tx.Get(item, "SELECT * FROM _items WHERE id = $1", id)
	}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: error getting item %s: %w", id, err)
	}
	return item, nil
}

// Items returns the items of a conversation in insertion order.
func (s *Store) Items(conversationID string) ([]*Item, error) {
	var items []*Item
	if err := s.db.RunReadOnly("get items", func() error {
		return s.db.Tx.Select(&items, "SELECT * FROM _items WHERE conversation_id = $1 ORDER BY created_at, rowid", conversationID)
	}); err != nil {
		return nil, fmt.Errorf("store: error getting items for %s: %w", conversationID, err)
	}
	return items, nil
}

func (s *Store) UpdateStatus(id, status string) error {
	return s.db.Run("update status", func() error {
		res, err := s.db.Tx.Exec("UPDATE _items SET status = $1, updated_at = $2 WHERE id = $3", status, s.clock.CurrentTimeMs(), id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}
		s.statusChanged(id, status)
		return nil
	})
}

// AdvanceStatus moves an outgoing item along sent, delivered, read. Moves backwards and moves out
// of retry_failed are ignored. It reports whether the status changed.
func (s *Store) AdvanceStatus(id, status string) (bool, error) {
	changed := false
	err := s.db.Run("advance status", func() error {
		var current string
		if err := s.db.Tx.Get(&current, "SELECT status FROM _items WHERE id = $1", id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		from, ok := statusRank[current]
		if !ok || statusRank[status] <= from {
			return nil
		}
		if _, err := s.db.Tx.Exec("UPDATE _items SET status = $1, updated_at = $2 WHERE id = $3", status, s.clock.CurrentTimeMs(), id); err != nil {
			return err
		}
		changed = true
		s.statusChanged(id, status)
		return nil
	})
	return changed, err
}

// BumpRetryCount increments the retry counter for deviceID on an item and returns the new value.
func (s *Store) BumpRetryCount(id string, deviceID uint32) (int, error) {
	var count int
	err := s.db.Run("bump retry count", func() error {
		item := &Item{}
		if err := s.db.Tx.Get(item, "SELECT * FROM _items WHERE id = $1", id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		item.RetryCounts[deviceID]++
		count = item.RetryCounts[deviceID]
		_, err := s.db.Tx.Exec("UPDATE _items SET retry_counts = $1, updated_at = $2 WHERE id = $3", item.RetryCounts, s.clock.CurrentTimeMs(), id)
		return err
	})
	return count, err
}

// AddSystemMessage stores a locally generated notice in a conversation.
func (s *Store) AddSystemMessage(conversationID, body string) (*Item, error) {
	item := &Item{
		ID:             ids.NewItemID(),
		ConversationID: conversationID,
		Direction:      DirectionLocal,
		Type:           TypeSystem,
		Payload:        []byte(body),
		Status:         StatusReceived,
	}
	if err := s.SaveItem(item); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Store) CachedPlaintext(itemID string) (*Decrypted, error) {
	d := &Decrypted{}
	if err := s.db.RunReadOnly("get plaintext", func() error {
		return s.db.Tx.Get(d, "SELECT * FROM _decrypted WHERE item_id = $1", itemID)
	}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: error getting plaintext %s: %w", itemID, err)
	}
	return d, nil
}

// CachePlaintext stores a decrypted plaintext. An existing entry for the item is kept.
func (s *Store) CachePlaintext(d *Decrypted) error {
	if d.CreatedAt == 0 {
		d.CreatedAt = int64(s.clock.CurrentTimeMs())
	}
	return s.db.Run("cache plaintext", func() error {
		if _, err := s.db.Tx.NamedExec(`INSERT INTO _decrypted (item_id, type, group_id, sender_id, sender_device_id, plaintext, dispatched, created_at)
			VALUES (:item_id, :type, :group_id, :sender_id, :sender_device_id, :plaintext, :dispatched, :created_at) ON CONFLICT(item_id) DO NOTHING`, d); err != nil {
			return fmt.Errorf("store: error caching plaintext %s: %w", d.ItemID, err)
		}
		return nil
	})
}

// MarkDispatched flags a cached plaintext as dispatched. It returns false when the item was
// already dispatched or was never cached.
func (s *Store) MarkDispatched(itemID string) (bool, error) {
	var changed bool
	err := s.db.Run("mark dispatched", func() error {
		res, err := s.db.Tx.Exec("UPDATE _decrypted SET dispatched = 1 WHERE item_id = $1 AND dispatched = 0", itemID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		changed = n == 1
		return err
	})
	return changed, err
}

// ApplyReaction adds or removes a user's emoji on an item and returns the resulting aggregate,
// emoji to the sorted ids of users who reacted with it.
func (s *Store) ApplyReaction(targetItemID, userID, emoji string, remove bool) (map[string][]string, error) {
	agg := map[string][]string{}
	err := s.db.Run("apply reaction", func() error {
		if remove {
			if _, err := s.db.Tx.Exec("DELETE FROM _reactions WHERE target_item_id = $1 AND user_id = $2 AND emoji = $3", targetItemID, userID, emoji); err != nil {
				return err
			}
		} else if _, err := s.db.Tx.NamedExec(`INSERT INTO _reactions (target_item_id, user_id, emoji, updated_at) VALUES (:target_item_id, :user_id, :emoji, :updated_at)
			ON CONFLICT(target_item_id, user_id, emoji) DO UPDATE SET updated_at = :updated_at`, &reaction{
			TargetItemID: targetItemID,
			UserID:       userID,
			Emoji:        emoji,
			UpdatedAt:    int64(s.clock.CurrentTimeMs()),
		}); err != nil {
			return err
		}

		var rs []*reaction
		if err := s.db.Tx.Select(&rs, "SELECT * FROM _reactions WHERE target_item_id = $1", targetItemID); err != nil {
			return err
		}
		for _, r := range rs {
			agg[r.Emoji] = append(agg[r.Emoji], r.UserID)
		}
		for _, users := range agg {
			slices.Sort(users)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: error applying reaction to %s: %w", targetItemID, err)
	}
	return agg, nil
}
