// Package messaging orchestrates group sender keys and the receive pipeline on top of a key
// store, a session provider and the server transport.
package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meow-io/go-courier/api"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/protocol"
	"github.com/meow-io/go-courier/realtime"
	"github.com/meow-io/go-courier/store"
	"go.uber.org/zap"
)

var (
	ErrKeyCreationFailed        = errors.New("messaging: sender key missing after creation")
	ErrTotalDistributionFailure = errors.New("messaging: sender key distribution failed for every device")
	ErrMembershipFetch          = errors.New("messaging: could not fetch group members")
	ErrNoDeliverableDevices     = errors.New("messaging: no device could be encrypted for")
	ErrRetryLimitExceeded       = errors.New("messaging: retry limit exceeded")
)

// Transport is the server side: HTTP calls for membership and distribution and socket emits
// for items.
type Transport interface {
	Members(ctx context.Context, groupID string) ([]api.Member, error)
	DistributeSenderKey(ctx context.Context, d *api.Distribution) error
	SendItem(ctx context.Context, item *realtime.Item) error
	SendGroupItem(ctx context.Context, item *realtime.GroupItem) error
	RequestSenderKey(ctx context.Context, r *realtime.KeyRequest) error
	DeleteItem(ctx context.Context, itemID string) error
	MarkGroupItemAsRead(ctx context.Context, groupID, itemID string) error
}

// Envelope is an inbound item as delivered by the server. GroupID is empty for 1:1 items.
// ConversationID is only set on copies our own other devices sent to their peers.
type Envelope struct {
	ItemID         string
	GroupID        string
	ConversationID string
	SenderID       string
	SenderDeviceID uint32
	Type           string
	CipherType     protocol.CiphertextType
	Body           []byte
}

func (e *Envelope) sender() protocol.DeviceAddress {
	return protocol.NewDeviceAddress(e.SenderID, e.SenderDeviceID)
}

func (e *Envelope) conversationID() string {
	if e.GroupID != "" {
		return e.GroupID
	}
	if e.ConversationID != "" {
		return e.ConversationID
	}
	return e.SenderID
}

type UpdateChannel chan interface{}

type NewMessage struct {
	ItemID         string
	GroupID        string
	SenderID       string
	SenderDeviceID uint32
	Type           string
	Plaintext      []byte
}

type ReactionUpdate struct {
	TargetItemID string
	Reactions    map[string][]string
}

type DecryptionFailure struct {
	Sender    protocol.DeviceAddress
	ItemID    string
	Reason    string
	Recovered bool
}

type StatusUpdate struct {
	ItemID string
	Status string
}

type SystemMessage struct {
	ConversationID string
	ItemID         string
	Body           string
}

type KeyRequestReceived struct {
	GroupID string
	From    protocol.DeviceAddress
}

type KeyResponseReceived struct {
	GroupID string
	From    protocol.DeviceAddress
}

type (
	MessageCallback func(*NewMessage)
	FailureCallback func(sender protocol.DeviceAddress, reason string)
)

type callbacks struct {
	lock     sync.Mutex
	byType   map[string][]MessageCallback
	bySender map[string][]MessageCallback
	byGroup  map[string][]MessageCallback
	failure  []FailureCallback
}

type Manager struct {
	config    *config.Config
	log       *zap.SugaredLogger
	clock     clock.Clock
	self      protocol.DeviceAddress
	keys      protocol.KeyStore
	sessions  protocol.SessionProvider
	transport Transport
	store     *store.Store
	runtime   *Runtime
	callbacks *callbacks
	updates   UpdateChannel

	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewManager(c *config.Config, cl clock.Clock, self protocol.DeviceAddress, keys protocol.KeyStore, sessions protocol.SessionProvider, t Transport, s *store.Store) *Manager {
	m := &Manager{
		config:    c,
		log:       c.Logger("messaging/manager"),
		clock:     cl,
		self:      self,
		keys:      keys,
		sessions:  sessions,
		transport: t,
		store:     s,
		runtime:   newRuntime(cl, time.Duration(c.DedupWindowMs)*time.Millisecond),
		callbacks: &callbacks{
			byType:   make(map[string][]MessageCallback),
			bySender: make(map[string][]MessageCallback),
			byGroup:  make(map[string][]MessageCallback),
		},
		updates: make(UpdateChannel, 100),
	}
	s.OnStatusChange(func(id, status string) {
		m.emit(&StatusUpdate{ItemID: id, Status: status})
	})
	return m
}

// Start runs the periodic sweep re-requesting keys for queued messages.
func (m *Manager) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc
	m.startPendingRetry(ctx)
	return nil
}

func (m *Manager) Shutdown() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.finished.Wait()
	}
	m.runtime.reset()
	return nil
}

func (m *Manager) Updates() UpdateChannel {
	return m.updates
}

func (m *Manager) Self() protocol.DeviceAddress {
	return m.self
}

func (m *Manager) GroupKeyState(groupID string) GroupKeyState {
	return m.runtime.keyState(groupID)
}

func (m *Manager) OnType(t string, cb MessageCallback) {
	m.callbacks.lock.Lock()
	defer m.callbacks.lock.Unlock()
	m.callbacks.byType[t] = append(m.callbacks.byType[t], cb)
}

func (m *Manager) OnSender(userID string, cb MessageCallback) {
	m.callbacks.lock.Lock()
	defer m.callbacks.lock.Unlock()
	m.callbacks.bySender[userID] = append(m.callbacks.bySender[userID], cb)
}

func (m *Manager) OnGroup(groupID string, cb MessageCallback) {
	m.callbacks.lock.Lock()
	defer m.callbacks.lock.Unlock()
	m.callbacks.byGroup[groupID] = append(m.callbacks.byGroup[groupID], cb)
}

func (m *Manager) OnDecryptionFailure(cb FailureCallback) {
	m.callbacks.lock.Lock()
	defer m.callbacks.lock.Unlock()
	m.callbacks.failure = append(m.callbacks.failure, cb)
}

func (m *Manager) MarkGroupItemAsRead(ctx context.Context, groupID, itemID string) error {
	return m.transport.MarkGroupItemAsRead(ctx, groupID, itemID)
}

// emit never blocks; updates are dropped when nobody is reading.
func (m *Manager) emit(u interface{}) {
	select {
	case m.updates <- u:
	default:
		m.log.Warnf("update channel full, dropping %T", u)
	}
}

func (m *Manager) ownKeyName(groupID string) protocol.SenderKeyName {
	return protocol.NewSenderKeyName(groupID, m.self)
}

func (m *Manager) deleteEnvelope(ctx context.Context, env *Envelope) {
	if err := m.transport.DeleteItem(ctx, env.ItemID); err != nil {
		m.log.Warnf("error deleting item %s: %v", env.ItemID, err)
	}
}

func (m *Manager) addSystemMessage(conversationID, body string) {
	item, err := m.store.AddSystemMessage(conversationID, body)
	if err != nil {
		m.log.Warnf("error storing system message for %s: %v", conversationID, err)
		return
	}
	m.emit(&SystemMessage{ConversationID: conversationID, ItemID: item.ID, Body: body})
}

func (m *Manager) startPendingRetry(ctx context.Context) {
	interval := time.Duration(m.config.PendingRetryIntervalMs) * time.Millisecond
	if interval <= 0 {
		return
	}
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RetryPendingSenderKeyRequests(ctx)
			}
		}
	}()
}
