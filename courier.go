// This package wires the courier subsystems into a single client: the encrypted local
// database, session and sender key stores, the server transport and the messaging manager
// that orchestrates sender key distribution, receiving and session healing.
package courier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/meow-io/go-courier/api"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/messaging"
	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/protocol"
	"github.com/meow-io/go-courier/senderkey"
	"github.com/meow-io/go-courier/session"
	"github.com/meow-io/go-courier/store"
	"github.com/meow-io/go-courier/transport"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
)

var _ messaging.Transport = (*transport.Manager)(nil)

// An event indicating a change in the state of the client.
type AppState struct {
	State int
}

type TransportStateUpdate struct {
	URL   string
	State string
}

type Courier struct {
	DB                 *db.Database
	config             *config.Config
	log                *zap.SugaredLogger
	state              int
	clock              clock.Clock
	self               protocol.DeviceAddress
	store              *store.Store
	sessions           *session.Provider
	transport          *transport.Manager
	messaging          *messaging.Manager
	updates            chan interface{}
	cancelFunc         context.CancelFunc
	finished           sync.WaitGroup
	transportStates    map[string]string
	transportStateLock sync.Mutex
}

// New opens the database under the configured root, creating it with dbKey if needed, and
// builds every subsystem for self. Nothing talks to the server until Start.
func New(c *config.Config, self protocol.DeviceAddress, dbKey []byte) (*Courier, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making courier for %s, using root path of %s", self, c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, filepath.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}
	if !d.Initialized() {
		if err := d.Initialize(dbKey); err != nil {
			return nil, fmt.Errorf("courier: error initializing database: %w", err)
		}
	}
	if err := d.Open(dbKey); err != nil {
		return nil, fmt.Errorf("courier: error opening database: %w", err)
	}

	cl := clock.NewSystemClock()
	co := &Courier{
		DB:              d,
		config:          c,
		log:             log,
		state:           StateInitialized,
		clock:           cl,
		self:            self,
		updates:         make(chan interface{}, 100),
		transportStates: make(map[string]string),
	}
	if err := co.build(); err != nil {
		_ = d.Shutdown()
		return nil, err
	}
	return co, nil
}

func (co *Courier) build() error {
	metrics.Register()

	s, err := store.New(co.config, co.DB, co.clock)
	if err != nil {
		return err
	}
	keys, err := senderkey.New(co.config, co.DB)
	if err != nil {
		return err
	}
	apiClient := api.NewClient(co.config)
	sessions, err := session.New(co.config, co.DB, co.clock, co.self, apiClient)
	if err != nil {
		return err
	}

	co.store = s
	co.sessions = sessions
	co.transport = transport.NewManager(co.config, apiClient)
	co.messaging = messaging.NewManager(co.config, co.clock, co.self, keys, sessions, co.transport, s)
	return nil
}

// Start publishes this device's keys, connects the realtime socket and starts background work.
func (co *Courier) Start(ctx context.Context) error {
	if co.state != StateInitialized {
		return fmt.Errorf("courier: expected state %d, was %d", StateInitialized, co.state)
	}
	if err := co.sessions.RepublishKeys(ctx); err != nil {
		return err
	}
	if err := co.messaging.Start(); err != nil {
		return err
	}
	if err := co.transport.Start(co.messaging.SocketHandler()); err != nil {
		return err
	}

	loopCtx, cancelFunc := context.WithCancel(context.Background())
	co.cancelFunc = cancelFunc
	co.setState(StateRunning)
	co.startUpdatePassing(loopCtx)
	return nil
}

// Gracefully stop, closing the socket and the database.
func (co *Courier) Shutdown() error {
	if co.state == StateNew {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	if co.cancelFunc != nil {
		co.cancelFunc()
		co.finished.Wait()
		co.cancelFunc = nil
	}
	if co.state == StateRunning {
		if err := co.transport.Shutdown(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := co.messaging.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := co.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}
	co.setState(StateNew)
	return nil
}

// Gets various updates which must be dealt with. Messaging updates are passed through as-is,
// alongside *AppState and *TransportStateUpdate.
func (co *Courier) Updates() chan interface{} {
	return co.updates
}

func (co *Courier) Running() bool {
	return co.state == StateRunning
}

func (co *Courier) Self() protocol.DeviceAddress {
	return co.self
}

// Get current transport states
func (co *Courier) TransportStates() map[string]string {
	co.transportStateLock.Lock()
	defer co.transportStateLock.Unlock()
	return maps.Clone(co.transportStates)
}

func (co *Courier) SendGroupMessage(ctx context.Context, groupID, msgType string, payload []byte) (*messaging.GroupSendResult, error) {
	return co.messaging.SendGroupMessage(ctx, groupID, msgType, payload)
}

func (co *Courier) Send1to1Message(ctx context.Context, recipientID, msgType string, payload []byte) (*messaging.SendResult, error) {
	return co.messaging.Send1to1Message(ctx, recipientID, msgType, payload, messaging.SendOptions{})
}

func (co *Courier) EnsureSenderKeyForGroup(ctx context.Context, groupID string, opts messaging.EnsureOptions) (*messaging.DistributionResult, error) {
	return co.messaging.EnsureSenderKeyForGroup(ctx, groupID, opts)
}

func (co *Courier) MarkGroupItemAsRead(ctx context.Context, groupID, itemID string) error {
	return co.messaging.MarkGroupItemAsRead(ctx, groupID, itemID)
}

func (co *Courier) GroupKeyState(groupID string) messaging.GroupKeyState {
	return co.messaging.GroupKeyState(groupID)
}

// Items lists stored items of a conversation, oldest first.
func (co *Courier) Items(conversationID string) ([]*store.Item, error) {
	return co.store.Items(conversationID)
}

func (co *Courier) OnType(msgType string, cb messaging.MessageCallback) {
	co.messaging.OnType(msgType, cb)
}

func (co *Courier) OnSender(userID string, cb messaging.MessageCallback) {
	co.messaging.OnSender(userID, cb)
}

func (co *Courier) OnGroup(groupID string, cb messaging.MessageCallback) {
	co.messaging.OnGroup(groupID, cb)
}

func (co *Courier) OnDecryptionFailure(cb messaging.FailureCallback) {
	co.messaging.OnDecryptionFailure(cb)
}

func (co *Courier) startUpdatePassing(ctx context.Context) {
	co.finished.Add(1)
	go func() {
		defer co.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-co.transport.Updates():
				if v, ok := e.(*transport.StateUpdate); ok {
					co.transportStateLock.Lock()
					co.transportStates[v.URL] = v.State
					co.transportStateLock.Unlock()
					tsu := &TransportStateUpdate{URL: v.URL, State: v.State}
					co.log.Debugf("passing update: transport state %#v", tsu)
					co.pass(tsu)
				}
			case e := <-co.messaging.Updates():
				co.pass(e)
			}
		}
	}()
}

func (co *Courier) pass(e interface{}) {
	select {
	case co.updates <- e:
	default:
		co.log.Warnf("dropping update %T, nobody is reading", e)
	}
}

func (co *Courier) setState(state int) {
	co.state = state
	co.pass(&AppState{state})
}
