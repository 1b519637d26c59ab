// Package transport combines the HTTP API and the realtime socket into the single outbound
// surface the messaging layer talks to, and keeps the socket connected.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meow-io/go-courier/api"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/realtime"
	"go.uber.org/zap"
)

const (
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDisconnected = "disconnected"

	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

var ErrNotConnected = errors.New("transport: realtime socket not connected")

type StateUpdate struct {
	URL   string
	State string
}

type Manager struct {
	config     *config.Config
	log        *zap.SugaredLogger
	api        *api.Client
	lock       sync.Mutex
	conn       *realtime.Conn
	state      string
	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewManager(c *config.Config, apiClient *api.Client) *Manager {
	return &Manager{
		config:  c,
		log:     c.Logger("transport"),
		api:     apiClient,
		state:   StateDisconnected,
		updates: make(chan interface{}, 100),
	}
}

// Start keeps a realtime connection open until Shutdown, passing inbound frames to h.
func (m *Manager) Start(h realtime.Handler) error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc
	m.startConnectionLoop(ctx, h)
	return nil
}

func (m *Manager) Shutdown() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
	}
	m.lock.Lock()
	conn := m.conn
	m.lock.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debugf("error closing realtime connection: %v", err)
		}
	}
	m.finished.Wait()
	return nil
}

func (m *Manager) Updates() chan interface{} {
	return m.updates
}

func (m *Manager) State() string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

func (m *Manager) startConnectionLoop(ctx context.Context, h realtime.Handler) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		delay := minReconnectDelay
		for {
			m.setState(StateConnecting, nil)
			conn, err := realtime.Dial(ctx, m.config)
			if err == nil {
				m.setState(StateConnected, conn)
				delay = minReconnectDelay
				err = conn.Run(ctx, h)
				_ = conn.Close()
			}
			m.setState(StateDisconnected, nil)
			if ctx.Err() != nil {
				return
			}
			m.log.Warnf("realtime connection lost, retrying in %s: %v", delay, err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay *= 2; delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}
	}()
}

func (m *Manager) setState(state string, conn *realtime.Conn) {
	m.lock.Lock()
	m.conn = conn
	changed := m.state != state
	m.state = state
	m.lock.Unlock()
	if !changed {
		return
	}
	m.log.Debugf("realtime %s", state)
	select {
	case m.updates <- &StateUpdate{URL: m.config.RealtimeURL, State: state}:
	default:
	}
}

func (m *Manager) current() (*realtime.Conn, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.conn == nil {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

func (m *Manager) Members(ctx context.Context, groupID string) ([]api.Member, error) {
	return m.api.Members(ctx, groupID)
}

func (m *Manager) DistributeSenderKey(ctx context.Context, d *api.Distribution) error {
	return m.api.DistributeSenderKey(ctx, d)
}

func (m *Manager) SendItem(ctx context.Context, item *realtime.Item) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	return conn.SendItem(ctx, item)
}

func (m *Manager) SendGroupItem(ctx context.Context, item *realtime.GroupItem) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	return conn.SendGroupItem(ctx, item)
}

func (m *Manager) RequestSenderKey(ctx context.Context, r *realtime.KeyRequest) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	return conn.RequestSenderKey(ctx, r)
}

func (m *Manager) DeleteItem(ctx context.Context, itemID string) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	return conn.DeleteItem(ctx, itemID)
}

func (m *Manager) MarkGroupItemAsRead(ctx context.Context, groupID, itemID string) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	return conn.MarkGroupItemAsRead(ctx, groupID, itemID)
}
