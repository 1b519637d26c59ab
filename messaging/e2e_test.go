package messaging

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-courier/api"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/protocol"
	"github.com/meow-io/go-courier/realtime"
	"github.com/meow-io/go-courier/senderkey"
	"github.com/meow-io/go-courier/session"
	"github.com/meow-io/go-courier/store"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
)

// memDirectory is an in-memory key directory shared by every client of a network.
type memDirectory struct {
	lock    sync.Mutex
	bundles map[protocol.DeviceAddress]*api.Bundle
}

func (d *memDirectory) Devices(ctx context.Context, userID string) ([]api.Device, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	var devices []api.Device
	for addr := range d.bundles {
		if addr.UserID == userID {
			devices = append(devices, api.Device{DeviceID: addr.DeviceID})
		}
	}
	return devices, nil
}

func (d *memDirectory) Bundle(ctx context.Context, userID string, deviceID uint32) (*api.Bundle, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	b, ok := d.bundles[protocol.NewDeviceAddress(userID, deviceID)]
	if !ok {
		return nil, &api.StatusError{Endpoint: "bundle", Status: 404}
	}
	return b, nil
}

func (d *memDirectory) PublishKeys(ctx context.Context, b *api.Bundle) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.bundles[protocol.NewDeviceAddress(b.UserID, b.DeviceID)] = b
	return nil
}

// memNetwork queues frames between clients until flush delivers them in order.
type memNetwork struct {
	lock     sync.Mutex
	dir      *memDirectory
	clock    *clock.Manual
	members  map[string][]api.Member
	handlers map[protocol.DeviceAddress]realtime.Handler
	queue    []func(ctx context.Context)
	// corrupt flips the last byte of the next 1:1 item of this type
	corrupt string
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		dir:      &memDirectory{bundles: map[protocol.DeviceAddress]*api.Bundle{}},
		clock:    clock.NewManual(time.UnixMilli(1_700_000_000_000)),
		members:  map[string][]api.Member{},
		handlers: map[protocol.DeviceAddress]realtime.Handler{},
	}
}

func (n *memNetwork) push(f func(ctx context.Context)) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.queue = append(n.queue, f)
}

// flush delivers queued frames, including any sent while handling them.
func (n *memNetwork) flush() {
	ctx := context.Background()
	for {
		n.lock.Lock()
		if len(n.queue) == 0 {
			n.lock.Unlock()
			return
		}
		f := n.queue[0]
		n.queue = n.queue[1:]
		n.lock.Unlock()
		f(ctx)
	}
}

func (n *memNetwork) handler(addr protocol.DeviceAddress) realtime.Handler {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.handlers[addr]
}

type memClient struct {
	addr      protocol.DeviceAddress
	m         *Manager
	store     *store.Store
	sessions  *session.Provider
	transport *memTransport
}

func (n *memNetwork) join(t *testing.T, addr protocol.DeviceAddress) *memClient {
	c := test.NewTestConfig()
	d := test.NewTestDatabase(c)
	t.Cleanup(func() { _ = d.Shutdown() })

	s, err := store.New(c, d, n.clock)
	require.Nil(t, err)
	keys, err := senderkey.New(c, d)
	require.Nil(t, err)
	sessions, err := session.New(c, d, n.clock, addr, n.dir)
	require.Nil(t, err)
	require.Nil(t, sessions.RepublishKeys(context.Background()))

	tr := &memTransport{net: n, self: addr}
	cl := &memClient{
		addr:      addr,
		m:         NewManager(c, n.clock, addr, keys, sessions, tr, s),
		store:     s,
		sessions:  sessions,
		transport: tr,
	}
	n.lock.Lock()
	n.handlers[addr] = cl.m.SocketHandler()
	n.lock.Unlock()
	return cl
}

func (c *memClient) messages() []*NewMessage {
	var out []*NewMessage
	for {
		select {
		case u := <-c.m.Updates():
			if msg, ok := u.(*NewMessage); ok {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}

// memTransport is one client's view of a memNetwork.
type memTransport struct {
	net     *memNetwork
	self    protocol.DeviceAddress
	lock    sync.Mutex
	deleted []string
}

func (t *memTransport) Members(ctx context.Context, groupID string) ([]api.Member, error) {
	t.net.lock.Lock()
	defer t.net.lock.Unlock()
	return slices.Clone(t.net.members[groupID]), nil
}

func (t *memTransport) DistributeSenderKey(ctx context.Context, d *api.Distribution) error {
	to := protocol.NewDeviceAddress(d.RecipientID, d.RecipientDeviceID)
	frame := &realtime.SenderKeyDistribution{
		GroupID:               d.GroupID,
		SenderID:              t.self.UserID,
		SenderDeviceID:        t.self.DeviceID,
		EncryptedDistribution: d.EncryptedDistribution,
		MessageType:           d.MessageType,
	}
	t.net.push(func(ctx context.Context) {
		if h := t.net.handler(to); h != nil {
			h.HandleSenderKeyDistribution(ctx, frame)
		}
	})
	return nil
}

func (t *memTransport) SendItem(ctx context.Context, item *realtime.Item) error {
	to := protocol.NewDeviceAddress(item.RecipientID, item.RecipientDeviceID)
	frame := *item
	frame.Body = append([]byte(nil), item.Body...)
	t.net.lock.Lock()
	if t.net.corrupt != "" && t.net.corrupt == item.Type {
		frame.Body[len(frame.Body)-1] ^= 0xff
		t.net.corrupt = ""
	}
	t.net.lock.Unlock()
	t.net.push(func(ctx context.Context) {
		if h := t.net.handler(to); h != nil {
			h.HandleItem(ctx, &frame)
		}
	})
	return nil
}

func (t *memTransport) SendGroupItem(ctx context.Context, item *realtime.GroupItem) error {
	t.net.lock.Lock()
	var targets []protocol.DeviceAddress
	for addr := range t.net.handlers {
		if addr == t.self {
			continue
		}
		if slices.ContainsFunc(t.net.members[item.GroupID], func(m api.Member) bool { return m.UserID == addr.UserID }) {
			targets = append(targets, addr)
		}
	}
	t.net.lock.Unlock()
	for _, to := range targets {
		frame := *item
		t.net.push(func(ctx context.Context) {
			if h := t.net.handler(to); h != nil {
				h.HandleGroupItem(ctx, &frame)
			}
		})
	}
	return nil
}

func (t *memTransport) RequestSenderKey(ctx context.Context, r *realtime.KeyRequest) error {
	t.net.lock.Lock()
	var targets []protocol.DeviceAddress
	for addr := range t.net.handlers {
		if addr.UserID == r.TargetUserID && (r.TargetDeviceID == 0 || r.TargetDeviceID == addr.DeviceID) {
			targets = append(targets, addr)
		}
	}
	t.net.lock.Unlock()
	for _, to := range targets {
		frame := *r
		t.net.push(func(ctx context.Context) {
			if h := t.net.handler(to); h != nil {
				h.HandleKeyRequest(ctx, &frame)
			}
		})
	}
	return nil
}

func (t *memTransport) DeleteItem(ctx context.Context, itemID string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.deleted = append(t.deleted, itemID)
	return nil
}

func (t *memTransport) MarkGroupItemAsRead(ctx context.Context, groupID, itemID string) error {
	return nil
}

func (t *memTransport) wasDeleted(itemID string) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return slices.Contains(t.deleted, itemID)
}

func plaintexts(msgs []*NewMessage) []string {
	var out []string
	for _, msg := range msgs {
		out = append(out, string(msg.Plaintext))
	}
	return out
}

func TestTwoClientsHealAfterBadMAC(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	n := newMemNetwork()
	a := n.join(t, alice)
	b := n.join(t, bob)

	var failures []string
	b.m.OnDecryptionFailure(func(addr protocol.DeviceAddress, reason string) {
		failures = append(failures, addr.String())
	})

	_, err := a.m.Send1to1Message(ctx, "bob", TypeText, []byte("hello"), SendOptions{})
	require.Nil(err)
	n.flush()
	require.Equal([]string{"hello"}, plaintexts(b.messages()))

	n.clock.Advance(time.Second)
	n.lock.Lock()
	n.corrupt = TypeText
	n.lock.Unlock()
	sent, err := a.m.Send1to1Message(ctx, "bob", TypeText, []byte("second"), SendOptions{})
	require.Nil(err)
	n.flush()

	// bob failed, asked alice to rebuild and got the message again under a new session
	require.Equal([]string{alice.String()}, failures)
	require.True(b.transport.wasDeleted(sent.ItemID))
	msgs := b.messages()
	require.Equal([]string{"second"}, plaintexts(msgs))
	require.NotEqual(sent.ItemID, msgs[0].ItemID)

	item, err := a.store.Item(sent.ItemID)
	require.Nil(err)
	require.Equal(store.StatusSent, item.Status)
	require.Equal(1, item.RetryCounts[alice.DeviceID])

	items, err := b.store.Items("alice")
	require.Nil(err)
	var texts, notices []string
	for _, i := range items {
		switch i.Type {
		case TypeText:
			texts = append(texts, string(i.Payload))
		case TypeSystem:
			notices = append(notices, string(i.Payload))
		}
	}
	require.Equal([]string{"hello", "second"}, texts)
	require.Len(notices, 1)
	require.True(strings.Contains(notices[0], "automatically recovered"))

	// the rebuilt sessions keep working both ways
	n.clock.Advance(time.Second)
	_, err = b.m.Send1to1Message(ctx, "alice", TypeText, []byte("got it"), SendOptions{})
	require.Nil(err)
	n.flush()
	require.Equal([]string{"got it"}, plaintexts(a.messages()))

	_, err = a.m.Send1to1Message(ctx, "bob", TypeText, []byte("great"), SendOptions{})
	require.Nil(err)
	n.flush()
	require.Equal([]string{"great"}, plaintexts(b.messages()))
	require.Len(failures, 1)
}

func TestTwoClientsExchangeSenderKeys(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	n := newMemNetwork()
	a := n.join(t, alice)
	b := n.join(t, bob)
	n.members["g"] = []api.Member{{UserID: "alice"}, {UserID: "bob"}}

	res, err := a.m.SendGroupMessage(ctx, "g", TypeText, []byte("hi group"))
	require.Nil(err)
	require.True(res.Distribution.Created)
	require.Equal(1, res.Distribution.SuccessCount)
	require.Equal(0, res.Distribution.FailCount)
	n.flush()

	msgs := b.messages()
	require.Equal([]string{"hi group"}, plaintexts(msgs))
	require.Equal("g", msgs[0].GroupID)
	require.Equal(KeyAbsent, b.m.GroupKeyState("g"))

	n.clock.Advance(time.Second)
	_, err = b.m.SendGroupMessage(ctx, "g", TypeText, []byte("hi back"))
	require.Nil(err)
	n.flush()
	require.Equal([]string{"hi back"}, plaintexts(a.messages()))

	_, err = a.m.SendGroupMessage(ctx, "g", TypeText, []byte("again"))
	require.Nil(err)
	n.flush()
	require.Equal([]string{"again"}, plaintexts(b.messages()))
}
