package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/meow-io/go-courier/api"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/realtime"
	"github.com/stretchr/testify/require"
)

type handler struct {
	lock  sync.Mutex
	items []*realtime.Item
}

func (h *handler) HandleItem(ctx context.Context, item *realtime.Item) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.items = append(h.items, item)
}

func (h *handler) HandleGroupItem(ctx context.Context, item *realtime.GroupItem) {}

func (h *handler) HandleSenderKeyDistribution(ctx context.Context, d *realtime.SenderKeyDistribution) {
}

func (h *handler) HandleKeyRequest(ctx context.Context, r *realtime.KeyRequest) {}

func (h *handler) count() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.items)
}

type server struct {
	*httptest.Server
	accepts  atomic.Int32
	received chan *realtime.Frame
}

// newServer serves group "g" over HTTP and a socket at /ws which sends one item and then, on the
// first connection only, hangs up after reading a frame.
func newServer(t *testing.T) *server {
	s := &server{received: make(chan *realtime.Frame, 10)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/channels/g/members", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"members":[{"userId":"alice"},{"userId":"bob"}]}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		n := s.accepts.Add(1)
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()
		raw := []byte(`{"itemId":"i1","senderId":"bob","senderDeviceId":1,"type":"text"}`)
		if err := wsjson.Write(ctx, ws, &realtime.Frame{Event: realtime.EventItem, Data: raw}); err != nil {
			return
		}
		for {
			f := &realtime.Frame{}
			if err := wsjson.Read(ctx, ws, f); err != nil {
				return
			}
			s.received <- f
			if n == 1 {
				_ = ws.Close(websocket.StatusGoingAway, "restart")
				return
			}
		}
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestManager(s *server) *Manager {
	c := config.NewConfig(
		config.WithoutLogFile(),
		config.WithAPIURL(s.URL),
		config.WithRealtimeURL("ws"+strings.TrimPrefix(s.URL, "http")+"/ws"),
	)
	return NewManager(c, api.NewClient(c))
}

func TestSendBeforeConnect(t *testing.T) {
	m := newTestManager(newServer(t))
	require.ErrorIs(t, m.DeleteItem(context.Background(), "x"), ErrNotConnected)
	require.Equal(t, StateDisconnected, m.State())
}

func TestMembersUsesAPI(t *testing.T) {
	m := newTestManager(newServer(t))
	members, err := m.Members(context.Background(), "g")
	require.Nil(t, err)
	require.Equal(t, []api.Member{{UserID: "alice"}, {UserID: "bob"}}, members)
}

func TestReconnects(t *testing.T) {
	require := require.New(t)
	s := newServer(t)
	m := newTestManager(s)
	h := &handler{}
	require.Nil(m.Start(h))
	defer func() { require.Nil(m.Shutdown()) }()

	require.Eventually(func() bool { return m.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(func() bool { return h.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.Nil(m.SendItem(context.Background(), &realtime.Item{ItemID: "out-1", RecipientID: "bob", RecipientDeviceID: 1}))
	f := <-s.received
	require.Equal(realtime.EventSendItem, f.Event)

	// the server hung up; the manager dials again and the new socket delivers again
	require.Eventually(func() bool { return s.accepts.Load() == 2 && h.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(func() bool {
		return m.MarkGroupItemAsRead(context.Background(), "g", "i1") == nil
	}, 2*time.Second, 10*time.Millisecond)
	f = <-s.received
	require.Equal(realtime.EventMarkGroupItemAsRead, f.Event)

	var states []string
	for len(m.Updates()) > 0 {
		states = append(states, (<-m.Updates()).(*StateUpdate).State)
	}
	require.Contains(states, StateDisconnected)
	require.Equal(StateConnecting, states[0])
}
