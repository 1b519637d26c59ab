package messaging

import (
	"sync"
	"time"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/metrics"
	"golang.org/x/exp/maps"
)

type GroupKeyState int

const (
	KeyAbsent GroupKeyState = iota
	KeyLocalOnly
	KeyDistributed
)

func (s GroupKeyState) String() string {
	switch s {
	case KeyLocalOnly:
		return "local_only"
	case KeyDistributed:
		return "distributed"
	default:
		return "absent"
	}
}

// PendingMessage is a group envelope waiting for its sender key.
type PendingMessage struct {
	Envelope *Envelope
	Callback func([]byte)
}

type pendingKey struct {
	GroupID        string
	SenderID       string
	SenderDeviceID uint32
}

type dedupKey struct {
	GroupID  string
	UserID   string
	DeviceID uint32
}

// Runtime is the in-memory state shared by every operation of a Manager: queued envelopes
// waiting on a sender key, the last time our key went to each device, and our own key state per
// group. None of it survives a restart.
type Runtime struct {
	lock      sync.Mutex
	clock     clock.Clock
	window    time.Duration
	pending   map[pendingKey][]*PendingMessage
	dedup     map[dedupKey]time.Time
	keyStates map[string]GroupKeyState
}

func newRuntime(cl clock.Clock, window time.Duration) *Runtime {
	return &Runtime{
		clock:     cl,
		window:    window,
		pending:   make(map[pendingKey][]*PendingMessage),
		dedup:     make(map[dedupKey]time.Time),
		keyStates: make(map[string]GroupKeyState),
	}
}

// enqueue appends pm to its bucket and returns the bucket size afterwards.
func (r *Runtime) enqueue(k pendingKey, pm *PendingMessage) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.pending[k] = append(r.pending[k], pm)
	metrics.PendingBuckets.Set(float64(len(r.pending)))
	return len(r.pending[k])
}

// takePending removes the whole bucket for k and returns it in insertion order. Callers must
// take the bucket before replaying any of it, so a replayed message that is queued again lands
// in a fresh bucket instead of the one being drained.
func (r *Runtime) takePending(k pendingKey) []*PendingMessage {
	r.lock.Lock()
	defer r.lock.Unlock()
	bucket := r.pending[k]
	delete(r.pending, k)
	metrics.PendingBuckets.Set(float64(len(r.pending)))
	return bucket
}

func (r *Runtime) pendingKeys() []pendingKey {
	r.lock.Lock()
	defer r.lock.Unlock()
	return maps.Keys(r.pending)
}

func (r *Runtime) pendingCount(k pendingKey) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.pending[k])
}

func (r *Runtime) withinWindow(k dedupKey) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.withinWindowLocked(k)
}

func (r *Runtime) withinWindowLocked(k dedupKey) bool {
	last, ok := r.dedup[k]
	return ok && r.clock.Now().Sub(last) < r.window
}

func (r *Runtime) markSent(k dedupKey) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.dedup[k] = r.clock.Now()
}

// claim marks k as sent now unless it was already sent inside the window. It reports whether
// the caller may send.
func (r *Runtime) claim(k dedupKey) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.withinWindowLocked(k) {
		return false
	}
	r.dedup[k] = r.clock.Now()
	return true
}

func (r *Runtime) keyState(groupID string) GroupKeyState {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.keyStates[groupID]
}

// advanceKeyState only moves forward.
func (r *Runtime) advanceKeyState(groupID string, s GroupKeyState) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.keyStates[groupID] < s {
		r.keyStates[groupID] = s
	}
}

func (r *Runtime) reset() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.pending = make(map[pendingKey][]*PendingMessage)
	r.dedup = make(map[dedupKey]time.Time)
	r.keyStates = make(map[string]GroupKeyState)
	metrics.PendingBuckets.Set(0)
}
