package messaging

import (
	"context"

	"github.com/meow-io/go-courier/metrics"
)

// queuePending buffers a group envelope whose sender key is missing. The first envelope of a
// bucket also requests the key; later ones rely on the periodic sweep.
func (m *Manager) queuePending(ctx context.Context, env *Envelope, onDecrypted func([]byte)) {
	k := pendingKey{GroupID: env.GroupID, SenderID: env.SenderID, SenderDeviceID: env.SenderDeviceID}
	n := m.runtime.enqueue(k, &PendingMessage{Envelope: env, Callback: onDecrypted})
	metrics.PendingQueued.Inc()
	if n == 1 {
		m.requestMissingKey(ctx, k)
	}
}

// drainPending replays the bucket for k in insertion order. The bucket is removed from the
// runtime before anything is replayed.
func (m *Manager) drainPending(ctx context.Context, k pendingKey) {
	bucket := m.runtime.takePending(k)
	if len(bucket) == 0 {
		return
	}
	m.log.Infof("replaying %d queued items group=%s sender=%s.%d", len(bucket), k.GroupID, k.SenderID, k.SenderDeviceID)
	for _, pm := range bucket {
		env := pm.Envelope
		out := m.decrypt(ctx, env, pm.Callback)
		switch out.status {
		case Decrypted:
			m.complete(ctx, env, out.plaintext)
			if pm.Callback != nil {
				pm.Callback(out.plaintext)
			}
			metrics.PendingReplayed.WithLabelValues("decrypted").Inc()
		case Queued:
			metrics.PendingReplayed.WithLabelValues("requeued").Inc()
		case Duplicate:
			m.deleteEnvelope(ctx, env)
			metrics.PendingReplayed.WithLabelValues("duplicate").Inc()
		default:
			m.log.Warnf("dropping queued item %s from %s: %v", env.ItemID, env.sender(), out.err)
			m.deleteEnvelope(ctx, env)
			metrics.PendingReplayed.WithLabelValues("failed").Inc()
		}
	}
}

// RetryPendingSenderKeyRequests re-requests the key of every bucket still waiting.
func (m *Manager) RetryPendingSenderKeyRequests(ctx context.Context) {
	for _, k := range m.runtime.pendingKeys() {
		m.log.Debugf("re-requesting sender key group=%s sender=%s.%d", k.GroupID, k.SenderID, k.SenderDeviceID)
		m.requestMissingKey(ctx, k)
	}
}

// PendingCount returns how many envelopes wait for the key of a sender device in a group.
func (m *Manager) PendingCount(groupID, senderID string, senderDeviceID uint32) int {
	return m.runtime.pendingCount(pendingKey{GroupID: groupID, SenderID: senderID, SenderDeviceID: senderDeviceID})
}
