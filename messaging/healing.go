package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/protocol"
)

type sessionResetRequest struct {
	FailedItemID string `json:"failedItemId,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// heal recovers from a decryption failure: republish our keys, drop and rebuild the session with
// the sender, ask the sender to rebuild too when its state looks broken, and leave a system
// message behind. Every step is best effort. It reports whether the session was rebuilt.
func (m *Manager) heal(ctx context.Context, env *Envelope, cause error) bool {
	addr := env.sender()
	reason := cause.Error()
	m.log.Warnf("healing session with %s after item %s: %v", addr, env.ItemID, cause)

	if err := m.sessions.RepublishKeys(ctx); err != nil {
		m.log.Warnf("error republishing keys: %v", err)
	}
	if err := m.sessions.DeleteSession(addr); err != nil {
		m.log.Warnf("error deleting session %s: %v", addr, err)
	}

	rebuilt := true
	if err := m.sessions.EstablishSession(ctx, addr); err != nil {
		m.log.Warnf("error rebuilding session %s: %v", addr, err)
		rebuilt = false
	}

	if rebuilt {
		if errors.Is(cause, protocol.ErrBadMAC) || errors.Is(cause, protocol.ErrInvalidMessage) {
			if err := m.sendSessionReset(ctx, addr, env.ItemID, reason); err != nil {
				m.log.Warnf("error sending session reset to %s: %v", addr, err)
			}
		}
		m.addSystemMessage(env.conversationID(), fmt.Sprintf("🔒 Secure session with %s was automatically recovered.", env.SenderID))
		metrics.Healings.WithLabelValues("recovered").Inc()
	} else {
		m.addSystemMessage(env.conversationID(), fmt.Sprintf("⚠️ Could not recover secure session with %s. Please contact them.", env.SenderID))
		metrics.Healings.WithLabelValues("failed").Inc()
	}

	m.notifyFailure(addr, env.ItemID, reason, rebuilt)
	m.deleteEnvelope(ctx, env)
	return rebuilt
}

func (m *Manager) sendSessionReset(ctx context.Context, addr protocol.DeviceAddress, failedItemID, reason string) error {
	body, err := json.Marshal(&sessionResetRequest{FailedItemID: failedItemID, Reason: reason})
	if err != nil {
		return err
	}
	_, err = m.Send1to1Message(ctx, addr.UserID, TypeSessionResetRequest, body, SendOptions{TargetDeviceID: addr.DeviceID})
	return err
}

func (m *Manager) notifyFailure(addr protocol.DeviceAddress, itemID, reason string, recovered bool) {
	m.callbacks.lock.Lock()
	observers := append([]FailureCallback(nil), m.callbacks.failure...)
	m.callbacks.lock.Unlock()
	for _, cb := range observers {
		cb(addr, reason)
	}
	m.emit(&DecryptionFailure{Sender: addr, ItemID: itemID, Reason: reason, Recovered: recovered})
}
