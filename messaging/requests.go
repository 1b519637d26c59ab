package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/protocol"
	"github.com/meow-io/go-courier/realtime"
)

type senderKeyRequest struct {
	GroupID           string `json:"groupId"`
	RequesterID       string `json:"requesterId"`
	RequesterDeviceID uint32 `json:"requesterDeviceId"`
	TargetUserID      string `json:"targetUserId"`
	TargetDeviceID    uint32 `json:"targetDeviceId"`
}

type senderKeyResponse struct {
	GroupID           string `json:"groupId"`
	ResponderID       string `json:"responderId"`
	ResponderDeviceID uint32 `json:"responderDeviceId"`
	TargetUserID      string `json:"targetUserId"`
	TargetDeviceID    uint32 `json:"targetDeviceId"`
}

// ProcessSenderKeyDistribution decrypts a distribution from another device, stores the key, sends
// ours back when the dedup window allows, and replays everything queued for that key.
func (m *Manager) ProcessSenderKeyDistribution(ctx context.Context, groupID, senderID string, senderDeviceID uint32, ciphertext []byte, messageType int) error {
	addr := protocol.NewDeviceAddress(senderID, senderDeviceID)
	cipher, err := m.sessions.SessionCipher(addr)
	if err != nil {
		return fmt.Errorf("messaging: error getting cipher %s: %w", addr, err)
	}
	dist, err := cipher.Decrypt(&protocol.Ciphertext{Type: protocol.CiphertextType(messageType), Body: ciphertext})
	if err != nil {
		if errors.Is(err, protocol.ErrDuplicateMessage) {
			m.log.Debugf("ignoring replayed distribution group=%s sender=%s", groupID, addr)
			return nil
		}
		return fmt.Errorf("messaging: error decrypting distribution from %s: %w", addr, err)
	}
	if err := m.keys.ProcessDistribution(protocol.NewSenderKeyName(groupID, addr), dist); err != nil {
		return fmt.Errorf("messaging: error processing distribution from %s: %w", addr, err)
	}
	metrics.DistributionsReceived.Inc()
	m.log.Debugf("stored sender key group=%s sender=%s", groupID, addr)

	if has, err := m.keys.ContainsSenderKey(m.ownKeyName(groupID)); err != nil {
		m.log.Warnf("error checking own sender key for %s: %v", groupID, err)
	} else if has && m.runtime.claim(dedupKey{GroupID: groupID, UserID: senderID, DeviceID: senderDeviceID}) {
		if err := m.sendSenderKeyToDevice(ctx, groupID, addr); err != nil {
			m.log.Warnf("error sending reciprocal key group=%s device=%s: %v", groupID, addr, err)
		}
	}

	m.drainPending(ctx, pendingKey{GroupID: groupID, SenderID: senderID, SenderDeviceID: senderDeviceID})
	return nil
}

// RequestSenderKeyFromDevice asks one device for its sender key with a control item sent
// through the group.
func (m *Manager) RequestSenderKeyFromDevice(ctx context.Context, groupID, targetUserID string, targetDeviceID uint32) error {
	body, err := json.Marshal(&senderKeyRequest{
		GroupID:           groupID,
		RequesterID:       m.self.UserID,
		RequesterDeviceID: m.self.DeviceID,
		TargetUserID:      targetUserID,
		TargetDeviceID:    targetDeviceID,
	})
	if err != nil {
		return err
	}
	if _, err := m.SendGroupMessage(ctx, groupID, TypeSenderKeyRequest, body); err != nil {
		return fmt.Errorf("messaging: error requesting sender key from %s.%d: %w", targetUserID, targetDeviceID, err)
	}
	return nil
}

// requestSenderKeyBroadcast asks the server to relay a key request to every device of a user.
func (m *Manager) requestSenderKeyBroadcast(ctx context.Context, groupID, targetUserID string) error {
	return m.transport.RequestSenderKey(ctx, &realtime.KeyRequest{
		GroupID:           groupID,
		RequesterID:       m.self.UserID,
		RequesterDeviceID: m.self.DeviceID,
		TargetUserID:      targetUserID,
	})
}

// requestMissingKey issues a targeted request and then a broadcast request for the key of a
// pending bucket.
func (m *Manager) requestMissingKey(ctx context.Context, k pendingKey) {
	if err := m.RequestSenderKeyFromDevice(ctx, k.GroupID, k.SenderID, k.SenderDeviceID); err != nil {
		m.log.Warnf("targeted key request failed group=%s sender=%s.%d: %v", k.GroupID, k.SenderID, k.SenderDeviceID, err)
	}
	if err := m.requestSenderKeyBroadcast(ctx, k.GroupID, k.SenderID); err != nil {
		m.log.Warnf("broadcast key request failed group=%s sender=%s: %v", k.GroupID, k.SenderID, err)
	}
}

func (m *Manager) handleSenderKeyRequest(ctx context.Context, env *Envelope, pt []byte) {
	req := &senderKeyRequest{}
	if err := json.Unmarshal(pt, req); err != nil {
		m.log.Warnf("bad sender key request %s: %v", env.ItemID, err)
		return
	}
	if req.TargetUserID != m.self.UserID || req.TargetDeviceID != m.self.DeviceID {
		return
	}
	groupID := req.GroupID
	if groupID == "" {
		groupID = env.GroupID
	}
	requester := env.sender()
	m.emit(&KeyRequestReceived{GroupID: groupID, From: requester})

	// explicit requests skip the dedup window
	if err := m.sendSenderKeyToDevice(ctx, groupID, requester); err != nil {
		m.log.Warnf("error answering key request group=%s from=%s: %v", groupID, requester, err)
		return
	}

	body, err := json.Marshal(&senderKeyResponse{
		GroupID:           groupID,
		ResponderID:       m.self.UserID,
		ResponderDeviceID: m.self.DeviceID,
		TargetUserID:      requester.UserID,
		TargetDeviceID:    requester.DeviceID,
	})
	if err != nil {
		return
	}
	if _, err := m.SendGroupMessage(ctx, groupID, TypeSenderKeyResponse, body); err != nil {
		m.log.Warnf("error sending key response group=%s to=%s: %v", groupID, requester, err)
	}
}

func (m *Manager) handleSenderKeyResponse(env *Envelope, pt []byte) {
	resp := &senderKeyResponse{}
	if err := json.Unmarshal(pt, resp); err != nil {
		m.log.Warnf("bad sender key response %s: %v", env.ItemID, err)
		return
	}
	if resp.TargetUserID != m.self.UserID || resp.TargetDeviceID != m.self.DeviceID {
		return
	}
	m.emit(&KeyResponseReceived{GroupID: resp.GroupID, From: env.sender()})
}

// HandleBroadcastKeyRequest answers a key request relayed by the server to all of our devices.
// Unlike targeted requests these honour the dedup window.
func (m *Manager) HandleBroadcastKeyRequest(ctx context.Context, r *realtime.KeyRequest) {
	if r.TargetUserID != m.self.UserID || (r.TargetDeviceID != 0 && r.TargetDeviceID != m.self.DeviceID) {
		return
	}
	requester := protocol.NewDeviceAddress(r.RequesterID, r.RequesterDeviceID)
	if requester == m.self {
		return
	}
	m.emit(&KeyRequestReceived{GroupID: r.GroupID, From: requester})
	if !m.runtime.claim(dedupKey{GroupID: r.GroupID, UserID: requester.UserID, DeviceID: requester.DeviceID}) {
		metrics.DistributionsSuppressed.Inc()
		return
	}
	if err := m.sendSenderKeyToDevice(ctx, r.GroupID, requester); err != nil {
		m.log.Warnf("error answering broadcast key request group=%s from=%s: %v", r.GroupID, requester, err)
	}
}
