package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/protocol"
	"github.com/meow-io/go-courier/realtime"
	"github.com/meow-io/go-courier/store"
	"golang.org/x/exp/slices"
)

type SendOptions struct {
	// ItemID is generated when empty.
	ItemID string
	// TargetDeviceID restricts the send to one device of the recipient.
	TargetDeviceID uint32
	RetryOf        string
	RetryAttempt   int
	RetryDeviceID  uint32
}

type SendResult struct {
	ItemID         string
	SuccessCount   int
	FailCount      int
	// RecipientCount is the number of the recipient's own devices reached.
	RecipientCount int
}

type GroupSendResult struct {
	ItemID       string
	Distribution *DistributionResult
}

// Send1to1Message encrypts payload separately for every device of the recipient and for our own
// other devices, emitting one item per device. One local copy is stored. It fails when no device
// of the recipient could be sent to, even if our own devices were.
func (m *Manager) Send1to1Message(ctx context.Context, recipientID, msgType string, payload []byte, opts SendOptions) (*SendResult, error) {
	itemID := opts.ItemID
	if itemID == "" {
		itemID = ids.NewItemID()
	}
	targets := m.fanoutTargets(ctx, recipientID, opts.TargetDeviceID)

	var success, failure, reached atomic.Int64
	runBatches(m.config.DistributionBatchSize, targets, func(addr protocol.DeviceAddress) {
		ct, err := m.encryptFor(ctx, addr, payload)
		if err != nil {
			m.log.Warnf("skipping device %s for %s: %v", addr, itemID, err)
			failure.Add(1)
			return
		}
		if err := m.transport.SendItem(ctx, &realtime.Item{
			ItemID:            itemID,
			SenderID:          m.self.UserID,
			SenderDeviceID:    m.self.DeviceID,
			RecipientID:       addr.UserID,
			RecipientDeviceID: addr.DeviceID,
			ConversationID:    recipientID,
			Type:              msgType,
			MessageType:       int(ct.Type),
			Body:              ct.Body,
			RetryOf:           opts.RetryOf,
			RetryAttempt:      opts.RetryAttempt,
			RetryDeviceID:     opts.RetryDeviceID,
		}); err != nil {
			m.log.Warnf("error sending %s to %s: %v", itemID, addr, err)
			failure.Add(1)
			return
		}
		success.Add(1)
		if addr.UserID == recipientID {
			reached.Add(1)
		}
	})

	res := &SendResult{
		ItemID:         itemID,
		SuccessCount:   int(success.Load()),
		FailCount:      int(failure.Load()),
		RecipientCount: int(reached.Load()),
	}
	if res.RecipientCount == 0 {
		return res, fmt.Errorf("%w: %s to %s", ErrNoDeliverableDevices, itemID, recipientID)
	}
	if !isControl(msgType) && opts.RetryOf == "" {
		if err := m.store.SaveItem(&store.Item{
			ID:             itemID,
			ConversationID: recipientID,
			SenderID:       m.self.UserID,
			SenderDeviceID: m.self.DeviceID,
			RecipientID:    recipientID,
			Direction:      store.DirectionOutgoing,
			Type:           msgType,
			Payload:        payload,
			Status:         store.StatusSent,
		}); err != nil {
			return res, fmt.Errorf("messaging: error storing %s: %w", itemID, err)
		}
	}
	return res, nil
}

// fanoutTargets resolves the recipient's devices and our own other devices, establishing
// sessions with any device we have not talked to yet.
func (m *Manager) fanoutTargets(ctx context.Context, recipientID string, targetDeviceID uint32) []protocol.DeviceAddress {
	if targetDeviceID != 0 {
		return []protocol.DeviceAddress{protocol.NewDeviceAddress(recipientID, targetDeviceID)}
	}
	users := []string{recipientID}
	if recipientID != m.self.UserID {
		users = append(users, m.self.UserID)
	}
	var targets []protocol.DeviceAddress
	for _, userID := range users {
		if _, err := m.sessions.EstablishSessionWithUser(ctx, userID, false); err != nil {
			m.log.Warnf("error establishing sessions with %s: %v", userID, err)
		}
		deviceIDs, err := m.sessions.DeviceIDsForUser(ctx, userID)
		if err != nil {
			m.log.Warnf("error resolving devices of %s: %v", userID, err)
			continue
		}
		for _, id := range deviceIDs {
			addr := protocol.NewDeviceAddress(userID, id)
			if addr != m.self && !slices.Contains(targets, addr) {
				targets = append(targets, addr)
			}
		}
	}
	return targets
}

// SendGroupMessage makes sure our sender key exists, encrypts payload with it and emits one
// group item. Distribution problems do not stop the send once the key exists locally.
func (m *Manager) SendGroupMessage(ctx context.Context, groupID, msgType string, payload []byte) (*GroupSendResult, error) {
	dist, err := m.EnsureSenderKeyForGroup(ctx, groupID, EnsureOptions{})
	if err != nil {
		if !errors.Is(err, ErrMembershipFetch) && !errors.Is(err, ErrTotalDistributionFailure) {
			return nil, err
		}
		m.log.Warnf("sending to %s with incomplete key distribution: %v", groupID, err)
	}

	ct, err := m.keys.GroupEncrypt(m.ownKeyName(groupID), payload)
	if err != nil {
		return nil, fmt.Errorf("messaging: error encrypting for group %s: %w", groupID, err)
	}
	itemID := ids.NewItemID()
	if err := m.transport.SendGroupItem(ctx, &realtime.GroupItem{
		ItemID:         itemID,
		GroupID:        groupID,
		SenderID:       m.self.UserID,
		SenderDeviceID: m.self.DeviceID,
		Type:           msgType,
		Body:           ct,
	}); err != nil {
		return nil, fmt.Errorf("messaging: error sending group item %s: %w", itemID, err)
	}

	if !isControl(msgType) {
		if err := m.store.SaveItem(&store.Item{
			ID:             itemID,
			ConversationID: groupID,
			GroupID:        groupID,
			SenderID:       m.self.UserID,
			SenderDeviceID: m.self.DeviceID,
			Direction:      store.DirectionOutgoing,
			Type:           msgType,
			Payload:        payload,
			Status:         store.StatusSent,
		}); err != nil {
			return nil, fmt.Errorf("messaging: error storing %s: %w", itemID, err)
		}
	}
	return &GroupSendResult{ItemID: itemID, Distribution: dist}, nil
}
