package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/protocol"
	"github.com/meow-io/go-courier/store"
)

// handleSessionResetRequest rebuilds our session with the requesting device and resends the
// item it failed to decrypt, if it named one.
func (m *Manager) handleSessionResetRequest(ctx context.Context, env *Envelope, pt []byte) {
	req := &sessionResetRequest{}
	if err := json.Unmarshal(pt, req); err != nil {
		m.log.Warnf("bad session reset request %s: %v", env.ItemID, err)
		return
	}
	addr := env.sender()
	m.log.Infof("session reset requested by %s reason=%q", addr, req.Reason)
	if err := m.sessions.DeleteSession(addr); err != nil {
		m.log.Warnf("error deleting session %s: %v", addr, err)
	}
	if err := m.sessions.EstablishSession(ctx, addr); err != nil {
		m.log.Warnf("error rebuilding session %s: %v", addr, err)
	}
	if req.FailedItemID == "" {
		return
	}
	if !ids.ValidItemID(req.FailedItemID) {
		m.log.Warnf("ignoring malformed failed item id from %s: %q", addr, req.FailedItemID)
		return
	}
	if err := m.retryFailedItem(ctx, req.FailedItemID, addr); err != nil {
		m.log.Warnf("not resending %s to %s: %v", req.FailedItemID, addr, err)
	}
}

// retryFailedItem resends a sent 1:1 item to one device as a new item, at most
// MaxRetriesPerDevice times per device. Past the cap the item is marked retry_failed.
func (m *Manager) retryFailedItem(ctx context.Context, itemID string, addr protocol.DeviceAddress) error {
	item, err := m.store.Item(itemID)
	if err != nil {
		return fmt.Errorf("messaging: error loading %s: %w", itemID, err)
	}
	if item.Direction != store.DirectionOutgoing || item.Status != store.StatusSent || item.GroupID != "" {
		metrics.Resends.WithLabelValues("ineligible").Inc()
		return fmt.Errorf("messaging: item %s is not a pending 1:1 send (status %s)", itemID, item.Status)
	}
	if item.RetryCounts[addr.DeviceID] >= m.config.MaxRetriesPerDevice {
		if err := m.store.UpdateStatus(itemID, store.StatusRetryFailed); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		metrics.Resends.WithLabelValues("limit").Inc()
		return fmt.Errorf("%w: %s to %s", ErrRetryLimitExceeded, itemID, addr)
	}

	attempt, err := m.store.BumpRetryCount(itemID, addr.DeviceID)
	if err != nil {
		return err
	}
	if _, err := m.Send1to1Message(ctx, addr.UserID, item.Type, item.Payload, SendOptions{
		TargetDeviceID: addr.DeviceID,
		RetryOf:        item.ID,
		RetryAttempt:   attempt,
		RetryDeviceID:  addr.DeviceID,
	}); err != nil {
		metrics.Resends.WithLabelValues("failed").Inc()
		return err
	}
	metrics.Resends.WithLabelValues("sent").Inc()
	return nil
}
