package messaging

import (
	"context"

	"github.com/meow-io/go-courier/protocol"
	"github.com/meow-io/go-courier/realtime"
)

// socketHandler feeds realtime frames into a Manager.
type socketHandler struct {
	m *Manager
}

func (m *Manager) SocketHandler() realtime.Handler {
	return &socketHandler{m: m}
}

func (h *socketHandler) HandleItem(ctx context.Context, item *realtime.Item) {
	env := &Envelope{
		ItemID:         item.ItemID,
		SenderID:       item.SenderID,
		SenderDeviceID: item.SenderDeviceID,
		Type:           item.Type,
		CipherType:     protocol.CiphertextType(item.MessageType),
		Body:           item.Body,
	}
	// only our own devices may file an item under another conversation
	if item.SenderID == h.m.self.UserID {
		env.ConversationID = item.ConversationID
	}
	h.m.ReceiveMessage(ctx, env, nil)
}

func (h *socketHandler) HandleGroupItem(ctx context.Context, item *realtime.GroupItem) {
	h.m.ReceiveMessage(ctx, &Envelope{
		ItemID:         item.ItemID,
		GroupID:        item.GroupID,
		SenderID:       item.SenderID,
		SenderDeviceID: item.SenderDeviceID,
		Type:           item.Type,
		CipherType:     protocol.SenderKeyType,
		Body:           item.Body,
	}, nil)
}

func (h *socketHandler) HandleSenderKeyDistribution(ctx context.Context, d *realtime.SenderKeyDistribution) {
	if err := h.m.ProcessSenderKeyDistribution(ctx, d.GroupID, d.SenderID, d.SenderDeviceID, d.EncryptedDistribution, d.MessageType); err != nil {
		h.m.log.Warnf("error processing distribution group=%s sender=%s.%d: %v", d.GroupID, d.SenderID, d.SenderDeviceID, err)
	}
}

func (h *socketHandler) HandleKeyRequest(ctx context.Context, r *realtime.KeyRequest) {
	h.m.HandleBroadcastKeyRequest(ctx, r)
}
