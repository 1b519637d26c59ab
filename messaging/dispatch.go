package messaging

import (
	"context"
	"encoding/json"

	"github.com/meow-io/go-courier/store"
)

type reactionPayload struct {
	TargetItemID string `json:"targetItemId"`
	Emoji        string `json:"emoji"`
	Remove       bool   `json:"remove,omitempty"`
}

type receiptPayload struct {
	ItemIDs []string `json:"itemIds"`
}

func (m *Manager) dispatch(ctx context.Context, env *Envelope, pt []byte) {
	switch env.Type {
	case TypeEmote, TypeReaction:
		m.applyReaction(env, pt)
	case TypeSenderKeyRequest:
		m.handleSenderKeyRequest(ctx, env, pt)
	case TypeSenderKeyResponse:
		m.handleSenderKeyResponse(env, pt)
	case TypeSessionResetRequest:
		m.handleSessionResetRequest(ctx, env, pt)
	case TypeReadReceipt:
		m.applyReceipt(pt, store.StatusRead)
	case TypeDeliveryReceipt:
		m.applyReceipt(pt, store.StatusDelivered)
	case TypeSystem:
		m.addSystemMessage(env.conversationID(), string(pt))
	default:
		m.deliver(env, pt)
	}
}

func (m *Manager) applyReaction(env *Envelope, pt []byte) {
	r := &reactionPayload{}
	if err := json.Unmarshal(pt, r); err != nil || r.TargetItemID == "" {
		m.log.Warnf("bad reaction %s: %v", env.ItemID, err)
		return
	}
	agg, err := m.store.ApplyReaction(r.TargetItemID, env.SenderID, r.Emoji, r.Remove)
	if err != nil {
		m.log.Warnf("error applying reaction %s: %v", env.ItemID, err)
		return
	}
	m.emit(&ReactionUpdate{TargetItemID: r.TargetItemID, Reactions: agg})
}

func (m *Manager) applyReceipt(pt []byte, status string) {
	r := &receiptPayload{}
	if err := json.Unmarshal(pt, r); err != nil {
		m.log.Warnf("bad %s receipt: %v", status, err)
		return
	}
	for _, id := range r.ItemIDs {
		if _, err := m.store.AdvanceStatus(id, status); err != nil {
			m.log.Debugf("receipt for unknown item %s: %v", id, err)
		}
	}
}

// deliver stores an ordinary message and hands it to listeners. Copies of messages our own
// other devices sent are stored as outgoing in the conversation they were sent to.
func (m *Manager) deliver(env *Envelope, pt []byte) {
	item := &store.Item{
		ID:             env.ItemID,
		ConversationID: env.conversationID(),
		GroupID:        env.GroupID,
		SenderID:       env.SenderID,
		SenderDeviceID: env.SenderDeviceID,
		RecipientID:    m.self.UserID,
		Direction:      store.DirectionIncoming,
		Type:           env.Type,
		Payload:        pt,
		Status:         store.StatusReceived,
	}
	if env.SenderID == m.self.UserID {
		item.Direction = store.DirectionOutgoing
		item.Status = store.StatusSent
		item.RecipientID = ""
		if env.GroupID == "" {
			item.RecipientID = item.ConversationID
		}
	}
	if err := m.store.SaveItem(item); err != nil {
		m.log.Warnf("error storing received item %s: %v", env.ItemID, err)
	}

	msg := &NewMessage{
		ItemID:         env.ItemID,
		GroupID:        env.GroupID,
		SenderID:       env.SenderID,
		SenderDeviceID: env.SenderDeviceID,
		Type:           env.Type,
		Plaintext:      pt,
	}
	m.emit(msg)

	m.callbacks.lock.Lock()
	var cbs []MessageCallback
	cbs = append(cbs, m.callbacks.byType[env.Type]...)
	cbs = append(cbs, m.callbacks.bySender[env.SenderID]...)
	if env.GroupID != "" {
		cbs = append(cbs, m.callbacks.byGroup[env.GroupID]...)
	}
	m.callbacks.lock.Unlock()
	for _, cb := range cbs {
		cb(msg)
	}
}
