package messaging

import (
	"context"
	"errors"

	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/protocol"
	"github.com/meow-io/go-courier/store"
)

const (
	TypeText                = "text"
	TypeEmote               = "emote"
	TypeReaction            = "reaction"
	TypeReadReceipt         = "read_receipt"
	TypeDeliveryReceipt     = "delivery_receipt"
	TypeSenderKeyRequest    = "sender_key_request"
	TypeSenderKeyResponse   = "sender_key_response"
	TypeSessionResetRequest = "session_reset_request"
	TypeSystem              = store.TypeSystem
)

// control types are handled internally and never cached or stored as items
var controlTypes = map[string]bool{
	TypeReadReceipt:         true,
	TypeDeliveryReceipt:     true,
	TypeSenderKeyRequest:    true,
	TypeSenderKeyResponse:   true,
	TypeSessionResetRequest: true,
}

func isControl(t string) bool {
	return controlTypes[t]
}

type DecryptStatus int

const (
	Decrypted DecryptStatus = iota
	Queued
	Duplicate
	Failed
)

func (s DecryptStatus) String() string {
	switch s {
	case Decrypted:
		return "decrypted"
	case Queued:
		return "queued"
	case Duplicate:
		return "duplicate"
	default:
		return "failed"
	}
}

type decryptOutcome struct {
	status    DecryptStatus
	plaintext []byte
	err       error
}

// ReceiveResult describes what happened to an inbound envelope.
type ReceiveResult struct {
	Status    DecryptStatus
	FromCache bool
	// Recovered is set when a failure was healed by rebuilding the session.
	Recovered bool
	Reason    string
}

// ReceiveMessage runs an inbound envelope through the cache, decryption, caching and dispatch.
// Failures never escape: missing sender keys queue the envelope, replays are dropped and any
// other decryption failure heals the session. onDecrypted, if set, gets the plaintext once the
// envelope decrypts, now or after its sender key arrives.
func (m *Manager) ReceiveMessage(ctx context.Context, env *Envelope, onDecrypted func([]byte)) *ReceiveResult {
	res := m.receive(ctx, env, onDecrypted)
	metrics.Received.WithLabelValues(res.Status.String()).Inc()
	return res
}

func (m *Manager) receive(ctx context.Context, env *Envelope, onDecrypted func([]byte)) *ReceiveResult {
	cached, err := m.store.CachedPlaintext(env.ItemID)
	if err == nil {
		m.log.Debugf("using cached plaintext for %s", env.ItemID)
		if !cached.Dispatched {
			m.dispatchOnce(ctx, env, cached.Plaintext)
		}
		if onDecrypted != nil {
			onDecrypted(cached.Plaintext)
		}
		m.deleteEnvelope(ctx, env)
		return &ReceiveResult{Status: Decrypted, FromCache: true}
	} else if !errors.Is(err, store.ErrNotFound) {
		m.log.Warnf("error reading plaintext cache for %s: %v", env.ItemID, err)
	}

	out := m.decrypt(ctx, env, onDecrypted)
	switch out.status {
	case Duplicate:
		m.log.Debugf("dropping replayed item %s from %s", env.ItemID, env.sender())
		m.deleteEnvelope(ctx, env)
		return &ReceiveResult{Status: Duplicate}
	case Queued:
		m.log.Infof("queued item %s until sender key group=%s sender=%s arrives", env.ItemID, env.GroupID, env.sender())
		return &ReceiveResult{Status: Queued}
	case Failed:
		recovered := m.heal(ctx, env, out.err)
		return &ReceiveResult{Status: Failed, Recovered: recovered, Reason: out.err.Error()}
	}

	m.complete(ctx, env, out.plaintext)
	if onDecrypted != nil {
		onDecrypted(out.plaintext)
	}
	return &ReceiveResult{Status: Decrypted}
}

// decrypt picks the group or 1:1 path. A missing sender key queues the envelope with its
// callback and requests the key.
func (m *Manager) decrypt(ctx context.Context, env *Envelope, onDecrypted func([]byte)) *decryptOutcome {
	var (
		pt  []byte
		err error
	)
	if env.GroupID != "" {
		pt, err = m.keys.GroupDecrypt(protocol.NewSenderKeyName(env.GroupID, env.sender()), env.Body)
	} else {
		var cipher protocol.Cipher
		if cipher, err = m.sessions.SessionCipher(env.sender()); err == nil {
			pt, err = cipher.Decrypt(&protocol.Ciphertext{Type: env.CipherType, Body: env.Body})
		}
	}

	switch {
	case err == nil:
		return &decryptOutcome{status: Decrypted, plaintext: pt}
	case errors.Is(err, protocol.ErrDuplicateMessage):
		return &decryptOutcome{status: Duplicate, err: err}
	case env.GroupID != "" && errors.Is(err, protocol.ErrNoSenderKey):
		m.queuePending(ctx, env, onDecrypted)
		return &decryptOutcome{status: Queued, err: err}
	default:
		return &decryptOutcome{status: Failed, err: err}
	}
}

// complete caches the plaintext, dispatches it once and deletes the envelope from the server.
func (m *Manager) complete(ctx context.Context, env *Envelope, pt []byte) {
	if !isControl(env.Type) {
		if err := m.store.CachePlaintext(&store.Decrypted{
			ItemID:         env.ItemID,
			Type:           env.Type,
			GroupID:        env.GroupID,
			SenderID:       env.SenderID,
			SenderDeviceID: env.SenderDeviceID,
			Plaintext:      pt,
		}); err != nil {
			m.log.Warnf("error caching plaintext for %s: %v", env.ItemID, err)
			m.dispatch(ctx, env, pt)
			m.deleteEnvelope(ctx, env)
			return
		}
	}
	m.dispatchOnce(ctx, env, pt)
	m.deleteEnvelope(ctx, env)
}

// dispatchOnce dispatches unless the cached row says it already happened.
func (m *Manager) dispatchOnce(ctx context.Context, env *Envelope, pt []byte) {
	if !isControl(env.Type) {
		first, err := m.store.MarkDispatched(env.ItemID)
		if err != nil {
			m.log.Warnf("error marking %s dispatched: %v", env.ItemID, err)
		} else if !first {
			return
		}
	}
	m.dispatch(ctx, env, pt)
}
