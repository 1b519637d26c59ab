package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/meow-io/go-courier/protocol"
	"github.com/meow-io/go-courier/realtime"
	"github.com/meow-io/go-courier/store"
	"github.com/stretchr/testify/require"
)

func TestUnknownSenderKeyQueuesAndRequests(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()

	var replayed []string
	res := h.m.ReceiveMessage(ctx, bobGroupEnvelope("item-1", 900, 1, "first"), func(pt []byte) {
		replayed = append(replayed, string(pt))
	})
	require.Equal(Queued, res.Status)
	require.Equal(1, h.m.PendingCount("g", "bob", 1))

	requests := h.transport.groupItemsOfType(TypeSenderKeyRequest)
	require.Len(requests, 1)
	parts := bytes.SplitN(requests[0].Body, []byte(":"), 3)
	req := &senderKeyRequest{}
	require.Nil(json.Unmarshal(parts[2], req))
	require.Equal("bob", req.TargetUserID)
	require.Equal(uint32(1), req.TargetDeviceID)

	targeted := h.transport.callIndex("groupItem:" + TypeSenderKeyRequest)
	broadcast := h.transport.callIndex("keyRequest:bob")
	require.GreaterOrEqual(targeted, 0)
	require.Greater(broadcast, targeted)

	// no healing and the server keeps the item
	require.Empty(h.sessions.deleted)
	require.Equal(0, h.sessions.republished)
	require.False(h.transport.wasDeleted("item-1"))

	res = h.m.ReceiveMessage(ctx, bobGroupEnvelope("item-2", 900, 2, "second"), nil)
	require.Equal(Queued, res.Status)
	require.Equal(2, h.m.PendingCount("g", "bob", 1))
	require.Len(h.transport.keyRequests, 1)
	require.Empty(newMessages(h.updates()))

	h.giveBobKey(t, 900)
	require.Equal(0, h.m.PendingCount("g", "bob", 1))
	msgs := newMessages(h.updates())
	require.Len(msgs, 2)
	require.Equal("first", string(msgs[0].Plaintext))
	require.Equal("second", string(msgs[1].Plaintext))
	require.Equal([]string{"first"}, replayed)
	require.True(h.transport.wasDeleted("item-1"))
	require.True(h.transport.wasDeleted("item-2"))

	items, err := h.store.Items("g")
	require.Nil(err)
	require.Len(items, 2)

	// the bucket is gone; a second distribution replays nothing
	h.giveBobKey(t, 900)
	require.Empty(newMessages(h.updates()))
}

func TestReplayRequeuesIntoFreshBucket(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()

	require.Equal(Queued, h.m.ReceiveMessage(ctx, bobGroupEnvelope("old", 901, 1, "old key"), nil).Status)
	require.Equal(Queued, h.m.ReceiveMessage(ctx, bobGroupEnvelope("new", 900, 1, "new key"), nil).Status)
	require.Len(h.transport.keyRequests, 1)

	h.giveBobKey(t, 900)
	msgs := newMessages(h.updates())
	require.Len(msgs, 1)
	require.Equal("new key", string(msgs[0].Plaintext))

	// the stale message went back into a new bucket and asked again
	require.Equal(1, h.m.PendingCount("g", "bob", 1))
	require.Len(h.transport.keyRequests, 2)
	require.False(h.transport.wasDeleted("old"))
}

func TestSameItemNotProcessedTwice(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()
	env := bobDirectEnvelope("item-1", TypeText, "hi alice")

	res := h.m.ReceiveMessage(ctx, env, nil)
	require.Equal(Decrypted, res.Status)
	require.False(res.FromCache)
	require.Len(newMessages(h.updates()), 1)

	res = h.m.ReceiveMessage(ctx, env, nil)
	require.Equal(Decrypted, res.Status)
	require.True(res.FromCache)
	require.Empty(newMessages(h.updates()))

	items, err := h.store.Items("bob")
	require.Nil(err)
	require.Len(items, 1)
	require.Equal(store.DirectionIncoming, items[0].Direction)

	deletes := 0
	for _, id := range h.transport.deleted {
		if id == "item-1" {
			deletes++
		}
	}
	require.Equal(2, deletes)
}

func TestDuplicateDropped(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()
	h.giveBobKey(t, 900)

	require.Equal(Decrypted, h.m.ReceiveMessage(ctx, bobGroupEnvelope("item-1", 900, 1, "once"), nil).Status)
	res := h.m.ReceiveMessage(ctx, bobGroupEnvelope("item-2", 900, 1, "once"), nil)
	require.Equal(Duplicate, res.Status)
	require.True(h.transport.wasDeleted("item-2"))
	require.Equal(0, h.sessions.republished)
	require.Len(newMessages(h.updates()), 1)
}

func TestBadMACHealsAndRequestsReset(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()
	h.sessions.decryptErrs[bob] = fmt.Errorf("session: %w", protocol.ErrBadMAC)

	var observed []string
	h.m.OnDecryptionFailure(func(addr protocol.DeviceAddress, reason string) {
		observed = append(observed, addr.String())
	})

	res := h.m.ReceiveMessage(ctx, bobDirectEnvelope("item-1", TypeText, "garbled"), nil)
	require.Equal(Failed, res.Status)
	require.True(res.Recovered)
	require.Contains(res.Reason, "bad mac")

	require.Equal(1, h.sessions.republished)
	require.Equal([]protocol.DeviceAddress{bob}, h.sessions.deleted)
	require.Contains(h.sessions.established, bob)

	resets := h.transport.itemsOfType(TypeSessionResetRequest)
	require.Len(resets, 1)
	require.Equal("bob", resets[0].RecipientID)
	require.Equal(uint32(1), resets[0].RecipientDeviceID)
	req := &sessionResetRequest{}
	require.Nil(json.Unmarshal(resets[0].Body, req))
	require.Equal("item-1", req.FailedItemID)

	items, err := h.store.Items("bob")
	require.Nil(err)
	require.Len(items, 1)
	require.Equal(store.TypeSystem, items[0].Type)
	require.True(strings.HasPrefix(string(items[0].Payload), "🔒"))
	require.Contains(string(items[0].Payload), "automatically recovered")

	require.Equal([]string{"bob.1"}, observed)
	require.True(h.transport.wasDeleted("item-1"))

	var failure *DecryptionFailure
	for _, u := range h.updates() {
		if f, ok := u.(*DecryptionFailure); ok {
			failure = f
		}
	}
	require.NotNil(failure)
	require.True(failure.Recovered)
	require.Equal(bob, failure.Sender)
}

func TestHealingFailureLeavesWarning(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.sessions.decryptErrs[bob] = protocol.ErrInvalidMessage
	h.sessions.unreachable[bob] = true

	res := h.m.ReceiveMessage(context.Background(), bobDirectEnvelope("item-1", TypeText, "garbled"), nil)
	require.Equal(Failed, res.Status)
	require.False(res.Recovered)
	require.Empty(h.transport.itemsOfType(TypeSessionResetRequest))

	items, err := h.store.Items("bob")
	require.Nil(err)
	require.Len(items, 1)
	require.True(strings.HasPrefix(string(items[0].Payload), "⚠️"))
	require.True(h.transport.wasDeleted("item-1"))
}

func TestMissingSessionHealsWithoutReset(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.sessions.decryptErrs[bob] = protocol.ErrNoSession

	res := h.m.ReceiveMessage(context.Background(), bobDirectEnvelope("item-1", TypeText, "?"), nil)
	require.Equal(Failed, res.Status)
	require.True(res.Recovered)
	require.Empty(h.transport.itemsOfType(TypeSessionResetRequest))
}

func TestGroupDecryptFailureHeals(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.giveBobKey(t, 900)
	h.keys.decryptErr = protocol.ErrBadMAC

	res := h.m.ReceiveMessage(context.Background(), bobGroupEnvelope("item-1", 900, 1, "x"), nil)
	require.Equal(Failed, res.Status)
	require.Equal(0, h.m.PendingCount("g", "bob", 1))

	items, err := h.store.Items("g")
	require.Nil(err)
	require.Len(items, 1)
	require.Equal(store.TypeSystem, items[0].Type)
}

func TestSocketHandlerFeedsPipeline(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	sh := h.m.SocketHandler()
	ctx := context.Background()

	sh.HandleSenderKeyDistribution(ctx, &realtime.SenderKeyDistribution{
		GroupID:               "g",
		SenderID:              "bob",
		SenderDeviceID:        1,
		EncryptedDistribution: []byte("900"),
		MessageType:           int(protocol.WhisperType),
	})
	sh.HandleGroupItem(ctx, &realtime.GroupItem{
		ItemID:         "item-1",
		GroupID:        "g",
		SenderID:       "bob",
		SenderDeviceID: 1,
		Type:           TypeText,
		Body:           groupCiphertext(900, 1, "via socket"),
	})
	msgs := newMessages(h.updates())
	require.Len(msgs, 1)
	require.Equal("via socket", string(msgs[0].Plaintext))
	require.Equal("g", msgs[0].GroupID)
}
