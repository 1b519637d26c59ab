package messaging

import (
	"context"
	"testing"

	"github.com/meow-io/go-courier/store"
	"github.com/stretchr/testify/require"
)

func TestReactionsAggregate(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()

	h.m.ReceiveMessage(ctx, bobDirectEnvelope("r-1", TypeEmote, `{"targetItemId":"item-x","emoji":"👍"}`), nil)
	var update *ReactionUpdate
	updates := h.updates()
	for _, u := range updates {
		if r, ok := u.(*ReactionUpdate); ok {
			update = r
		}
	}
	require.NotNil(update)
	require.Equal("item-x", update.TargetItemID)
	require.Equal(map[string][]string{"👍": {"bob"}}, update.Reactions)
	require.Empty(newMessages(updates))

	h.m.ReceiveMessage(ctx, bobDirectEnvelope("r-2", TypeReaction, `{"targetItemId":"item-x","emoji":"👍","remove":true}`), nil)
	update = nil
	for _, u := range h.updates() {
		if r, ok := u.(*ReactionUpdate); ok {
			update = r
		}
	}
	require.NotNil(update)
	require.Empty(update.Reactions)

	items, err := h.store.Items("bob")
	require.Nil(err)
	require.Empty(items)
}

func TestCallbacks(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()
	h.giveBobKey(t, 900)

	var byType, bySender, byGroup []string
	h.m.OnType(TypeText, func(msg *NewMessage) { byType = append(byType, msg.ItemID) })
	h.m.OnSender("bob", func(msg *NewMessage) { bySender = append(bySender, msg.ItemID) })
	h.m.OnGroup("g", func(msg *NewMessage) { byGroup = append(byGroup, msg.ItemID) })
	h.m.OnGroup("other", func(msg *NewMessage) { t.Errorf("unexpected callback for %s", msg.ItemID) })

	h.m.ReceiveMessage(ctx, bobGroupEnvelope("group-1", 900, 1, "in group"), nil)
	h.m.ReceiveMessage(ctx, bobDirectEnvelope("direct-1", TypeText, "direct"), nil)

	require.Equal([]string{"group-1", "direct-1"}, byType)
	require.Equal([]string{"group-1", "direct-1"}, bySender)
	require.Equal([]string{"group-1"}, byGroup)
}

func TestSystemMessageFromPeer(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)

	h.m.ReceiveMessage(context.Background(), bobDirectEnvelope("sys-1", TypeSystem, "bob changed their name"), nil)
	var sys *SystemMessage
	for _, u := range h.updates() {
		if s, ok := u.(*SystemMessage); ok {
			sys = s
		}
	}
	require.NotNil(sys)
	require.Equal("bob", sys.ConversationID)

	items, err := h.store.Items("bob")
	require.Nil(err)
	require.Len(items, 1)
	require.Equal(store.TypeSystem, items[0].Type)
	require.Equal(store.DirectionLocal, items[0].Direction)
}
