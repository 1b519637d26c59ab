package messaging

import (
	"context"
	"testing"

	"github.com/meow-io/go-courier/protocol"
	"github.com/meow-io/go-courier/realtime"
	"github.com/meow-io/go-courier/store"
	"github.com/stretchr/testify/require"
)

func TestSend1to1FansOutToEveryDevice(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.sessions.directory["bob"] = []uint32{1, 2}
	h.sessions.directory["alice"] = []uint32{1, 3}

	res, err := h.m.Send1to1Message(context.Background(), "bob", TypeText, []byte("hi"), SendOptions{})
	require.Nil(err)
	require.Equal(3, res.SuccessCount)
	require.Equal(0, res.FailCount)

	require.Equal(2, res.RecipientCount)
	var got []protocol.DeviceAddress
	for _, item := range h.transport.itemsOfType(TypeText) {
		require.Equal(res.ItemID, item.ItemID)
		require.Equal("bob", item.ConversationID)
		require.Equal(int(protocol.WhisperType), item.MessageType)
		got = append(got, protocol.NewDeviceAddress(item.RecipientID, item.RecipientDeviceID))
	}
	require.ElementsMatch([]protocol.DeviceAddress{
		protocol.NewDeviceAddress("bob", 1),
		protocol.NewDeviceAddress("bob", 2),
		protocol.NewDeviceAddress("alice", 3),
	}, got)

	items, err := h.store.Items("bob")
	require.Nil(err)
	require.Len(items, 1)
	require.Equal("bob", items[0].RecipientID)
}

func TestSend1to1SkipsUnreachableDevices(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.sessions.directory["bob"] = []uint32{1, 2}
	h.sessions.unreachable[protocol.NewDeviceAddress("bob", 2)] = true

	res, err := h.m.Send1to1Message(context.Background(), "bob", TypeText, []byte("hi"), SendOptions{})
	require.Nil(err)
	require.Equal(1, res.SuccessCount)
}

func TestSend1to1FailsWithoutDevices(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.Send1to1Message(ctx, "dave", TypeText, []byte("hi"), SendOptions{})
	require.ErrorIs(err, ErrNoDeliverableDevices)

	h.sessions.unreachable[protocol.NewDeviceAddress("bob", 2)] = true
	res, err := h.m.Send1to1Message(ctx, "bob", TypeText, []byte("hi"), SendOptions{TargetDeviceID: 2, ItemID: "fixed"})
	require.ErrorIs(err, ErrNoDeliverableDevices)
	require.Equal("fixed", res.ItemID)
	require.Equal(1, res.FailCount)

	items, err := h.store.Items("bob")
	require.Nil(err)
	require.Empty(items)
	items, err = h.store.Items("dave")
	require.Nil(err)
	require.Empty(items)
}

func TestSend1to1NeedsARecipientDevice(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.sessions.directory["alice"] = []uint32{1, 3}
	h.sessions.unreachable[bob] = true

	res, err := h.m.Send1to1Message(context.Background(), "bob", TypeText, []byte("hi"), SendOptions{})
	require.ErrorIs(err, ErrNoDeliverableDevices)
	require.Equal(1, res.SuccessCount)
	require.Equal(0, res.RecipientCount)
	require.Len(h.transport.itemsOfType(TypeText), 1)

	items, err := h.store.Items("bob")
	require.Nil(err)
	require.Empty(items)
}

func TestOwnDeviceCopyIsStoredAsOutgoing(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()

	h.m.SocketHandler().HandleItem(ctx, &realtime.Item{
		ItemID:            "sync-1",
		SenderID:          "alice",
		SenderDeviceID:    3,
		RecipientID:       "alice",
		RecipientDeviceID: 1,
		ConversationID:    "bob",
		Type:              TypeText,
		MessageType:       int(protocol.WhisperType),
		Body:              []byte("hi bob"),
	})

	items, err := h.store.Items("bob")
	require.Nil(err)
	require.Len(items, 1)
	require.Equal(store.DirectionOutgoing, items[0].Direction)
	require.Equal(store.StatusSent, items[0].Status)
	require.Equal("bob", items[0].RecipientID)
	require.Equal(uint32(3), items[0].SenderDeviceID)
	items, err = h.store.Items("alice")
	require.Nil(err)
	require.Empty(items)

	// other senders cannot file items under someone else's conversation
	h.m.SocketHandler().HandleItem(ctx, &realtime.Item{
		ItemID:         "item-2",
		SenderID:       "bob",
		SenderDeviceID: 1,
		ConversationID: "carol",
		Type:           TypeText,
		MessageType:    int(protocol.WhisperType),
		Body:           []byte("hello"),
	})
	items, err = h.store.Items("bob")
	require.Nil(err)
	require.Len(items, 2)
	require.Equal(store.DirectionIncoming, items[1].Direction)
	items, err = h.store.Items("carol")
	require.Nil(err)
	require.Empty(items)
}

func TestMarkGroupItemAsRead(t *testing.T) {
	h := newHarness(t)
	require.Nil(t, h.m.MarkGroupItemAsRead(context.Background(), "g", "item-1"))
	require.Equal(t, []string{"g/item-1"}, h.transport.read)
}
