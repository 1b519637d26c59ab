// Package realtime is the socket connection to the chat server. Frames are JSON objects carrying
// an event name and its data.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/metrics"
	"go.uber.org/zap"
)

const (
	EventSendItem            = "sendItem"
	EventSendGroupItem       = "sendGroupItem"
	EventRequestSenderKey    = "requestSenderKey"
	EventDeleteItem          = "deleteItem"
	EventMarkGroupItemAsRead = "markGroupItemAsRead"

	EventItem                  = "item"
	EventGroupItem             = "groupItem"
	EventSenderKeyDistribution = "senderKeyDistribution"
)

var ErrClosed = errors.New("realtime: connection closed")

type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Item is a 1:1 item for one device.
type Item struct {
	ItemID            string `json:"itemId"`
	SenderID          string `json:"senderId,omitempty"`
	SenderDeviceID    uint32 `json:"senderDeviceId"`
	RecipientID       string `json:"recipientId,omitempty"`
	RecipientDeviceID uint32 `json:"recipientDeviceId,omitempty"`
	ConversationID    string `json:"conversationId,omitempty"`
	Type              string `json:"type"`
	MessageType       int    `json:"messageType"`
	Body              []byte `json:"body"`
	RetryOf           string `json:"retryOf,omitempty"`
	RetryAttempt      int    `json:"retryAttempt,omitempty"`
	RetryDeviceID     uint32 `json:"retryDeviceId,omitempty"`
}

type GroupItem struct {
	ItemID         string `json:"itemId"`
	GroupID        string `json:"groupId"`
	SenderID       string `json:"senderId,omitempty"`
	SenderDeviceID uint32 `json:"senderDeviceId"`
	Type           string `json:"type"`
	Body           []byte `json:"body"`
}

type SenderKeyDistribution struct {
	GroupID               string `json:"groupId"`
	SenderID              string `json:"senderId"`
	SenderDeviceID        uint32 `json:"senderDeviceId"`
	EncryptedDistribution []byte `json:"encryptedDistribution"`
	MessageType           int    `json:"messageType"`
}

// KeyRequest asks the devices of TargetUserID for their sender key in a group. A zero
// TargetDeviceID addresses every device of the user.
type KeyRequest struct {
	GroupID           string `json:"groupId"`
	RequesterID       string `json:"requesterId,omitempty"`
	RequesterDeviceID uint32 `json:"requesterDeviceId"`
	TargetUserID      string `json:"targetUserId"`
	TargetDeviceID    uint32 `json:"targetDeviceId,omitempty"`
}

type deleteItem struct {
	ItemID string `json:"itemId"`
}

type markRead struct {
	GroupID string `json:"groupId"`
	ItemID  string `json:"itemId"`
}

// Handler receives inbound frames. Calls are made from the read loop one at a time.
type Handler interface {
	HandleItem(ctx context.Context, item *Item)
	HandleGroupItem(ctx context.Context, item *GroupItem)
	HandleSenderKeyDistribution(ctx context.Context, d *SenderKeyDistribution)
	HandleKeyRequest(ctx context.Context, r *KeyRequest)
}

type Conn struct {
	ws     *websocket.Conn
	log    *zap.SugaredLogger
	closed atomic.Bool
}

func Dial(ctx context.Context, c *config.Config) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if c.AuthToken != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.AuthToken}}
	}
	ws, _, err := websocket.Dial(ctx, c.RealtimeURL, opts)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	return &Conn{ws: ws, log: c.Logger("realtime")}, nil
}

// Emit writes one frame. It is safe to call from multiple goroutines.
func (c *Conn) Emit(ctx context.Context, event string, data any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("realtime: marshal %s: %w", event, err)
	}
	if err := wsjson.Write(ctx, c.ws, &Frame{Event: event, Data: raw}); err != nil {
		return fmt.Errorf("realtime: write %s: %w", event, err)
	}
	metrics.RealtimeEvents.WithLabelValues("out", event).Inc()
	return nil
}

func (c *Conn) SendItem(ctx context.Context, item *Item) error {
	return c.Emit(ctx, EventSendItem, item)
}

func (c *Conn) SendGroupItem(ctx context.Context, item *GroupItem) error {
	return c.Emit(ctx, EventSendGroupItem, item)
}

func (c *Conn) RequestSenderKey(ctx context.Context, r *KeyRequest) error {
	return c.Emit(ctx, EventRequestSenderKey, r)
}

func (c *Conn) DeleteItem(ctx context.Context, itemID string) error {
	return c.Emit(ctx, EventDeleteItem, &deleteItem{ItemID: itemID})
}

func (c *Conn) MarkGroupItemAsRead(ctx context.Context, groupID, itemID string) error {
	return c.Emit(ctx, EventMarkGroupItemAsRead, &markRead{GroupID: groupID, ItemID: itemID})
}

// Run reads frames until the context ends or the connection fails, passing each to h.
func (c *Conn) Run(ctx context.Context, h Handler) error {
	for {
		f := &Frame{}
		if err := wsjson.Read(ctx, c.ws, f); err != nil {
			if c.closed.Load() {
				return ErrClosed
			}
			return fmt.Errorf("realtime: read: %w", err)
		}
		metrics.RealtimeEvents.WithLabelValues("in", f.Event).Inc()
		if err := c.dispatch(ctx, f, h); err != nil {
			c.log.Warnf("dropping %s frame: %v", f.Event, err)
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, f *Frame, h Handler) error {
	switch f.Event {
	case EventItem:
		item := &Item{}
		if err := json.Unmarshal(f.Data, item); err != nil {
			return err
		}
		h.HandleItem(ctx, item)
	case EventGroupItem:
		item := &GroupItem{}
		if err := json.Unmarshal(f.Data, item); err != nil {
			return err
		}
		h.HandleGroupItem(ctx, item)
	case EventSenderKeyDistribution:
		d := &SenderKeyDistribution{}
		if err := json.Unmarshal(f.Data, d); err != nil {
			return err
		}
		h.HandleSenderKeyDistribution(ctx, d)
	case EventRequestSenderKey:
		r := &KeyRequest{}
		if err := json.Unmarshal(f.Data, r); err != nil {
			return err
		}
		h.HandleKeyRequest(ctx, r)
	default:
		c.log.Debugf("ignoring event %s", f.Event)
	}
	return nil
}

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
