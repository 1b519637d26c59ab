// Package api is the HTTP client for the membership, sender key distribution and key directory
// endpoints of the chat server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/metrics"
	"go.uber.org/zap"
)

const maxErrorBody = 4096

// StatusError is returned for any response outside 200 and 201.
type StatusError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s returned status=%d body=%q", e.Endpoint, e.Status, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == code
}

type Member struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

type Device struct {
	DeviceID uint32 `json:"deviceId"`
	LastSeen int64  `json:"lastSeen"`
}

// Bundle is the public key material a device publishes so others can start sessions with it.
type Bundle struct {
	UserID                string `json:"userId"`
	DeviceID              uint32 `json:"deviceId"`
	IdentityKey           []byte `json:"identityKey"`
	SigningKey            []byte `json:"signingKey"`
	SignedPreKeyID        uint32 `json:"signedPreKeyId"`
	SignedPreKey          []byte `json:"signedPreKey"`
	SignedPreKeySignature []byte `json:"signedPreKeySignature"`
}

type Distribution struct {
	GroupID               string `json:"groupId"`
	RecipientID           string `json:"recipientId"`
	RecipientDeviceID     uint32 `json:"recipientDeviceId"`
	EncryptedDistribution []byte `json:"encryptedDistribution"`
	MessageType           int    `json:"messageType"`
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
	log     *zap.SugaredLogger
}

func NewClient(c *config.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(c.APIURL, "/"),
		token:   c.AuthToken,
		client:  &http.Client{Timeout: time.Duration(c.RequestTimeoutMs) * time.Millisecond},
		log:     c.Logger("api"),
	}
}

// Members lists the members of a group. The server answers with either a bare array or an
// object holding a members array.
func (c *Client) Members(ctx context.Context, groupID string) ([]Member, error) {
	body, err := c.do(ctx, "members", http.MethodGet, "/api/channels/"+url.PathEscape(groupID)+"/members", nil)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	var members []Member
	if len(body) > 0 && body[0] == '[' {
		err = json.Unmarshal(body, &members)
	} else {
		wrapped := struct {
			Members []Member `json:"members"`
		}{}
		err = json.Unmarshal(body, &wrapped)
		members = wrapped.Members
	}
	if err != nil {
		return nil, fmt.Errorf("api: error decoding members of %s: %w", groupID, err)
	}
	return members, nil
}

func (c *Client) DistributeSenderKey(ctx context.Context, d *Distribution) error {
	_, err := c.do(ctx, "distribute", http.MethodPost, "/api/signal/distribute-sender-key", d)
	return err
}

func (c *Client) Devices(ctx context.Context, userID string) ([]Device, error) {
	body, err := c.do(ctx, "devices", http.MethodGet, "/api/signal/devices/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	var devices []Device
	if err := json.Unmarshal(body, &devices); err != nil {
		return nil, fmt.Errorf("api: error decoding devices of %s: %w", userID, err)
	}
	return devices, nil
}

func (c *Client) Bundle(ctx context.Context, userID string, deviceID uint32) (*Bundle, error) {
	body, err := c.do(ctx, "bundle", http.MethodGet, "/api/signal/bundle/"+url.PathEscape(userID)+"/"+strconv.FormatUint(uint64(deviceID), 10), nil)
	if err != nil {
		return nil, err
	}
	b := &Bundle{}
	if err := json.Unmarshal(body, b); err != nil {
		return nil, fmt.Errorf("api: error decoding bundle of %s.%d: %w", userID, deviceID, err)
	}
	return b, nil
}

func (c *Client) PublishKeys(ctx context.Context, b *Bundle) error {
	_, err := c.do(ctx, "keys", http.MethodPut, "/api/signal/keys", b)
	return err
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, in any) ([]byte, error) {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.APIRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	metrics.APIRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	c.log.Debugf("%s %s status=%d took=%s", method, path, resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Endpoint: endpoint, Status: resp.StatusCode, Body: string(b)}
	}
	return io.ReadAll(resp.Body)
}
