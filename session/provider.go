// Package session manages the 1:1 ratchet sessions between this device and remote devices.
// Sessions start from a signed prekey bundle fetched from the key directory; the initiator keeps
// sending prekey messages until the first reply arrives.
package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/meow-io/go-courier/api"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/protocol"
	"github.com/status-im/doubleratchet"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const receivedRetention = 30 * 24 * time.Hour

// Directory is the server side key directory.
type Directory interface {
	Devices(ctx context.Context, userID string) ([]api.Device, error)
	Bundle(ctx context.Context, userID string, deviceID uint32) (*api.Bundle, error)
	PublishKeys(ctx context.Context, b *api.Bundle) error
}

type Provider struct {
	db           *database
	log          *zap.SugaredLogger
	clock        clock.Clock
	self         protocol.DeviceAddress
	dir          Directory
	activeWindow time.Duration
	identity     *identity
}

var _ protocol.SessionProvider = (*Provider)(nil)

func New(c *config.Config, d *db.Database, cl clock.Clock, self protocol.DeviceAddress, dir Directory) (*Provider, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		db:           database,
		log:          c.Logger("session"),
		clock:        cl,
		self:         self,
		dir:          dir,
		activeWindow: time.Duration(c.ActiveDeviceWindowMs) * time.Millisecond,
	}
	if err := database.Run("load identity", func() error {
		i, err := database.identity()
		if err != nil {
			return err
		}
		if i == nil {
			if i, err = newIdentity(); err != nil {
				return err
			}
			if err := database.insertIdentity(i); err != nil {
				return err
			}
			p.log.Infof("created identity for %s", self)
		}
		p.identity = i
		return nil
	}); err != nil {
		return nil, err
	}
	return p, nil
}

// Bundle is this device's public key bundle.
func (p *Provider) Bundle() *api.Bundle {
	return p.identity.bundle(p.self.UserID, p.self.DeviceID)
}

func (p *Provider) RepublishKeys(ctx context.Context) error {
	if err := p.dir.PublishKeys(ctx, p.Bundle()); err != nil {
		return fmt.Errorf("session: error publishing keys: %w", err)
	}
	return nil
}

func (p *Provider) ContainsSession(addr protocol.DeviceAddress) (bool, error) {
	var found bool
	err := p.db.RunReadOnly("contains session", func() error {
		s, err := p.db.currentSession(addr)
		found = s != nil
		return err
	})
	return found, err
}

// DeviceIDsForUser lists the devices of userID this device holds a session with.
func (p *Provider) DeviceIDsForUser(ctx context.Context, userID string) ([]uint32, error) {
	var deviceIDs []uint32
	if err := p.db.RunReadOnly("device ids", func() error {
		var err error
		deviceIDs, err = p.db.sessionDeviceIDs(userID)
		return err
	}); err != nil {
		return nil, err
	}
	if userID == p.self.UserID {
		deviceIDs = slices.DeleteFunc(deviceIDs, func(id uint32) bool { return id == p.self.DeviceID })
	}
	return deviceIDs, nil
}

func (p *Provider) FilterActiveDeviceIDs(ctx context.Context, userID string, deviceIDs []uint32) ([]uint32, error) {
	if p.activeWindow <= 0 {
		return deviceIDs, nil
	}
	devices, err := p.dir.Devices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session: error listing devices of %s: %w", userID, err)
	}
	cutoff := p.clock.Now().Add(-p.activeWindow).UnixMilli()
	active := make([]uint32, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		idx := slices.IndexFunc(devices, func(d api.Device) bool { return d.DeviceID == id })
		if idx >= 0 && devices[idx].LastSeen >= cutoff {
			active = append(active, id)
		}
	}
	return active, nil
}

// EstablishSessionWithUser fetches the device list of userID and starts a session with every
// device that lacks one. It reports whether any session with the user exists afterwards.
func (p *Provider) EstablishSessionWithUser(ctx context.Context, userID string, applyDeviceCap bool) (bool, error) {
	devices, err := p.dir.Devices(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("session: error listing devices of %s: %w", userID, err)
	}
	deviceIDs := make([]uint32, 0, len(devices))
	for _, d := range devices {
		if userID == p.self.UserID && d.DeviceID == p.self.DeviceID {
			continue
		}
		deviceIDs = append(deviceIDs, d.DeviceID)
	}
	if applyDeviceCap {
		if deviceIDs, err = p.FilterActiveDeviceIDs(ctx, userID, deviceIDs); err != nil {
			return false, err
		}
	}

	for _, id := range deviceIDs {
		addr := protocol.NewDeviceAddress(userID, id)
		found, err := p.ContainsSession(addr)
		if err != nil {
			return false, err
		}
		if found {
			continue
		}
		if err := p.EstablishSession(ctx, addr); err != nil {
			p.log.Warnf("unable to establish session with %s: %v", addr, err)
		}
	}

	existing, err := p.DeviceIDsForUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(existing) != 0, nil
}

// EstablishSession starts a new session with addr from a freshly fetched bundle. The new session
// becomes the current one for the address.
func (p *Provider) EstablishSession(ctx context.Context, addr protocol.DeviceAddress) error {
	if addr == p.self {
		return fmt.Errorf("session: refusing to start a session with ourselves")
	}
	b, err := p.dir.Bundle(ctx, addr.UserID, addr.DeviceID)
	if err != nil {
		return fmt.Errorf("session: error fetching bundle for %s: %w", addr, err)
	}
	if err := verifyBundle(b); err != nil {
		return err
	}
	basePub, basePriv, err := crypto.GenerateDH()
	if err != nil {
		return err
	}
	secret, err := initiatorSecret(p.identity, b, basePriv[:])
	if err != nil {
		return err
	}
	s := &session{
		ID:             sessionID(basePub[:]),
		UserID:         addr.UserID,
		DeviceID:       addr.DeviceID,
		RemoteIdentity: b.IdentityKey,
		PendingBaseKey: basePub[:],
		PendingSPKID:   b.SignedPreKeyID,
		CreatedAt:      int64(p.clock.CurrentTimeMs()),
	}
	if err := p.db.Run("establish session", func() error {
		if err := p.db.insertSession(s); err != nil {
			return err
		}
		return p.db.newInitiatorRatchet(s.ID, secret, b.SignedPreKey)
	}); err != nil {
		return fmt.Errorf("session: error establishing session with %s: %w", addr, err)
	}
	p.log.Debugf("established session with %s id=%x", addr, s.ID[:8])
	return nil
}

func (p *Provider) DeleteSession(addr protocol.DeviceAddress) error {
	return p.db.Run("delete session", func() error {
		n, err := p.db.deleteSessions(addr)
		if err != nil {
			return fmt.Errorf("session: error deleting sessions for %s: %w", addr, err)
		}
		p.log.Debugf("deleted %d sessions for %s", n, addr)
		return nil
	})
}

func (p *Provider) SessionCipher(addr protocol.DeviceAddress) (protocol.Cipher, error) {
	if addr == p.self {
		return nil, fmt.Errorf("session: no cipher for our own address")
	}
	return &cipher{p: p, addr: addr}, nil
}

type cipher struct {
	p    *Provider
	addr protocol.DeviceAddress
}

func (c *cipher) Encrypt(plaintext []byte) (*protocol.Ciphertext, error) {
	var ct *protocol.Ciphertext
	err := c.p.db.Run("session encrypt", func() error {
		s, err := c.p.db.currentSession(c.addr)
		if err != nil {
			return err
		}
		if s == nil {
			return protocol.ErrNoSession
		}
		r, err := c.p.db.loadRatchet(s.ID)
		if err != nil {
			return err
		}
		msg, err := r.RatchetEncrypt(plaintext, s.ID)
		if err != nil {
			return err
		}
		body := (&whisperMessage{
			SessionID:  s.ID,
			DH:         msg.Header.DH,
			N:          msg.Header.N,
			PN:         msg.Header.PN,
			Ciphertext: msg.Ciphertext,
		}).marshal()
		if s.PendingBaseKey == nil {
			ct = &protocol.Ciphertext{Type: protocol.WhisperType, Body: body}
			return nil
		}
		ct = &protocol.Ciphertext{Type: protocol.PreKeyType, Body: (&preKeyMessage{
			IdentityKey:    c.p.identity.IdentityPub,
			BaseKey:        s.PendingBaseKey,
			SignedPreKeyID: s.PendingSPKID,
			Message:        body,
		}).marshal()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: error encrypting for %s: %w", c.addr, err)
	}
	return ct, nil
}

func (c *cipher) Decrypt(ct *protocol.Ciphertext) ([]byte, error) {
	digest := sha256.Sum256(append([]byte{byte(ct.Type)}, ct.Body...))
	now := c.p.clock.Now()
	var plaintext []byte
	err := c.p.db.Run("session decrypt", func() error {
		seen, err := c.p.db.received(digest[:])
		if err != nil {
			return err
		}
		if seen {
			return protocol.ErrDuplicateMessage
		}

		switch ct.Type {
		case protocol.PreKeyType:
			plaintext, err = c.decryptPreKey(ct.Body)
		case protocol.WhisperType:
			plaintext, err = c.decryptWhisper(ct.Body)
		default:
			err = fmt.Errorf("%w: unexpected ciphertext type %s", protocol.ErrInvalidMessage, ct.Type)
		}
		if err != nil {
			return err
		}
		if err := c.p.db.insertReceived(digest[:], now.UnixMilli()); err != nil {
			return err
		}
		return c.p.db.pruneReceived(now.Add(-receivedRetention).UnixMilli())
	})
	if err != nil {
		return nil, fmt.Errorf("session: error decrypting from %s: %w", c.addr, err)
	}
	return plaintext, nil
}

func (c *cipher) decryptPreKey(body []byte) ([]byte, error) {
	pk, err := unmarshalPreKey(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidMessage, err)
	}
	if pk.SignedPreKeyID != c.p.identity.SignedPreKeyID {
		return nil, fmt.Errorf("%w: unknown signed prekey %d", protocol.ErrInvalidMessage, pk.SignedPreKeyID)
	}
	w, err := unmarshalWhisper(pk.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidMessage, err)
	}
	id := sessionID(pk.BaseKey)
	if !bytes.Equal(id, w.SessionID) {
		return nil, fmt.Errorf("%w: session id does not match base key", protocol.ErrInvalidMessage)
	}

	s, err := c.p.db.session(id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		secret, err := responderSecret(c.p.identity, pk.IdentityKey, pk.BaseKey)
		if err != nil {
			return nil, err
		}
		s = &session{
			ID:             id,
			UserID:         c.addr.UserID,
			DeviceID:       c.addr.DeviceID,
			RemoteIdentity: pk.IdentityKey,
			CreatedAt:      int64(c.p.clock.CurrentTimeMs()),
		}
		if err := c.p.db.insertSession(s); err != nil {
			return nil, err
		}
		if err := c.p.db.newResponderRatchet(id, secret, newDHPair(c.p.identity.SignedPreKeyPriv)); err != nil {
			return nil, err
		}
		c.p.log.Debugf("accepted session from %s id=%x", c.addr, id[:8])
	} else if s.address() != c.addr {
		return nil, fmt.Errorf("%w: session belongs to %s", protocol.ErrInvalidMessage, s.address())
	}
	return c.ratchetDecrypt(s, w)
}

func (c *cipher) decryptWhisper(body []byte) ([]byte, error) {
	w, err := unmarshalWhisper(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidMessage, err)
	}
	s, err := c.p.db.session(w.SessionID)
	if err != nil {
		return nil, err
	}
	if s == nil || s.address() != c.addr {
		return nil, protocol.ErrNoSession
	}
	pt, err := c.ratchetDecrypt(s, w)
	if err != nil {
		return nil, err
	}
	if s.PendingBaseKey != nil {
		if err := c.p.db.clearPendingBaseKey(s.ID); err != nil {
			return nil, err
		}
	}
	return pt, nil
}

func (c *cipher) ratchetDecrypt(s *session, w *whisperMessage) ([]byte, error) {
	r, err := c.p.db.loadRatchet(s.ID)
	if err != nil {
		return nil, err
	}
	pt, err := r.RatchetDecrypt(doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: w.DH,
			N:  w.N,
			PN: w.PN,
		},
		Ciphertext: w.Ciphertext,
	}, s.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrBadMAC, err)
	}
	return pt, nil
}
