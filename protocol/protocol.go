// Package protocol defines the addresses, errors and collaborator interfaces shared by the
// sender key store, the session provider and the messaging orchestrator.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNoSenderKey      = errors.New("protocol: no sender key")
	ErrDuplicateMessage = errors.New("protocol: duplicate message")
	ErrBadMAC           = errors.New("protocol: bad mac")
	ErrInvalidMessage   = errors.New("protocol: invalid message")
	ErrNoSession        = errors.New("protocol: no session")
)

// IsSessionCorruption reports whether err means the 1:1 session state can no longer be trusted.
func IsSessionCorruption(err error) bool {
	return errors.Is(err, ErrBadMAC) || errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrNoSession)
}

// DeviceAddress identifies one cryptographic endpoint.
type DeviceAddress struct {
	UserID   string
	DeviceID uint32
}

func NewDeviceAddress(userID string, deviceID uint32) DeviceAddress {
	return DeviceAddress{UserID: userID, DeviceID: deviceID}
}

func (a DeviceAddress) String() string {
	return fmt.Sprintf("%s.%d", a.UserID, a.DeviceID)
}

func ParseDeviceAddress(s string) (DeviceAddress, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 {
		return DeviceAddress{}, fmt.Errorf("protocol: malformed address %q", s)
	}
	d, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return DeviceAddress{}, fmt.Errorf("protocol: malformed device id in %q: %w", s, err)
	}
	return DeviceAddress{UserID: s[:i], DeviceID: uint32(d)}, nil
}

// SenderKeyName names the key a single device uses to encrypt to a group.
type SenderKeyName struct {
	GroupID string
	Sender  DeviceAddress
}

func NewSenderKeyName(groupID string, sender DeviceAddress) SenderKeyName {
	return SenderKeyName{GroupID: groupID, Sender: sender}
}

func (n SenderKeyName) String() string {
	return n.GroupID + "::" + n.Sender.String()
}

type CiphertextType int

const (
	WhisperType   CiphertextType = 2
	PreKeyType    CiphertextType = 3
	SenderKeyType CiphertextType = 7
)

func (t CiphertextType) String() string {
	switch t {
	case WhisperType:
		return "whisper"
	case PreKeyType:
		return "prekey"
	case SenderKeyType:
		return "senderkey"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

type Ciphertext struct {
	Type CiphertextType
	Body []byte
}

// KeyStore holds sender key material. CreateDistribution is idempotent: calling it for a name
// which already has a chain returns the distribution message of that chain.
type KeyStore interface {
	ContainsSenderKey(name SenderKeyName) (bool, error)
	CreateDistribution(name SenderKeyName) ([]byte, error)
	ProcessDistribution(name SenderKeyName, distribution []byte) error
	GroupEncrypt(name SenderKeyName, plaintext []byte) ([]byte, error)
	GroupDecrypt(name SenderKeyName, ciphertext []byte) ([]byte, error)
	StoreSenderKey(name SenderKeyName, record []byte) error
	LoadSenderKey(name SenderKeyName) ([]byte, error)
}

// Cipher encrypts and decrypts for one remote device.
type Cipher interface {
	Encrypt(plaintext []byte) (*Ciphertext, error)
	Decrypt(ct *Ciphertext) ([]byte, error)
}

// SessionProvider owns the 1:1 sessions between this device and remote devices.
type SessionProvider interface {
	ContainsSession(addr DeviceAddress) (bool, error)
	// EstablishSessionWithUser creates sessions to every (or, with applyDeviceCap, every active)
	// device of userID that doesn't have one yet. It reports whether any session exists afterwards.
	EstablishSessionWithUser(ctx context.Context, userID string, applyDeviceCap bool) (bool, error)
	EstablishSession(ctx context.Context, addr DeviceAddress) error
	DeviceIDsForUser(ctx context.Context, userID string) ([]uint32, error)
	FilterActiveDeviceIDs(ctx context.Context, userID string, deviceIDs []uint32) ([]uint32, error)
	SessionCipher(addr DeviceAddress) (Cipher, error)
	DeleteSession(addr DeviceAddress) error
	RepublishKeys(ctx context.Context) error
}
