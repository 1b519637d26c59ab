package messaging

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/meow-io/go-courier/api"
	"github.com/meow-io/go-courier/metrics"
	"github.com/meow-io/go-courier/protocol"
	"golang.org/x/exp/slices"
)

type EnsureOptions struct {
	// Force sends our key to every resolved device, ignoring both what we hold and the dedup window.
	Force bool
	// ActiveMemberIDs limits the members considered. Nil means all members.
	ActiveMemberIDs []string
	// ApplyDeviceCap keeps only recently active devices of each member.
	ApplyDeviceCap bool
}

type DistributionResult struct {
	Created        bool
	SuccessCount   int
	FailCount      int
	MemberFailures int
	Suppressed     int
}

// EnsureSenderKeyForGroup makes sure this device has a sender key for the group. A missing key
// is created and distributed to every member device. An existing key is only sent to devices
// whose key we do not hold yet, which never fails the caller.
func (m *Manager) EnsureSenderKeyForGroup(ctx context.Context, groupID string, opts EnsureOptions) (*DistributionResult, error) {
	name := m.ownKeyName(groupID)
	has, err := m.keys.ContainsSenderKey(name)
	if err != nil {
		return nil, fmt.Errorf("messaging: error checking sender key for %s: %w", groupID, err)
	}
	if has {
		m.runtime.advanceKeyState(groupID, KeyLocalOnly)
		return m.sendSenderKeyToMembersWeNeedKeysFrom(ctx, groupID, opts), nil
	}

	res, distErr := m.CreateAndDistributeSenderKey(ctx, groupID, opts.ActiveMemberIDs, opts.ApplyDeviceCap)
	has, err = m.keys.ContainsSenderKey(name)
	if err != nil {
		return res, fmt.Errorf("messaging: error checking sender key for %s: %w", groupID, err)
	}
	if !has {
		if distErr != nil {
			return res, fmt.Errorf("%w: %v", ErrKeyCreationFailed, distErr)
		}
		return res, ErrKeyCreationFailed
	}
	return res, distErr
}

// CreateAndDistributeSenderKey creates our key for the group (a no-op when it exists) and posts
// its distribution to every device of every member except ourselves. It fails only when the
// members cannot be listed or when no device at all received the key.
func (m *Manager) CreateAndDistributeSenderKey(ctx context.Context, groupID string, activeMemberIDs []string, applyDeviceCap bool) (*DistributionResult, error) {
	dist, err := m.keys.CreateDistribution(m.ownKeyName(groupID))
	if err != nil {
		return nil, fmt.Errorf("messaging: error creating sender key for %s: %w", groupID, err)
	}
	m.runtime.advanceKeyState(groupID, KeyLocalOnly)

	members, err := m.groupMembers(ctx, groupID, activeMemberIDs)
	if err != nil {
		return nil, err
	}

	res := &DistributionResult{Created: true}
	targets, memberFailures := m.resolveDevices(ctx, members, applyDeviceCap)
	res.MemberFailures = memberFailures

	var success, failure atomic.Int64
	runBatches(m.config.DistributionBatchSize, targets, func(addr protocol.DeviceAddress) {
		if err := m.postDistribution(ctx, groupID, addr, dist); err != nil {
			m.log.Warnf("error distributing sender key group=%s device=%s: %v", groupID, addr, err)
			failure.Add(1)
			return
		}
		m.runtime.markSent(dedupKey{GroupID: groupID, UserID: addr.UserID, DeviceID: addr.DeviceID})
		success.Add(1)
	})
	res.SuccessCount = int(success.Load())
	res.FailCount = int(failure.Load()) + memberFailures

	if res.SuccessCount > 0 {
		m.runtime.advanceKeyState(groupID, KeyDistributed)
	}
	m.log.Infof("distributed sender key group=%s success=%d failed=%d", groupID, res.SuccessCount, res.FailCount)
	if res.SuccessCount == 0 && res.FailCount > 0 {
		return res, fmt.Errorf("%w: group %s, %d failures", ErrTotalDistributionFailure, groupID, res.FailCount)
	}
	return res, nil
}

// sendSenderKeyToMembersWeNeedKeysFrom sends our key to each member device whose key we lack,
// skipping devices inside the dedup window. Errors are logged.
func (m *Manager) sendSenderKeyToMembersWeNeedKeysFrom(ctx context.Context, groupID string, opts EnsureOptions) *DistributionResult {
	res := &DistributionResult{}
	members, err := m.groupMembers(ctx, groupID, opts.ActiveMemberIDs)
	if err != nil {
		m.log.Warnf("skipping reciprocal key check for %s: %v", groupID, err)
		return res
	}
	targets, memberFailures := m.resolveDevices(ctx, members, opts.ApplyDeviceCap)
	res.MemberFailures = memberFailures

	var success, failure, suppressed atomic.Int64
	runBatches(m.config.DistributionBatchSize, targets, func(addr protocol.DeviceAddress) {
		if !opts.Force {
			theirs, err := m.keys.ContainsSenderKey(protocol.NewSenderKeyName(groupID, addr))
			if err != nil {
				m.log.Warnf("error checking sender key group=%s device=%s: %v", groupID, addr, err)
				return
			}
			if theirs {
				return
			}
			if !m.runtime.claim(dedupKey{GroupID: groupID, UserID: addr.UserID, DeviceID: addr.DeviceID}) {
				metrics.DistributionsSuppressed.Inc()
				suppressed.Add(1)
				return
			}
		}
		if err := m.sendSenderKeyToDevice(ctx, groupID, addr); err != nil {
			m.log.Warnf("error sending sender key group=%s device=%s: %v", groupID, addr, err)
			failure.Add(1)
			return
		}
		success.Add(1)
	})
	res.SuccessCount = int(success.Load())
	res.FailCount = int(failure.Load())
	res.Suppressed = int(suppressed.Load())
	return res
}

// SendSenderKeyToDevice sends our key for the group to one device, creating the key first if
// needed. It does not consult the dedup window.
func (m *Manager) SendSenderKeyToDevice(ctx context.Context, groupID, userID string, deviceID uint32) error {
	return m.sendSenderKeyToDevice(ctx, groupID, protocol.NewDeviceAddress(userID, deviceID))
}

func (m *Manager) sendSenderKeyToDevice(ctx context.Context, groupID string, addr protocol.DeviceAddress) error {
	dist, err := m.keys.CreateDistribution(m.ownKeyName(groupID))
	if err != nil {
		return fmt.Errorf("messaging: error creating sender key for %s: %w", groupID, err)
	}
	m.runtime.advanceKeyState(groupID, KeyLocalOnly)
	m.runtime.markSent(dedupKey{GroupID: groupID, UserID: addr.UserID, DeviceID: addr.DeviceID})
	if err := m.postDistribution(ctx, groupID, addr, dist); err != nil {
		return err
	}
	m.runtime.advanceKeyState(groupID, KeyDistributed)
	return nil
}

func (m *Manager) postDistribution(ctx context.Context, groupID string, addr protocol.DeviceAddress, dist []byte) error {
	ct, err := m.encryptFor(ctx, addr, dist)
	if err != nil {
		metrics.DistributionsSent.WithLabelValues("encrypt_failed").Inc()
		return err
	}
	if err := m.transport.DistributeSenderKey(ctx, &api.Distribution{
		GroupID:               groupID,
		RecipientID:           addr.UserID,
		RecipientDeviceID:     addr.DeviceID,
		EncryptedDistribution: ct.Body,
		MessageType:           int(ct.Type),
	}); err != nil {
		metrics.DistributionsSent.WithLabelValues("failed").Inc()
		return fmt.Errorf("messaging: error posting distribution to %s: %w", addr, err)
	}
	metrics.DistributionsSent.WithLabelValues("success").Inc()
	return nil
}

// encryptFor encrypts with the session for addr, establishing one first if needed.
func (m *Manager) encryptFor(ctx context.Context, addr protocol.DeviceAddress, pt []byte) (*protocol.Ciphertext, error) {
	has, err := m.sessions.ContainsSession(addr)
	if err != nil {
		return nil, fmt.Errorf("messaging: error checking session %s: %w", addr, err)
	}
	if !has {
		if err := m.sessions.EstablishSession(ctx, addr); err != nil {
			return nil, fmt.Errorf("messaging: error establishing session %s: %w", addr, err)
		}
	}
	cipher, err := m.sessions.SessionCipher(addr)
	if err != nil {
		return nil, fmt.Errorf("messaging: error getting cipher %s: %w", addr, err)
	}
	ct, err := cipher.Encrypt(pt)
	if err != nil {
		return nil, fmt.Errorf("messaging: error encrypting for %s: %w", addr, err)
	}
	return ct, nil
}

// groupMembers lists member ids of a group, filtered to activeMemberIDs when given. Our own
// user is always kept so our other devices get our key.
func (m *Manager) groupMembers(ctx context.Context, groupID string, activeMemberIDs []string) ([]string, error) {
	members, err := m.transport.Members(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrMembershipFetch, groupID, err)
	}
	var ids []string
	for _, member := range members {
		if member.UserID == "" {
			continue
		}
		if member.UserID != m.self.UserID && activeMemberIDs != nil && !slices.Contains(activeMemberIDs, member.UserID) {
			continue
		}
		if !slices.Contains(ids, member.UserID) {
			ids = append(ids, member.UserID)
		}
	}
	return ids, nil
}

// resolveDevices returns the device addresses of the given users, never this device. Users whose
// devices cannot be resolved, even after establishing sessions, are counted and skipped. Having
// no other devices of our own is not a failure.
func (m *Manager) resolveDevices(ctx context.Context, userIDs []string, applyDeviceCap bool) ([]protocol.DeviceAddress, int) {
	var addrs []protocol.DeviceAddress
	failures := 0
	for _, userID := range userIDs {
		deviceIDs, err := m.sessions.DeviceIDsForUser(ctx, userID)
		if err == nil && len(deviceIDs) == 0 {
			if _, err = m.sessions.EstablishSessionWithUser(ctx, userID, applyDeviceCap); err == nil {
				deviceIDs, err = m.sessions.DeviceIDsForUser(ctx, userID)
			}
		}
		if err == nil && len(deviceIDs) == 0 && userID == m.self.UserID {
			continue
		}
		if err != nil || len(deviceIDs) == 0 {
			m.log.Warnf("no devices for member %s: %v", userID, err)
			failures++
			continue
		}
		if applyDeviceCap {
			active, err := m.sessions.FilterActiveDeviceIDs(ctx, userID, deviceIDs)
			if err != nil {
				m.log.Warnf("error filtering devices of %s, using all: %v", userID, err)
			} else {
				deviceIDs = active
			}
		}
		for _, id := range deviceIDs {
			if addr := protocol.NewDeviceAddress(userID, id); addr != m.self {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs, failures
}
