package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-courier/api"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/protocol"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type testDirectory struct {
	lock      sync.Mutex
	bundles   map[protocol.DeviceAddress]*api.Bundle
	lastSeen  map[protocol.DeviceAddress]int64
	published int
}

func newTestDirectory() *testDirectory {
	return &testDirectory{bundles: map[protocol.DeviceAddress]*api.Bundle{}, lastSeen: map[protocol.DeviceAddress]int64{}}
}

func (d *testDirectory) Devices(ctx context.Context, userID string) ([]api.Device, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	var devices []api.Device
	for addr := range d.bundles {
		if addr.UserID == userID {
			devices = append(devices, api.Device{DeviceID: addr.DeviceID, LastSeen: d.lastSeen[addr]})
		}
	}
	return devices, nil
}

func (d *testDirectory) Bundle(ctx context.Context, userID string, deviceID uint32) (*api.Bundle, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	b, ok := d.bundles[protocol.NewDeviceAddress(userID, deviceID)]
	if !ok {
		return nil, &api.StatusError{Endpoint: "bundle", Status: 404}
	}
	return b, nil
}

func (d *testDirectory) PublishKeys(ctx context.Context, b *api.Bundle) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.bundles[protocol.NewDeviceAddress(b.UserID, b.DeviceID)] = b
	d.published++
	return nil
}

var (
	aliceAddr = protocol.NewDeviceAddress("alice", 1)
	bobAddr   = protocol.NewDeviceAddress("bob", 1)
	start     = time.UnixMilli(1_700_000_000_000)
)

func newTestProvider(t *testing.T, dir *testDirectory, cl clock.Clock, self protocol.DeviceAddress) *Provider {
	c := config.NewConfig(config.WithoutLogFile(), config.WithActiveDeviceWindowMs(int64(time.Hour/time.Millisecond)))
	d := test.NewTestDatabase(c)
	t.Cleanup(func() { _ = d.Shutdown() })
	p, err := New(c, d, cl, self, dir)
	require.Nil(t, err)
	require.Nil(t, p.RepublishKeys(context.Background()))
	dir.lastSeen[self] = start.UnixMilli()
	return p
}

func TestConversation(t *testing.T) {
	require := require.New(t)
	dir := newTestDirectory()
	cl := clock.NewManual(start)
	alice := newTestProvider(t, dir, cl, aliceAddr)
	bob := newTestProvider(t, dir, cl, bobAddr)

	require.Nil(alice.EstablishSession(context.Background(), bobAddr))
	found, err := alice.ContainsSession(bobAddr)
	require.Nil(err)
	require.True(found)

	toBob, err := alice.SessionCipher(bobAddr)
	require.Nil(err)
	toAlice, err := bob.SessionCipher(aliceAddr)
	require.Nil(err)

	// until bob answers every message carries the prekey header
	for i := 0; i < 2; i++ {
		ct, err := toBob.Encrypt([]byte(fmt.Sprintf("hello %d", i)))
		require.Nil(err)
		require.Equal(protocol.PreKeyType, ct.Type)
		pt, err := toAlice.Decrypt(ct)
		require.Nil(err)
		require.Equal(fmt.Sprintf("hello %d", i), string(pt))
	}

	ct, err := toAlice.Encrypt([]byte("hi alice"))
	require.Nil(err)
	require.Equal(protocol.WhisperType, ct.Type)
	pt, err := toBob.Decrypt(ct)
	require.Nil(err)
	require.Equal("hi alice", string(pt))

	ct, err = toBob.Encrypt([]byte("now whisper"))
	require.Nil(err)
	require.Equal(protocol.WhisperType, ct.Type)
	pt, err = toAlice.Decrypt(ct)
	require.Nil(err)
	require.Equal("now whisper", string(pt))

	_, err = toAlice.Decrypt(ct)
	require.ErrorIs(err, protocol.ErrDuplicateMessage)
}

func TestCorruptionErrors(t *testing.T) {
	require := require.New(t)
	dir := newTestDirectory()
	cl := clock.NewManual(start)
	alice := newTestProvider(t, dir, cl, aliceAddr)
	bob := newTestProvider(t, dir, cl, bobAddr)

	require.Nil(alice.EstablishSession(context.Background(), bobAddr))
	toBob, _ := alice.SessionCipher(bobAddr)
	toAlice, _ := bob.SessionCipher(aliceAddr)

	ct, err := toBob.Encrypt([]byte("one"))
	require.Nil(err)
	_, err = toAlice.Decrypt(ct)
	require.Nil(err)
	reply, err := toAlice.Encrypt([]byte("reply"))
	require.Nil(err)

	tampered := &protocol.Ciphertext{Type: reply.Type, Body: append([]byte(nil), reply.Body...)}
	tampered.Body[len(tampered.Body)-1] ^= 0xff
	_, err = toBob.Decrypt(tampered)
	require.ErrorIs(err, protocol.ErrBadMAC)
	require.True(protocol.IsSessionCorruption(err))

	// the failed attempt leaves the session usable
	pt, err := toBob.Decrypt(reply)
	require.Nil(err)
	require.Equal("reply", string(pt))

	require.Nil(alice.DeleteSession(bobAddr))
	another, err := toAlice.Encrypt([]byte("lost"))
	require.Nil(err)
	_, err = toBob.Decrypt(another)
	require.ErrorIs(err, protocol.ErrNoSession)

	_, err = toBob.Decrypt(&protocol.Ciphertext{Type: protocol.WhisperType, Body: []byte{1, 2}})
	require.ErrorIs(err, protocol.ErrInvalidMessage)
}

func TestRebuiltSessionReplacesOld(t *testing.T) {
	require := require.New(t)
	dir := newTestDirectory()
	cl := clock.NewManual(start)
	alice := newTestProvider(t, dir, cl, aliceAddr)
	bob := newTestProvider(t, dir, cl, bobAddr)
	toBob, _ := alice.SessionCipher(bobAddr)
	toAlice, _ := bob.SessionCipher(aliceAddr)

	require.Nil(alice.EstablishSession(context.Background(), bobAddr))
	ct, err := toBob.Encrypt([]byte("first"))
	require.Nil(err)
	_, err = toAlice.Decrypt(ct)
	require.Nil(err)

	// alice heals: drops her side and starts over
	require.Nil(alice.DeleteSession(bobAddr))
	cl.Advance(time.Second)
	require.Nil(alice.EstablishSession(context.Background(), bobAddr))
	ct, err = toBob.Encrypt([]byte("second"))
	require.Nil(err)
	require.Equal(protocol.PreKeyType, ct.Type)
	pt, err := toAlice.Decrypt(ct)
	require.Nil(err)
	require.Equal("second", string(pt))

	reply, err := toAlice.Encrypt([]byte("reply"))
	require.Nil(err)
	pt, err = toBob.Decrypt(reply)
	require.Nil(err)
	require.Equal("reply", string(pt))
}

func TestEstablishSessionWithUser(t *testing.T) {
	require := require.New(t)
	dir := newTestDirectory()
	cl := clock.NewManual(start)
	alice := newTestProvider(t, dir, cl, aliceAddr)
	_ = newTestProvider(t, dir, cl, bobAddr)
	_ = newTestProvider(t, dir, cl, protocol.NewDeviceAddress("bob", 2))
	_ = newTestProvider(t, dir, cl, protocol.NewDeviceAddress("alice", 2))
	dir.lastSeen[protocol.NewDeviceAddress("bob", 2)] = start.Add(-2 * time.Hour).UnixMilli()

	deviceIDs, err := alice.DeviceIDsForUser(context.Background(), "bob")
	require.Nil(err)
	require.Empty(deviceIDs)

	active, err := alice.FilterActiveDeviceIDs(context.Background(), "bob", []uint32{1, 2, 3})
	require.Nil(err)
	require.Equal([]uint32{1}, active)

	ok, err := alice.EstablishSessionWithUser(context.Background(), "bob", true)
	require.Nil(err)
	require.True(ok)
	deviceIDs, err = alice.DeviceIDsForUser(context.Background(), "bob")
	require.Nil(err)
	require.Equal([]uint32{1}, deviceIDs)

	ok, err = alice.EstablishSessionWithUser(context.Background(), "bob", false)
	require.Nil(err)
	require.True(ok)
	deviceIDs, err = alice.DeviceIDsForUser(context.Background(), "bob")
	require.Nil(err)
	require.Equal([]uint32{1, 2}, deviceIDs)

	// own other devices, never ourselves
	ok, err = alice.EstablishSessionWithUser(context.Background(), "alice", false)
	require.Nil(err)
	require.True(ok)
	deviceIDs, err = alice.DeviceIDsForUser(context.Background(), "alice")
	require.Nil(err)
	require.Equal([]uint32{2}, deviceIDs)

	require.Error(alice.EstablishSession(context.Background(), aliceAddr))
	_, err = alice.SessionCipher(aliceAddr)
	require.Error(err)
}

func TestBadBundleSignature(t *testing.T) {
	require := require.New(t)
	dir := newTestDirectory()
	cl := clock.NewManual(start)
	alice := newTestProvider(t, dir, cl, aliceAddr)
	bob := newTestProvider(t, dir, cl, bobAddr)

	b := *bob.Bundle()
	b.SignedPreKeySignature = append([]byte(nil), b.SignedPreKeySignature...)
	b.SignedPreKeySignature[0] ^= 0xff
	dir.bundles[bobAddr] = &b
	require.Error(alice.EstablishSession(context.Background(), bobAddr))
	require.Equal(2, dir.published)
}
