package protocol

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeviceAddress(t *testing.T) {
	require := require.New(t)
	a := NewDeviceAddress("user.with.dots", 7)
	require.Equal("user.with.dots.7", a.String())

	b, err := ParseDeviceAddress(a.String())
	require.Nil(err)
	require.Equal(a, b)

	_, err = ParseDeviceAddress("nodevice")
	require.Error(err)
	_, err = ParseDeviceAddress("user.x")
	require.Error(err)
}

func TestSessionCorruption(t *testing.T) {
	require := require.New(t)
	require.True(IsSessionCorruption(fmt.Errorf("wrapped: %w", ErrBadMAC)))
	require.True(IsSessionCorruption(ErrNoSession))
	require.False(IsSessionCorruption(ErrDuplicateMessage))
	require.False(IsSessionCorruption(ErrNoSenderKey))
}
