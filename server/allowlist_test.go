package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAllowListRejectsBadEntries(t *testing.T) {
	_, err := NewAllowList([]string{"not-an-ip"})
	assert.Error(t, err)

	_, err = NewAllowList([]string{"10.0.0.0/33"})
	assert.Error(t, err)
}

func TestAllowListExactAndCIDR(t *testing.T) {
	al, err := NewAllowList([]string{"127.0.0.1", "10.0.0.0/8", "::1"})
	require.NoError(t, err)

	assert.True(t, al.Allowed("127.0.0.1"))
	assert.True(t, al.Allowed("10.1.2.3"))
	assert.True(t, al.Allowed("::1"))
	assert.False(t, al.Allowed("192.168.1.1"))
	assert.False(t, al.Allowed("10.x"))
}

func TestAllowListNormalizesMappedIPv4(t *testing.T) {
	al, err := NewAllowList([]string{"192.0.2.10"})
	require.NoError(t, err)

	assert.True(t, al.Allowed("::ffff:192.0.2.10"))
}

func TestEmptyAllowListRejectsEveryone(t *testing.T) {
	al, err := NewAllowList(nil)
	require.NoError(t, err)

	assert.False(t, al.Allowed("127.0.0.1"))
}

func TestRemoteIP(t *testing.T) {
	tcp := &net.TCPAddr{IP: net.ParseIP("::ffff:203.0.113.9"), Port: 2525}
	assert.Equal(t, "203.0.113.9", RemoteIP(tcp))
}
