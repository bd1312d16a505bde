package identity

import (
	"errors"
	"net"
	"testing"

	"github.com/lattesec/modfleet/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeHost(mac net.HardwareAddr, release string) *Host {
	return &Host{
		Interface: "eth0",
		Release:   release,
		LinkAddr:  func(string) (net.HardwareAddr, error) { return mac, nil },
		Uname:     func() (string, error) { return "6.1.0-test", nil },
	}
}

func TestHost_Identity(t *testing.T) {
	mac := net.HardwareAddr{0x00, 0x1a, 0x2b, 0x3c, 0x4d, 0x5e}

	id, err := fakeHost(mac, "").Identity()
	require.NoError(t, err)
	assert.Equal(t, protocol.HostIdentity{MAC: "00:1a:2b:3c:4d:5e", Release: "6.1.0-test"}, id)

	id, err = fakeHost(mac, "5.15.0-custom").Identity()
	require.NoError(t, err)
	assert.Equal(t, "5.15.0-custom", id.Release)
}

func TestHost_Errors(t *testing.T) {
	_, err := fakeHost(nil, "").Identity()
	assert.ErrorIs(t, err, ErrNoHardwareAddr)

	h := fakeHost(nil, "")
	h.LinkAddr = func(string) (net.HardwareAddr, error) { return nil, errors.New("link not found") }
	_, err = h.Identity()
	assert.ErrorContains(t, err, "link not found")
}

func TestKernelRelease(t *testing.T) {
	rel, err := kernelRelease()
	require.NoError(t, err)
	assert.NotEmpty(t, rel)
}
