//go:build linux

package netx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestAsyncSigmask(t *testing.T) {
	set := asyncSigmask()
	for _, sig := range []unix.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGUSR1, unix.SIGCHLD} {
		assert.True(t, sigBlocked(&set, sig), "%v should be blocked", sig)
	}
	for _, sig := range []unix.Signal{unix.SIGSEGV, unix.SIGBUS, unix.SIGFPE, unix.SIGILL} {
		assert.False(t, sigBlocked(&set, sig), "%v must stay deliverable", sig)
	}
}

func TestParseAddr(t *testing.T) {
	a, err := ParseAddr("127.0.0.1:12300")
	assert.NoError(t, err)
	assert.Equal(t, AddrUDP, a.Kind)
	assert.Equal(t, "127.0.0.1:12300", a.String())

	a, err = ParseAddr("unix:/tmp/vdht.sock")
	assert.NoError(t, err)
	assert.Equal(t, AddrUnix, a.Kind)
	assert.Equal(t, "unix:/tmp/vdht.sock", a.String())

	for _, bad := range []string{"", "unix:", "[::1]:80", "127.0.0.1", "host:80"} {
		_, err := ParseAddr(bad)
		assert.ErrorIs(t, err, ErrBadAddr, bad)
	}
	assert.False(t, Addr{}.IsValid())
}
