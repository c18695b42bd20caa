// Package netx moves datagrams between sockets and dispatchers.
//
// A Transport is one bound socket (UDP or UNIX datagram). A Waiter owns a set
// of transports and drives them from a single readiness loop: it receives
// when a socket is readable, sends one queued message when a socket is
// writable, and reopens a socket that keeps failing.
package netx

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

type AddrKind uint8

const (
	AddrUDP AddrKind = iota + 1
	AddrUnix
)

// Addr is either an IPv4 socket address or a UNIX socket path.
type Addr struct {
	Kind AddrKind
	IP   netip.AddrPort
	Path string
}

var ErrBadAddr = errors.New("netx: bad address")

func UDPAddr(ap netip.AddrPort) Addr { return Addr{Kind: AddrUDP, IP: ap} }
func UnixAddr(path string) Addr      { return Addr{Kind: AddrUnix, Path: path} }

// ParseAddr accepts "ip:port" or "unix:<path>".
func ParseAddr(s string) (Addr, error) {
	if p, ok := strings.CutPrefix(s, "unix:"); ok {
		if p == "" {
			return Addr{}, fmt.Errorf("%w: empty unix path", ErrBadAddr)
		}
		return UnixAddr(p), nil
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Addr{}, fmt.Errorf("%w: %v", ErrBadAddr, err)
	}
	if !ap.Addr().Is4() {
		return Addr{}, fmt.Errorf("%w: %s is not IPv4", ErrBadAddr, s)
	}
	return UDPAddr(ap), nil
}

func (a Addr) IsValid() bool {
	switch a.Kind {
	case AddrUDP:
		return a.IP.IsValid()
	case AddrUnix:
		return a.Path != ""
	}
	return false
}

func (a Addr) String() string {
	switch a.Kind {
	case AddrUDP:
		return a.IP.String()
	case AddrUnix:
		return "unix:" + a.Path
	}
	return "invalid"
}

// SysMsg is a raw datagram bound to or from a transport. Addr is the peer
// (destination when sending, source when received). Spec is the local
// address the datagram arrived on, or should leave from.
type SysMsg struct {
	Addr Addr
	Spec netip.Addr
	Data []byte
}

// Messenger is the dispatcher a transport feeds and drains.
type Messenger interface {
	Pop() (*SysMsg, bool)
	Poppable() bool
	Dispatch(*SysMsg) error
}

// Stats are cumulative counters for one transport.
type Stats struct {
	Errors        uint64
	Sends         uint64
	Receives      uint64
	BytesSent     uint64
	BytesReceived uint64
}
