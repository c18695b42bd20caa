//go:build linux

package netx

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

type Backend uint8

const (
	BackendUDP Backend = iota + 1
	BackendUnix
)

func (b Backend) String() string {
	switch b {
	case BackendUDP:
		return "udp"
	case BackendUnix:
		return "unix"
	}
	return fmt.Sprintf("backend(%d)", uint8(b))
}

// BufSize is the transport's I/O unit; the receive buffer holds eight of them,
// enough for the largest framed DHT message.
const BufSize = 1024

const defaultTTL = 64

var (
	ErrWouldBlock = errors.New("netx: operation would block")
	ErrClosed     = errors.New("netx: transport closed")
	ErrBackend    = errors.New("netx: address does not match backend")
)

// Transport is one non-blocking datagram socket bound to a local address.
// Send, Receive and the upward ops share one buffer and must be driven from a
// single goroutine (the waiter's). Stat and Close are safe from anywhere.
type Transport struct {
	mu      sync.Mutex
	fd      int
	addr    Addr
	backend Backend

	m   Messenger
	log *zap.Logger
	ttl int

	buf []byte
	oob []byte

	// held is a message the kernel refused with EAGAIN; it goes out before
	// anything else in the queue. Guarded by mu.
	held *SysMsg

	errs, sends, recvs, bytesOut, bytesIn atomic.Uint64
}

type TransportOption func(*Transport)

func WithTransportLogger(l *zap.Logger) TransportOption {
	return func(t *Transport) { t.log = l }
}

// WithTTL sets IP_TTL on UDP sockets.
func WithTTL(ttl int) TransportOption {
	return func(t *Transport) { t.ttl = ttl }
}

// Open binds a socket for addr and attaches it to m. A UDP address with port 0
// is resolved to the kernel-assigned port.
func Open(addr Addr, m Messenger, opts ...TransportOption) (*Transport, error) {
	t := &Transport{
		fd:  -1,
		m:   m,
		log: zap.NewNop(),
		ttl: defaultTTL,
		buf: make([]byte, 8*BufSize),
		oob: ipv4.NewControlMessage(ipv4.FlagDst | ipv4.FlagInterface),
	}
	for _, opt := range opts {
		opt(t)
	}
	switch addr.Kind {
	case AddrUDP:
		t.backend = BackendUDP
	case AddrUnix:
		t.backend = BackendUnix
	default:
		return nil, fmt.Errorf("netx: open: %w", ErrBadAddr)
	}
	if err := t.open(addr); err != nil {
		return nil, err
	}
	t.log = t.log.Named("transport").With(zap.Stringer("addr", t.addr))
	return t, nil
}

func (t *Transport) open(addr Addr) error {
	var (
		fd    int
		bound Addr
		err   error
	)
	switch t.backend {
	case BackendUDP:
		fd, bound, err = openUDP(addr, t.ttl)
	case BackendUnix:
		fd, bound, err = openUnix(addr)
	default:
		err = fmt.Errorf("netx: open: unknown %s", t.backend)
	}
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.fd = fd
	t.addr = bound
	t.mu.Unlock()
	return nil
}

func openUDP(addr Addr, ttl int) (int, Addr, error) {
	if !addr.IP.Addr().Is4() {
		return -1, Addr{}, fmt.Errorf("netx: open %s: %w", addr, ErrBadAddr)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, Addr{}, fmt.Errorf("netx: socket: %w", err)
	}
	fail := func(op string, err error) (int, Addr, error) {
		unix.Close(fd)
		return -1, Addr{}, fmt.Errorf("netx: %s %s: %w", op, addr, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("SO_REUSEADDR", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
		return fail("IP_PKTINFO", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, ttl); err != nil {
		return fail("IP_TTL", err)
	}
	sa := &unix.SockaddrInet4{Port: int(addr.IP.Port()), Addr: addr.IP.Addr().As4()}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	got, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	in4, ok := got.(*unix.SockaddrInet4)
	if !ok {
		return fail("getsockname", ErrBadAddr)
	}
	return fd, UDPAddr(netip.AddrPortFrom(netip.AddrFrom4(in4.Addr), uint16(in4.Port))), nil
}

func openUnix(addr Addr) (int, Addr, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, Addr{}, fmt.Errorf("netx: socket: %w", err)
	}
	// a stale socket file from a previous run blocks bind
	if err := unix.Unlink(addr.Path); err != nil && !errors.Is(err, unix.ENOENT) {
		unix.Close(fd)
		return -1, Addr{}, fmt.Errorf("netx: unlink %s: %w", addr, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: addr.Path}); err != nil {
		unix.Close(fd)
		return -1, Addr{}, fmt.Errorf("netx: bind %s: %w", addr, err)
	}
	return fd, addr, nil
}

func (t *Transport) sock() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return -1, ErrClosed
	}
	return t.fd, nil
}

// ID is the socket descriptor, or -1 once closed.
func (t *Transport) ID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fd
}

func (t *Transport) Addr() Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

func (t *Transport) Backend() Backend     { return t.backend }
func (t *Transport) Messenger() Messenger { return t.m }

// Send writes sm in one sendmsg call. On UDP a valid sm.Spec pins the source
// address through IP_PKTINFO.
func (t *Transport) Send(sm *SysMsg) (int, error) {
	fd, err := t.sock()
	if err != nil {
		return 0, err
	}

	var (
		to  unix.Sockaddr
		oob []byte
	)
	switch t.backend {
	case BackendUDP:
		if sm.Addr.Kind != AddrUDP || !sm.Addr.IP.Addr().Is4() {
			t.errs.Add(1)
			return 0, fmt.Errorf("%w: %s over %s", ErrBackend, sm.Addr, t.backend)
		}
		to = &unix.SockaddrInet4{Port: int(sm.Addr.IP.Port()), Addr: sm.Addr.IP.Addr().As4()}
		if sm.Spec.Is4() {
			cm := ipv4.ControlMessage{Src: net.IP(sm.Spec.AsSlice())}
			oob = cm.Marshal()
		}
	case BackendUnix:
		if sm.Addr.Kind != AddrUnix {
			t.errs.Add(1)
			return 0, fmt.Errorf("%w: %s over %s", ErrBackend, sm.Addr, t.backend)
		}
		to = &unix.SockaddrUnix{Name: sm.Addr.Path}
	}

	n, err := unix.SendmsgN(fd, sm.Data, oob, to, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		t.errs.Add(1)
		return 0, fmt.Errorf("netx: sendmsg to %s: %w", sm.Addr, err)
	}
	t.sends.Add(1)
	t.bytesOut.Add(uint64(n))
	return n, nil
}

// Receive reads one datagram. The returned data is a copy; on UDP Spec holds
// the local address the datagram was sent to.
func (t *Transport) Receive() (*SysMsg, error) {
	fd, err := t.sock()
	if err != nil {
		return nil, err
	}

	n, oobn, _, from, err := unix.Recvmsg(fd, t.buf, t.oob, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, ErrWouldBlock
		}
		t.errs.Add(1)
		return nil, fmt.Errorf("netx: recvmsg on %s: %w", t.Addr(), err)
	}

	sm := &SysMsg{Data: append([]byte(nil), t.buf[:n]...)}
	switch sa := from.(type) {
	case *unix.SockaddrInet4:
		sm.Addr = UDPAddr(netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)))
		var cm ipv4.ControlMessage
		if oobn > 0 && cm.Parse(t.oob[:oobn]) == nil {
			if a, ok := netip.AddrFromSlice(cm.Dst); ok {
				sm.Spec = a.Unmap()
			}
		}
	case *unix.SockaddrUnix:
		sm.Addr = UnixAddr(sa.Name)
	}

	t.recvs.Add(1)
	t.bytesIn.Add(uint64(n))
	return sm, nil
}

// Writable reports whether Snd has a message to send.
func (t *Transport) Writable() bool {
	t.mu.Lock()
	held := t.held != nil
	t.mu.Unlock()
	return held || t.m.Poppable()
}

// Snd sends one message: the one held back by a full socket buffer, else the
// head of the queue. A message refused with EAGAIN is held for the next call
// and is not a failure; any other failed message is dropped.
func (t *Transport) Snd() error {
	t.mu.Lock()
	sm := t.held
	t.held = nil
	t.mu.Unlock()
	if sm == nil {
		var ok bool
		if sm, ok = t.m.Pop(); !ok {
			return nil
		}
	}
	_, err := t.Send(sm)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrWouldBlock):
		t.mu.Lock()
		t.held = sm
		t.mu.Unlock()
		return nil
	default:
		t.log.Debug("send failed, message dropped", zap.Stringer("to", sm.Addr), zap.Error(err))
		return err
	}
}

// Rcv receives one datagram and dispatches it. Dispatch errors (no callback,
// malformed frame) are logged and do not count against the socket.
func (t *Transport) Rcv() error {
	sm, err := t.Receive()
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		return err
	}
	if err := t.m.Dispatch(sm); err != nil {
		t.log.Debug("dispatch", zap.Stringer("from", sm.Addr), zap.Int("len", len(sm.Data)), zap.Error(err))
	}
	return nil
}

// Err closes the socket and binds a new one on the same address.
func (t *Transport) Err() error {
	addr := t.Addr()
	t.log.Warn("reopening transport", zap.Uint64("errors", t.errs.Load()))
	if err := t.Close(); err != nil && !errors.Is(err, ErrClosed) {
		t.log.Debug("close before reopen", zap.Error(err))
	}
	if err := t.open(addr); err != nil {
		t.errs.Add(1)
		return fmt.Errorf("netx: reopen %s: %w", addr, err)
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	fd, addr := t.fd, t.addr
	t.fd = -1
	t.mu.Unlock()
	if fd < 0 {
		return ErrClosed
	}
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("netx: close %s: %w", addr, err)
	}
	return nil
}

func (t *Transport) Stat() Stats {
	return Stats{
		Errors:        t.errs.Load(),
		Sends:         t.sends.Load(),
		Receives:      t.recvs.Load(),
		BytesSent:     t.bytesOut.Load(),
		BytesReceived: t.bytesIn.Load(),
	}
}

func (t *Transport) Dump(log *zap.Logger) {
	if log == nil {
		log = t.log
	}
	s := t.Stat()
	log.Info("transport",
		zap.Stringer("backend", t.backend),
		zap.Stringer("addr", t.Addr()),
		zap.Int("fd", t.ID()),
		zap.Uint64("sends", s.Sends),
		zap.Uint64("receives", s.Receives),
		zap.Uint64("bytes_sent", s.BytesSent),
		zap.Uint64("bytes_received", s.BytesReceived),
		zap.Uint64("errors", s.Errors),
	)
}
