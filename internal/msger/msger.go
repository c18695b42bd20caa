// Package msger decouples transports from application logic: inbound
// datagrams are dispatched to callbacks registered per message type, and
// outbound messages wait in a FIFO queue until a transport can send them.
package msger

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"go.uber.org/zap"

	"vdht/internal/netx"
)

type MsgType uint32

const (
	MsgDHT   MsgType = 1
	MsgLsctl MsgType = 0x45
	MsgStun  MsgType = 0x50
	MsgRelay MsgType = 0x70
	MsgVPN   MsgType = 0x90
)

func (t MsgType) String() string {
	switch t {
	case MsgDHT:
		return "dht"
	case MsgLsctl:
		return "lsctl"
	case MsgStun:
		return "stun"
	case MsgRelay:
		return "relay"
	case MsgVPN:
		return "vpn"
	}
	return fmt.Sprintf("msg(%#x)", uint32(t))
}

// UserMsg is the application-facing form of a datagram.
type UserMsg struct {
	Addr netx.Addr
	Spec netip.Addr
	Type MsgType
	Data []byte
}

// Callback handles one inbound message. It runs on the transport's loop and
// must not block; it may call Push.
type Callback func(cookie any, um UserMsg) error

// PackFunc turns a user message into a transport-ready datagram and
// UnpackFunc reverses it.
type (
	PackFunc   func(UserMsg) (*netx.SysMsg, error)
	UnpackFunc func(*netx.SysMsg) (UserMsg, error)
)

var (
	ErrNoHandler = errors.New("msger: no callback for message type")
	ErrQueueFull = errors.New("msger: outbound queue full")
	ErrNoAddr    = errors.New("msger: message has no address")
)

type entry struct {
	cb     Callback
	cookie any
}

// Dispatcher holds the callback registry and the outbound queue. The two are
// locked independently and neither lock is held while a callback runs.
type Dispatcher struct {
	cbMu sync.RWMutex
	cbs  map[MsgType]entry

	qMu      sync.Mutex
	queue    []*netx.SysMsg
	maxQueue int

	hookMu sync.RWMutex
	pack   PackFunc
	unpack UnpackFunc

	log *zap.Logger
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithQueueLimit bounds the outbound queue; Push fails with ErrQueueFull
// beyond it. Zero means unbounded.
func WithQueueLimit(n int) Option {
	return func(d *Dispatcher) { d.maxQueue = n }
}

func WithPacker(p PackFunc) Option     { return func(d *Dispatcher) { d.pack = p } }
func WithUnpacker(u UnpackFunc) Option { return func(d *Dispatcher) { d.unpack = u } }

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cbs:    make(map[MsgType]entry),
		pack:   passPack,
		unpack: passUnpack,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func passPack(um UserMsg) (*netx.SysMsg, error) {
	return &netx.SysMsg{Addr: um.Addr, Spec: um.Spec, Data: um.Data}, nil
}

func passUnpack(sm *netx.SysMsg) (UserMsg, error) {
	return UserMsg{Addr: sm.Addr, Spec: sm.Spec, Data: sm.Data}, nil
}

func (d *Dispatcher) SetPacker(p PackFunc) {
	d.hookMu.Lock()
	d.pack = p
	d.hookMu.Unlock()
}

func (d *Dispatcher) SetUnpacker(u UnpackFunc) {
	d.hookMu.Lock()
	d.unpack = u
	d.hookMu.Unlock()
}

// Register installs cb for t, replacing any previous callback.
func (d *Dispatcher) Register(t MsgType, cb Callback, cookie any) {
	d.cbMu.Lock()
	d.cbs[t] = entry{cb: cb, cookie: cookie}
	d.cbMu.Unlock()
}

func (d *Dispatcher) Unregister(t MsgType) {
	d.cbMu.Lock()
	delete(d.cbs, t)
	d.cbMu.Unlock()
}

// Dispatch unpacks sm and hands it to the callback registered for its type.
func (d *Dispatcher) Dispatch(sm *netx.SysMsg) error {
	d.hookMu.RLock()
	unpack := d.unpack
	d.hookMu.RUnlock()

	um, err := unpack(sm)
	if err != nil {
		return fmt.Errorf("msger: unpack from %s: %w", sm.Addr, err)
	}

	d.cbMu.RLock()
	e, ok := d.cbs[um.Type]
	d.cbMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, um.Type)
	}
	return e.cb(e.cookie, um)
}

// Push packs um and appends it to the outbound queue.
func (d *Dispatcher) Push(um UserMsg) error {
	if !um.Addr.IsValid() {
		return ErrNoAddr
	}

	d.hookMu.RLock()
	pack := d.pack
	d.hookMu.RUnlock()

	sm, err := pack(um)
	if err != nil {
		return fmt.Errorf("msger: pack %s: %w", um.Type, err)
	}

	d.qMu.Lock()
	defer d.qMu.Unlock()
	if d.maxQueue > 0 && len(d.queue) >= d.maxQueue {
		d.log.Debug("outbound queue full", zap.Stringer("type", um.Type), zap.Int("limit", d.maxQueue))
		return ErrQueueFull
	}
	d.queue = append(d.queue, sm)
	return nil
}

// Pop removes the head of the outbound queue.
func (d *Dispatcher) Pop() (*netx.SysMsg, bool) {
	d.qMu.Lock()
	defer d.qMu.Unlock()
	if len(d.queue) == 0 {
		return nil, false
	}
	sm := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	if len(d.queue) == 0 {
		d.queue = nil
	}
	return sm, true
}

func (d *Dispatcher) Poppable() bool {
	d.qMu.Lock()
	defer d.qMu.Unlock()
	return len(d.queue) > 0
}

func (d *Dispatcher) Len() int {
	d.qMu.Lock()
	defer d.qMu.Unlock()
	return len(d.queue)
}

// Clear drops every queued message and returns how many were dropped.
func (d *Dispatcher) Clear() int {
	d.qMu.Lock()
	n := len(d.queue)
	d.queue = nil
	d.qMu.Unlock()
	return n
}

// Dump logs the registered types and queue depth. A nil log uses the
// dispatcher's own logger.
func (d *Dispatcher) Dump(log *zap.Logger) {
	if log == nil {
		log = d.log
	}
	d.cbMu.RLock()
	types := make([]string, 0, len(d.cbs))
	for t := range d.cbs {
		types = append(types, t.String())
	}
	d.cbMu.RUnlock()
	sort.Strings(types)

	log.Info("dispatcher",
		zap.Strings("callbacks", types),
		zap.Int("queued", d.Len()),
	)
}

var _ netx.Messenger = (*Dispatcher)(nil)
