//go:build linux

package netx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultWaitTimeout = 500 * time.Millisecond
	DefaultMaxFailures = 3
)

// fdSetSize is FD_SETSIZE; descriptors at or above it cannot be selected.
const fdSetSize = int(unsafe.Sizeof(unix.FdSet{}) * 8)

// Waiter multiplexes a set of transports over pselect. Each iteration moves at
// most one datagram per transport in each direction.
type Waiter struct {
	mu    sync.Mutex
	ts    []*Transport
	fails map[*Transport]int

	timeout time.Duration
	maxFail int
	sigmask unix.Sigset_t
	log     *zap.Logger
}

type WaiterOption func(*Waiter)

// WithTimeout bounds how long one iteration blocks.
func WithTimeout(d time.Duration) WaiterOption {
	return func(w *Waiter) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func WithWaiterLogger(l *zap.Logger) WaiterOption {
	return func(w *Waiter) { w.log = l }
}

// WithMaxFailures sets how many consecutive I/O failures on a transport
// trigger a reopen.
func WithMaxFailures(n int) WaiterOption {
	return func(w *Waiter) {
		if n > 0 {
			w.maxFail = n
		}
	}
}

func NewWaiter(opts ...WaiterOption) *Waiter {
	w := &Waiter{
		fails:   make(map[*Transport]int),
		timeout: DefaultWaitTimeout,
		maxFail: DefaultMaxFailures,
		sigmask: asyncSigmask(),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.Named("waiter")
	return w
}

// asyncSigmask blocks every signal except the synchronous faults, which must
// stay deliverable to the thread that raised them.
func asyncSigmask() unix.Sigset_t {
	var set unix.Sigset_t
	word := int(unsafe.Sizeof(set.Val[0]) * 8)
	for sig := 1; sig <= 64; sig++ {
		switch unix.Signal(sig) {
		case unix.SIGSEGV, unix.SIGBUS, unix.SIGFPE, unix.SIGILL:
			continue
		}
		b := sig - 1
		set.Val[b/word] |= 1 << uint(b%word)
	}
	return set
}

func sigBlocked(set *unix.Sigset_t, sig unix.Signal) bool {
	word := int(unsafe.Sizeof(set.Val[0]) * 8)
	b := int(sig) - 1
	return set.Val[b/word]&(1<<uint(b%word)) != 0
}

func (w *Waiter) Add(t *Transport) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, have := range w.ts {
		if have == t {
			return
		}
	}
	w.ts = append(w.ts, t)
}

func (w *Waiter) Remove(t *Transport) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, have := range w.ts {
		if have == t {
			w.ts = append(w.ts[:i], w.ts[i+1:]...)
			delete(w.fails, t)
			return
		}
	}
}

func (w *Waiter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ts)
}

// fdSets is what one iteration hands to pselect.
type fdSets struct {
	r, w, e unix.FdSet
	watched map[*Transport]int
	maxfd   int
}

// sets builds the descriptor sets for the managed transports. Every open
// transport is watched for reads and errors, and for writes only when it has
// something to send. Called with w.mu held.
func (w *Waiter) sets() *fdSets {
	s := &fdSets{watched: make(map[*Transport]int), maxfd: -1}
	for _, t := range w.ts {
		fd := t.ID()
		if fd < 0 {
			continue
		}
		if fd >= fdSetSize {
			w.log.Warn("descriptor beyond select range", zap.Int("fd", fd), zap.Stringer("addr", t.Addr()))
			continue
		}
		s.r.Set(fd)
		s.e.Set(fd)
		if t.Writable() {
			s.w.Set(fd)
		}
		s.watched[t] = fd
		if fd > s.maxfd {
			s.maxfd = fd
		}
	}
	return s
}

// WriteSet returns the descriptors the next iteration would watch for
// writability, in managed-set order.
func (w *Waiter) WriteSet() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.sets()
	var fds []int
	for _, t := range w.ts {
		if fd, ok := s.watched[t]; ok && s.w.IsSet(fd) {
			fds = append(fds, fd)
		}
	}
	return fds
}

// RunOnce performs a single wait-and-service iteration. A timeout or a signal
// interruption returns nil with nothing serviced.
func (w *Waiter) RunOnce() error {
	w.mu.Lock()
	s := w.sets()
	w.mu.Unlock()

	ts := unix.NsecToTimespec(w.timeout.Nanoseconds())
	n, err := unix.Pselect(s.maxfd+1, &s.r, &s.w, &s.e, &ts, &w.sigmask)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("netx: pselect: %w", err)
	}
	if n == 0 {
		return nil
	}

	// Service in managed-set order with the lock released: Rcv runs
	// callbacks, which may call back into the waiter.
	type ready struct {
		t          *Transport
		r, wr, err bool
	}
	var todo []ready
	w.mu.Lock()
	for _, t := range w.ts {
		fd, ok := s.watched[t]
		// skip transports added during the wait or reopened onto a new fd
		if !ok || fd != t.ID() {
			continue
		}
		rd := ready{t: t, r: s.r.IsSet(fd), wr: s.w.IsSet(fd), err: s.e.IsSet(fd)}
		if rd.r || rd.wr || rd.err {
			todo = append(todo, rd)
		}
	}
	w.mu.Unlock()

	for _, rd := range todo {
		if rd.err {
			w.reopen(rd.t)
			continue
		}
		if rd.r {
			w.account(rd.t, "receive", rd.t.Rcv())
		}
		if rd.wr {
			w.account(rd.t, "send", rd.t.Snd())
		}
	}
	return nil
}

// account tracks consecutive failures and reopens past the threshold.
// Transports removed meanwhile are left alone.
func (w *Waiter) account(t *Transport, op string, err error) {
	w.mu.Lock()
	if !w.managed(t) {
		w.mu.Unlock()
		return
	}
	if err == nil {
		delete(w.fails, t)
		w.mu.Unlock()
		return
	}
	w.fails[t]++
	n := w.fails[t]
	w.mu.Unlock()

	w.log.Debug(op+" failed",
		zap.Stringer("addr", t.Addr()),
		zap.Int("consecutive", n),
		zap.Error(err),
	)
	if n >= w.maxFail {
		w.reopen(t)
	}
}

func (w *Waiter) reopen(t *Transport) {
	w.mu.Lock()
	ok := w.managed(t)
	delete(w.fails, t)
	w.mu.Unlock()
	if !ok {
		return
	}
	if err := t.Err(); err != nil {
		w.log.Error("reopen failed", zap.Stringer("addr", t.Addr()), zap.Error(err))
	}
}

// managed reports whether t is still in the set. Called with w.mu held.
func (w *Waiter) managed(t *Transport) bool {
	for _, x := range w.ts {
		if x == t {
			return true
		}
	}
	return false
}

// Run loops RunOnce until ctx is done. The bounded wait keeps shutdown latency
// under one timeout.
func (w *Waiter) Run(ctx context.Context) error {
	w.log.Info("waiter started", zap.Duration("timeout", w.timeout), zap.Int("transports", w.Len()))
	defer w.log.Info("waiter stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := w.RunOnce(); err != nil {
			return err
		}
	}
}

// Close closes every managed transport and empties the set.
func (w *Waiter) Close() error {
	w.mu.Lock()
	ts := w.ts
	w.ts = nil
	w.fails = make(map[*Transport]int)
	w.mu.Unlock()

	var err error
	for _, t := range ts {
		if cerr := t.Close(); cerr != nil && !errors.Is(cerr, ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

func (w *Waiter) Dump(log *zap.Logger) {
	if log == nil {
		log = w.log
	}
	w.mu.Lock()
	ts := append([]*Transport(nil), w.ts...)
	w.mu.Unlock()
	log.Info("waiter", zap.Int("transports", len(ts)), zap.Duration("timeout", w.timeout))
	for _, t := range ts {
		t.Dump(log)
	}
}
