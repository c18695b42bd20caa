package dht

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"vdht/internal/bootstrap"
	"vdht/internal/nodeid"
	"vdht/internal/proto"
)

// State is the node lifecycle.
type State uint8

const (
	StateOffline State = iota
	StateUp
	StateRunning
	StateDown
	StateError
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateUp:
		return "up"
	case StateRunning:
		return "running"
	case StateDown:
		return "down"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

var ErrState = errors.New("dht: invalid state transition")

// Route is what the rest of the node needs from the DHT.
type Route interface {
	Join(ctx context.Context, addr netip.AddrPort) error
	Tick(ctx context.Context) error
	Reflect(ctx context.Context, addr netip.AddrPort) (netip.AddrPort, error)
	FindService(ctx context.Context, hash nodeid.Token) (proto.ServiceInfo, error)
	PostService(ctx context.Context, info proto.ServiceInfo) error
}

var (
	_ Route            = (*DHT)(nil)
	_ bootstrap.Joiner = (*DHT)(nil)
)

func (d *DHT) State() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

func (d *DHT) setState(s State) {
	d.stateMu.Lock()
	old := d.state
	d.state = s
	d.stateMu.Unlock()
	if old != s {
		d.log.Info("state", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

// Start brings an offline (or failed) node up; the next Tick joins the
// network.
func (d *DHT) Start() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.state != StateOffline && d.state != StateError {
		return fmt.Errorf("%w: start from %s", ErrState, d.state)
	}
	d.state = StateUp
	return nil
}

// Stop takes a live node down; the next Tick persists routes and goes
// offline.
func (d *DHT) Stop() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.state != StateUp && d.state != StateRunning {
		return fmt.Errorf("%w: stop from %s", ErrState, d.state)
	}
	d.state = StateDown
	return nil
}

// Tick advances the state machine by one step. It is driven by the host's
// tick loop.
func (d *DHT) Tick(ctx context.Context) error {
	switch st := d.State(); st {
	case StateOffline, StateError:
		return nil

	case StateUp:
		if err := d.load(); err != nil {
			d.log.Error("loading routes", zap.Error(err))
			d.setState(StateError)
			return err
		}
		n := bootstrap.RunOnce(ctx, d, d.log, d.bootCfg, d.boot...)
		d.log.Info("joined", zap.Int("peers", n), zap.Int("routes", d.rt.Size()))
		d.stateMu.Lock()
		d.lastRefresh = d.clock.Now()
		if d.state == StateUp {
			d.state = StateRunning
		}
		d.stateMu.Unlock()
		d.reportRouting()
		return nil

	case StateRunning:
		return d.maintain(ctx)

	case StateDown:
		err := d.save()
		if err != nil {
			d.log.Error("saving routes", zap.Error(err))
		}
		d.setState(StateOffline)
		return err

	default:
		return fmt.Errorf("%w: tick in %s", ErrState, st)
	}
}

func (d *DHT) maintain(ctx context.Context) error {
	if !d.Self().Has(proto.AddrExt) {
		if peers := d.rt.All(); len(peers) > 0 {
			p := peers[rand.Intn(len(peers))]
			if _, err := d.Reflect(ctx, p.Addr()); err != nil {
				d.log.Debug("reflect", zap.Stringer("via", p.Addr()), zap.Error(err))
			}
		}
	}

	now := d.clock.Now()
	d.stateMu.Lock()
	due := now.Sub(d.lastRefresh) >= d.tickEvery
	if due {
		d.lastRefresh = now
	}
	d.stateMu.Unlock()
	if !due {
		return nil
	}

	d.refresh(ctx)
	d.evictStale(ctx)
	if n := d.services.SweepExpired(); n > 0 {
		d.log.Debug("services expired", zap.Int("n", n))
	}
	for _, svc := range d.services.Local() {
		if err := d.PostService(ctx, svc); err != nil {
			d.log.Debug("republish", zap.Stringer("hash", svc.Hash), zap.Error(err))
		}
	}
	d.reportRouting()
	return nil
}

// Join pings addr, then pulls the nodes it knows closest to us.
func (d *DHT) Join(ctx context.Context, addr netip.AddrPort) error {
	if _, err := d.Ping(ctx, addr); err != nil {
		return err
	}
	nodes, err := d.FindClosest(ctx, addr, d.Self().ID)
	if err != nil {
		return err
	}
	alive := d.pingFunc(ctx)
	for _, ni := range nodes {
		d.rt.UpsertWithEviction(ni, alive)
	}
	return nil
}

// pingFunc pings a bucket's tail before it is evicted for a newcomer.
func (d *DHT) pingFunc(ctx context.Context) PingFunc {
	return func(c Contact) bool {
		_, err := d.Ping(ctx, c.Addr())
		return err == nil
	}
}

// FindService resolves hash from the local directory, then from the nodes
// closest to it. The first answer wins.
func (d *DHT) FindService(ctx context.Context, hash nodeid.Token) (proto.ServiceInfo, error) {
	if svc, ok := d.services.Lookup(hash); ok {
		return svc, nil
	}

	addrs := d.closestAddrs(ctx, nodeid.ID(hash))
	if len(addrs) == 0 {
		return proto.ServiceInfo{}, ErrServiceNotFound
	}
	if len(addrs) > d.lookup.Alpha {
		addrs = addrs[:d.lookup.Alpha]
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	found := make(chan proto.ServiceInfo, len(addrs))
	var wg sync.WaitGroup
	for _, a := range addrs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc, err := d.FindServiceAt(ctx, a, hash); err == nil && svc.Hash == hash {
				found <- svc
			}
		}()
	}
	go func() {
		wg.Wait()
		close(found)
	}()

	svc, ok := <-found
	if !ok {
		return proto.ServiceInfo{}, fmt.Errorf("%w: %s", ErrServiceNotFound, hash)
	}
	d.services.Post(svc)
	return svc, nil
}

// PostService records info locally and announces it to the nodes closest to
// its hash.
func (d *DHT) PostService(ctx context.Context, info proto.ServiceInfo) error {
	d.services.Post(info)
	var err error
	for _, a := range d.closestAddrs(ctx, nodeid.ID(info.Hash)) {
		err = multierr.Append(err, d.PostServiceTo(a, info))
	}
	return err
}

// Publish registers a local service of kind and announces it right away.
func (d *DHT) Publish(ctx context.Context, kind ServiceKind, info proto.ServiceInfo) error {
	if err := d.services.AddLocal(kind, info); err != nil {
		return err
	}
	return d.PostService(ctx, info)
}

func (d *DHT) load() error {
	if d.store == nil {
		return nil
	}
	nodes, err := d.store.LoadNodes()
	if err != nil {
		return err
	}
	for _, ni := range nodes {
		d.rt.Upsert(ni)
	}
	svcs, err := d.store.LoadServices()
	if err != nil {
		return err
	}
	for _, svc := range svcs {
		d.services.Post(svc)
	}
	d.log.Debug("routes loaded", zap.Int("nodes", len(nodes)), zap.Int("services", len(svcs)))
	return nil
}

func (d *DHT) save() error {
	if d.store == nil {
		return nil
	}
	all := d.rt.All()
	nodes := make([]proto.NodeInfo, 0, len(all))
	for _, c := range all {
		nodes = append(nodes, c.NodeInfo)
	}
	return multierr.Combine(
		d.store.SaveNodes(nodes),
		d.store.SaveServices(d.services.Remote()),
	)
}
