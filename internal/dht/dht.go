package dht

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"vdht/internal/bootstrap"
	"vdht/internal/nodeid"
	"vdht/internal/proto"
)

// Sender delivers an encoded DHT message to a peer. It must not block; the
// host implementation queues onto the dispatcher. A valid local address pins
// the datagram's source: replies leave from the address the query arrived on.
type Sender interface {
	SendDHT(to netip.AddrPort, local netip.Addr, payload []byte) error
}

type SenderFunc func(to netip.AddrPort, local netip.Addr, payload []byte) error

func (f SenderFunc) SendDHT(to netip.AddrPort, local netip.Addr, payload []byte) error {
	return f(to, local, payload)
}

// RouteStore persists the routing table and the remote service directory
// across restarts.
type RouteStore interface {
	SaveNodes([]proto.NodeInfo) error
	LoadNodes() ([]proto.NodeInfo, error)
	SaveServices([]proto.ServiceInfo) error
	LoadServices() ([]proto.ServiceInfo, error)
}

const (
	DefaultRPCTimeout   = 2 * time.Second
	DefaultTickInterval = 5 * time.Second
	pendingCap          = 1024
)

var ErrInvalidSelf = errors.New("dht: invalid self id")

// DHT is the package's primary engine.
// It owns routing, pending RPCs, the service directory and the node's
// lifecycle.
type DHT struct {
	selfMu sync.RWMutex
	self   proto.NodeInfo

	rt       *RoutingTable
	services *Services
	sender   Sender
	pending  *expirable.LRU[nodeid.Token, *call]
	limiter  *sourceLimiter

	store   RouteStore
	boot    []bootstrap.PeerSource
	bootCfg bootstrap.Config

	clock      clock.Clock
	log        *zap.Logger
	metrics    Metrics
	rpcTimeout time.Duration
	tickEvery  time.Duration
	lookup     LookupConfig

	stateMu     sync.Mutex
	state       State
	lastRefresh time.Time

	// buckets last reported non-empty; drained ones are reported once as 0
	reportMu sync.Mutex
	reported [nodeid.BitLen]bool
}

type Option func(*DHT)

func WithLogger(l *zap.Logger) Option { return func(d *DHT) { d.log = l } }

func WithMetrics(m Metrics) Option {
	return func(d *DHT) {
		if m != nil {
			d.metrics = m
		}
	}
}

func WithClock(c clock.Clock) Option { return func(d *DHT) { d.clock = c } }

// WithBucketSize sets K for the routing table and lookups.
func WithBucketSize(k int) Option {
	return func(d *DHT) {
		if k > 0 {
			d.lookup.K = k
		}
	}
}

func WithStore(s RouteStore) Option { return func(d *DHT) { d.store = s } }

// WithBootSources adds sources consulted when the node comes up.
func WithBootSources(src ...bootstrap.PeerSource) Option {
	return func(d *DHT) { d.boot = append(d.boot, src...) }
}

func WithRPCTimeout(t time.Duration) Option {
	return func(d *DHT) {
		if t > 0 {
			d.rpcTimeout = t
		}
	}
}

// WithTickInterval sets how often a running node refreshes buckets and
// republishes its services.
func WithTickInterval(t time.Duration) Option {
	return func(d *DHT) {
		if t > 0 {
			d.tickEvery = t
		}
	}
}

func WithDiversityPolicy(p DiversityPolicy) Option {
	return func(d *DHT) { d.rt.SetDiversityLimit(p.MaxPerSubnet) }
}

// WithRateLimit bounds inbound messages per source IP.
func WithRateLimit(perSec float64, burst int) Option {
	return func(d *DHT) { d.limiter = newSourceLimiter(perSec, burst) }
}

func WithServiceTTL(ttl time.Duration) Option {
	return func(d *DHT) { d.services.ttl = ttl }
}

func New(self proto.NodeInfo, sender Sender, opts ...Option) (*DHT, error) {
	if !self.ID.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSelf, self.ID.Dump())
	}
	if sender == nil {
		return nil, errors.New("dht: nil sender")
	}

	d := &DHT{
		self:       self,
		rt:         NewRoutingTable(self.ID, DefaultBucketSize),
		sender:     sender,
		limiter:    newSourceLimiter(defaultRatePerSec, defaultRateBurst),
		bootCfg:    bootstrap.DefaultConfig(),
		clock:      clock.New(),
		log:        zap.NewNop(),
		metrics:    NoopMetrics{},
		rpcTimeout: DefaultRPCTimeout,
		tickEvery:  DefaultTickInterval,
		lookup:     DefaultLookupConfig(),
	}
	d.services = NewServices(d.clock, DefaultServiceTTL, defaultLocalSlots)

	for _, opt := range opts {
		opt(d)
	}

	if d.lookup.K != d.rt.k {
		div := d.rt.diversity
		d.rt = NewRoutingTable(self.ID, d.lookup.K)
		d.rt.diversity = div
	}
	d.rt.now = d.clock.Now
	d.services.clock = d.clock
	d.lookup.RPCTimeout = d.rpcTimeout
	d.pending = expirable.NewLRU[nodeid.Token, *call](pendingCap, nil, 4*d.rpcTimeout)
	d.log = d.log.Named("dht").With(zap.String("self", self.ID.String()))
	return d, nil
}

func (d *DHT) Routing() *RoutingTable { return d.rt }
func (d *DHT) Services() *Services    { return d.services }

// Self returns this node's current info, including any learned external
// address.
func (d *DHT) Self() proto.NodeInfo {
	d.selfMu.RLock()
	defer d.selfMu.RUnlock()
	return d.self
}

func (d *DHT) setExt(a netip.AddrPort) bool {
	d.selfMu.Lock()
	defer d.selfMu.Unlock()
	if d.self.Has(proto.AddrExt) && d.self.Ext == a {
		return false
	}
	d.self.SetExt(a)
	return true
}

// ObservePeer records that id was heard from addr. Any info the peer sent
// about itself is merged in, with the observed address taken as reachable.
func (d *DHT) ObservePeer(id nodeid.ID, from netip.AddrPort, info *proto.NodeInfo) {
	ni := proto.NodeInfo{ID: id}
	if info != nil && info.ID == id {
		ni = *info
	}
	if from.IsValid() {
		ni.SetExt(from)
	}
	d.rt.Upsert(ni)
}

// Forget drops a peer that stopped answering.
func (d *DHT) Forget(id nodeid.ID) {
	if d.rt.Remove(id) {
		d.log.Debug("peer removed", zap.String("peer", id.String()))
	}
}

func (d *DHT) reportRouting() {
	d.metrics.SetRoutingTableSize(d.rt.Size())
	d.reportMu.Lock()
	defer d.reportMu.Unlock()
	for i := 0; i < nodeid.BitLen; i++ {
		n := d.rt.BucketSize(i)
		if n > 0 || d.reported[i] {
			d.metrics.SetBucketOccupancy(i, n)
		}
		d.reported[i] = n > 0
	}
}

// Dump logs the node's state, routing table and service directories.
func (d *DHT) Dump(log *zap.Logger) {
	if log == nil {
		log = d.log
	}
	self := d.Self()
	log.Info("dht",
		zap.Stringer("state", d.State()),
		zap.String("id", self.ID.Dump()),
		zap.Stringer("ext", self.Ext),
		zap.Int("routes", d.rt.Size()),
		zap.Int("pending", d.Pending()),
		zap.Int("services_remote", d.services.RemoteLen()),
		zap.Int("services_local", len(d.services.Local())),
	)
	for _, c := range d.rt.All() {
		log.Debug("route", zap.String("id", c.ID.String()), zap.Stringer("addr", c.Addr()), zap.Time("seen", c.LastSeen))
	}
}
