//go:build linux

// Package host assembles a running node: the sockets and their dispatchers,
// the DHT, the waiter loop that moves datagrams and the tick loop that drives
// the DHT state machine.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vdht/internal/bootstrap"
	"vdht/internal/config"
	"vdht/internal/dht"
	"vdht/internal/msger"
	"vdht/internal/netx"
	"vdht/internal/nodeid"
	"vdht/internal/paths"
	"vdht/internal/proto"
	"vdht/internal/storage/routebolt"
	"vdht/internal/telemetry"
)

// Version is the node's protocol version.
const Version = "0.0.1"

const (
	storedBootLimit = 32
	persistTimeout  = 5 * time.Second
	ticksPerRefresh = 5
	minTick         = 50 * time.Millisecond
)

// Host owns every long-lived component of a node.
type Host struct {
	cfg   *config.Config
	log   *zap.Logger
	clock clock.Clock

	udp     *netx.Transport
	udpDisp *msger.Dispatcher
	ctl     *netx.Transport
	ctlDisp *msger.Dispatcher

	waiter *netx.Waiter
	dht    *dht.DHT
	store  *routebolt.Store
	reg    *prometheus.Registry

	runCtx context.Context
}

type Option func(*Host)

func WithClock(c clock.Clock) Option { return func(h *Host) { h.clock = c } }

// New opens the store and sockets named by cfg. Nothing runs until Run.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) (_ *Host, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Host{cfg: cfg, log: log, clock: clock.New(), reg: prometheus.NewRegistry()}
	for _, opt := range opts {
		opt(h)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, h.close())
		}
	}()

	dbPath := cfg.DBPath()
	if dbPath == "" {
		dbPath = paths.DefaultDBPath()
	}
	if h.store, err = routebolt.Open(dbPath); err != nil {
		return nil, err
	}

	h.udpDisp = msger.New(msger.WithLogger(log), msger.WithPacker(framePack), msger.WithUnpacker(frameUnpack))
	if h.udp, err = netx.Open(netx.UDPAddr(cfg.HostAddr()), h.udpDisp, netx.WithTransportLogger(log)); err != nil {
		return nil, err
	}

	self, err := h.selfInfo()
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewDHTMetrics(h.reg)
	if err != nil {
		return nil, err
	}

	dopts := []dht.Option{
		dht.WithLogger(log),
		dht.WithClock(h.clock),
		dht.WithMetrics(metrics),
		dht.WithStore(h.store),
		dht.WithBucketSize(cfg.BucketSize()),
		dht.WithRPCTimeout(cfg.RPCTimeout()),
		dht.WithTickInterval(cfg.TickTimeout()),
		dht.WithRateLimit(float64(cfg.RateLimit()), 2*cfg.RateLimit()),
		dht.WithBootSources(bootstrap.StoredSource{Store: h.store, Limit: storedBootLimit}),
	}
	if nodes := cfg.BootNodes(); len(nodes) > 0 {
		static, err := bootstrap.ParseStatic("config", nodes)
		if err != nil {
			return nil, err
		}
		dopts = append(dopts, dht.WithBootSources(static))
	}
	if h.dht, err = dht.New(self, dht.SenderFunc(h.sendDHT), dopts...); err != nil {
		return nil, err
	}
	h.udpDisp.Register(msger.MsgDHT, h.dht.OnMessage, nil)

	h.waiter = netx.NewWaiter(netx.WithTimeout(cfg.WaitTimeout()), netx.WithWaiterLogger(log))
	h.waiter.Add(h.udp)
	stats := []telemetry.StatSource{h.udp}

	if p := cfg.UnixPath(); p != "" {
		h.ctlDisp = msger.New(msger.WithLogger(log.Named("lsctl")), msger.WithPacker(framePack), msger.WithUnpacker(frameUnpack))
		if h.ctl, err = netx.Open(netx.UnixAddr(p), h.ctlDisp, netx.WithTransportLogger(log)); err != nil {
			return nil, err
		}
		h.ctlDisp.Register(msger.MsgLsctl, h.onLsctl, nil)
		h.waiter.Add(h.ctl)
		stats = append(stats, h.ctl)
	}

	if err = h.reg.Register(telemetry.NewTransportCollector(stats...)); err != nil {
		return nil, err
	}
	if err = h.reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Host) selfInfo() (proto.NodeInfo, error) {
	var self proto.NodeInfo
	if s := h.cfg.NodeID(); s != "" {
		id, err := nodeid.Parse(s)
		if err != nil {
			return self, fmt.Errorf("host: node id: %w", err)
		}
		self.ID = id
	} else {
		self.ID = nodeid.New()
	}
	self.Ver = nodeid.MustParseVersion(Version)
	if a := h.udp.Addr().IP; !a.Addr().IsUnspecified() {
		self.SetLocal(a)
	}
	return self, nil
}

// sendDHT queues a DHT payload on the UDP dispatcher; the waiter sends it
// once the socket is writable, from local when it is set.
func (h *Host) sendDHT(to netip.AddrPort, local netip.Addr, payload []byte) error {
	return h.udpDisp.Push(msger.UserMsg{Addr: netx.UDPAddr(to), Spec: local, Type: msger.MsgDHT, Data: payload})
}

func framePack(um msger.UserMsg) (*netx.SysMsg, error) {
	if len(um.Data) > proto.MaxMsgSize {
		return nil, fmt.Errorf("host: %d byte payload exceeds %d", len(um.Data), proto.MaxMsgSize)
	}
	return &netx.SysMsg{Addr: um.Addr, Spec: um.Spec, Data: proto.Pack(uint32(um.Type), um.Data)}, nil
}

func frameUnpack(sm *netx.SysMsg) (msger.UserMsg, error) {
	t, payload, err := proto.Unpack(sm.Data)
	if err != nil {
		return msger.UserMsg{}, err
	}
	return msger.UserMsg{Addr: sm.Addr, Spec: sm.Spec, Type: msger.MsgType(t), Data: payload}, nil
}

func (h *Host) DHT() *dht.DHT                  { return h.dht }
func (h *Host) Addr() netx.Addr                { return h.udp.Addr() }
func (h *Host) Registry() *prometheus.Registry { return h.reg }

// Run starts the node and blocks until ctx ends. On the way out the DHT is
// stopped and its routes are persisted before every resource is closed.
func (h *Host) Run(ctx context.Context) error {
	if err := h.dht.Start(); err != nil {
		return err
	}
	h.log.Info("node starting",
		zap.String("id", h.dht.Self().ID.String()),
		zap.Stringer("addr", h.udp.Addr()),
		zap.String("version", Version),
	)

	g, gctx := errgroup.WithContext(ctx)
	h.runCtx = gctx
	g.Go(func() error { return h.waiter.Run(gctx) })
	g.Go(func() error { return h.tickLoop(gctx) })
	if addr := h.cfg.MetricsAddr(); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(h.reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("host: metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err := g.Wait()
	return multierr.Combine(err, h.shutdown())
}

func (h *Host) runContext() context.Context {
	if h.runCtx == nil {
		return context.Background()
	}
	return h.runCtx
}

// tickLoop steps the DHT several times per refresh interval so lifecycle
// transitions do not wait a full interval; the DHT paces its own refresh.
func (h *Host) tickLoop(ctx context.Context) error {
	t := h.clock.Ticker(max(h.cfg.TickTimeout()/ticksPerRefresh, minTick))
	defer t.Stop()
	for {
		if err := h.dht.Tick(ctx); err != nil && ctx.Err() == nil {
			h.log.Warn("tick", zap.Stringer("state", h.dht.State()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (h *Host) shutdown() error {
	var err error
	if h.dht.Stop() == nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err = h.dht.Tick(ctx)
		cancel()
	}
	h.log.Info("node stopped", zap.Int("routes", h.dht.Routing().Size()))
	return multierr.Append(err, h.close())
}

func (h *Host) close() error {
	var err error
	if h.waiter != nil {
		err = multierr.Append(err, h.waiter.Close())
	} else {
		for _, t := range []*netx.Transport{h.udp, h.ctl} {
			if t != nil {
				err = multierr.Append(err, t.Close())
			}
		}
	}
	if h.store != nil {
		err = multierr.Append(err, h.store.Close())
	}
	return err
}

// Dump logs every component.
func (h *Host) Dump(log *zap.Logger) {
	if log == nil {
		log = h.log
	}
	h.dht.Dump(log)
	h.udpDisp.Dump(log)
	if h.ctlDisp != nil {
		h.ctlDisp.Dump(log)
	}
	h.waiter.Dump(log)
}
