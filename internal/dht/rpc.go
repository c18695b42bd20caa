package dht

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"vdht/internal/nodeid"
	"vdht/internal/proto"
)

var ErrNotQuery = errors.New("dht: op has no response")

// encodeFunc writes one message carrying tok into dst.
type encodeFunc func(dst []byte, tok nodeid.Token) (int, error)

// transmit encodes and sends one message. A zero local lets the kernel pick
// the source address.
func (d *DHT) transmit(to netip.AddrPort, local netip.Addr, tok nodeid.Token, enc encodeFunc) error {
	buf := make([]byte, proto.MaxMsgSize)
	n, err := enc(buf, tok)
	if err != nil {
		return err
	}
	return d.sender.SendDHT(to, local, buf[:n])
}

// Query sends a request and blocks until the matching response arrives, ctx
// ends, or the RPC timeout passes. The caller owns the returned message and
// must call Done on it.
func (d *DHT) Query(ctx context.Context, to netip.AddrPort, op proto.Op, enc encodeFunc) (*proto.Msg, error) {
	if op.Response() == proto.OpUnknown {
		return nil, fmt.Errorf("%w: %s", ErrNotQuery, op)
	}

	tok := nodeid.NewToken()
	c := &call{op: op, to: to, ch: make(chan *proto.Msg, 1)}
	d.pending.Add(tok, c)
	defer d.pending.Remove(tok)

	if err := d.transmit(to, netip.Addr{}, tok, enc); err != nil {
		d.metrics.IncRPC(op.String(), false)
		return nil, fmt.Errorf("dht: %s to %s: %w", op, to, err)
	}

	ctx, cancel := d.clock.WithTimeout(ctx, d.rpcTimeout)
	defer cancel()

	select {
	case m := <-c.ch:
		d.metrics.IncRPC(op.String(), true)
		return m, nil
	case <-ctx.Done():
		d.metrics.IncRPC(op.String(), false)
		d.log.Debug("query timed out", zap.Stringer("op", op), zap.Stringer("to", to))
		return nil, ctx.Err()
	}
}

// notify sends a message that expects no response.
func (d *DHT) notify(to netip.AddrPort, op proto.Op, enc encodeFunc) error {
	if err := d.transmit(to, netip.Addr{}, nodeid.NewToken(), enc); err != nil {
		d.metrics.IncRPC(op.String(), false)
		return fmt.Errorf("dht: %s to %s: %w", op, to, err)
	}
	d.metrics.IncRPC(op.String(), true)
	return nil
}

// Ping asks to for its node info.
func (d *DHT) Ping(ctx context.Context, to netip.AddrPort) (proto.NodeInfo, error) {
	self := d.Self().ID
	m, err := d.Query(ctx, to, proto.OpPing, func(dst []byte, tok nodeid.Token) (int, error) {
		return proto.EncodePing(dst, tok, self)
	})
	if err != nil {
		return proto.NodeInfo{}, err
	}
	defer m.Done()
	ni, err := m.NodeInfo()
	if err != nil {
		return proto.NodeInfo{}, err
	}
	d.ObservePeer(ni.ID, to, &ni)
	return ni, nil
}

// FindNode asks to for target, or the node it knows closest to target.
func (d *DHT) FindNode(ctx context.Context, to netip.AddrPort, target nodeid.ID) (proto.NodeInfo, error) {
	self := d.Self().ID
	m, err := d.Query(ctx, to, proto.OpFindNode, func(dst []byte, tok nodeid.Token) (int, error) {
		return proto.EncodeFindNode(dst, tok, self, target)
	})
	if err != nil {
		return proto.NodeInfo{}, err
	}
	defer m.Done()
	return m.NodeInfo()
}

// FindClosest asks to for the nodes it knows closest to target.
func (d *DHT) FindClosest(ctx context.Context, to netip.AddrPort, target nodeid.ID) ([]proto.NodeInfo, error) {
	self := d.Self().ID
	m, err := d.Query(ctx, to, proto.OpFindClosestNodes, func(dst []byte, tok nodeid.Token) (int, error) {
		return proto.EncodeFindClosestNodes(dst, tok, self, target)
	})
	if err != nil {
		return nil, err
	}
	defer m.Done()
	return m.ClosestNodes()
}

// Reflect asks to which address our datagrams arrive from and records it as
// this node's external address.
func (d *DHT) Reflect(ctx context.Context, to netip.AddrPort) (netip.AddrPort, error) {
	self := d.Self().ID
	m, err := d.Query(ctx, to, proto.OpReflect, func(dst []byte, tok nodeid.Token) (int, error) {
		return proto.EncodeReflect(dst, tok, self)
	})
	if err != nil {
		return netip.AddrPort{}, err
	}
	defer m.Done()
	me, err := m.Reflected()
	if err != nil {
		return netip.AddrPort{}, err
	}
	if d.setExt(me) {
		d.log.Info("external address learned", zap.Stringer("addr", me), zap.Stringer("via", to))
	}
	return me, nil
}

// GetPeers asks to which addresses hold hash.
func (d *DHT) GetPeers(ctx context.Context, to netip.AddrPort, hash nodeid.Token) ([]netip.AddrPort, error) {
	self := d.Self().ID
	m, err := d.Query(ctx, to, proto.OpGetPeers, func(dst []byte, tok nodeid.Token) (int, error) {
		return proto.EncodeGetPeers(dst, tok, self, hash)
	})
	if err != nil {
		return nil, err
	}
	defer m.Done()
	return m.Peers()
}

// FindServiceAt asks one node for the service record of hash. A node that
// does not know it stays silent, so a miss surfaces as a timeout.
func (d *DHT) FindServiceAt(ctx context.Context, to netip.AddrPort, hash nodeid.Token) (proto.ServiceInfo, error) {
	self := d.Self().ID
	m, err := d.Query(ctx, to, proto.OpFindService, func(dst []byte, tok nodeid.Token) (int, error) {
		return proto.EncodeFindService(dst, tok, self, hash)
	})
	if err != nil {
		return proto.ServiceInfo{}, err
	}
	defer m.Done()
	return m.Service()
}

// PostServiceTo announces svc to one node.
func (d *DHT) PostServiceTo(to netip.AddrPort, svc proto.ServiceInfo) error {
	self := d.Self().ID
	return d.notify(to, proto.OpPostService, func(dst []byte, tok nodeid.Token) (int, error) {
		return proto.EncodePostService(dst, tok, self, svc)
	})
}

// PostHashTo tells one node that we hold hash.
func (d *DHT) PostHashTo(to netip.AddrPort, hash nodeid.Token) error {
	self := d.Self().ID
	return d.notify(to, proto.OpPostHash, func(dst []byte, tok nodeid.Token) (int, error) {
		return proto.EncodePostHash(dst, tok, self, hash)
	})
}
