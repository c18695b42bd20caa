package dht

import (
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"vdht/internal/msger"
	"vdht/internal/netx"
	"vdht/internal/nodeid"
	"vdht/internal/proto"
)

var (
	ErrRateLimited = errors.New("dht: source rate limited")
	ErrUnsolicited = errors.New("dht: unsolicited response")
	ErrUnknownOp   = errors.New("dht: unknown query")
	ErrNotUDP      = errors.New("dht: message did not arrive over udp")
)

// OnMessage is the dispatcher callback for MsgDHT.
func (d *DHT) OnMessage(_ any, um msger.UserMsg) error {
	if um.Addr.Kind != netx.AddrUDP {
		return fmt.Errorf("%w: %s", ErrNotUDP, um.Addr)
	}
	return d.HandleDHTOn(um.Spec, um.Addr.IP, um.Data)
}

// HandleDHT processes a datagram whose local arrival address is unknown.
func (d *DHT) HandleDHT(from netip.AddrPort, data []byte) error {
	return d.HandleDHTOn(netip.Addr{}, from, data)
}

// HandleDHTOn processes one inbound DHT datagram that arrived on local.
// Queries are answered through the sender from that same local address;
// responses are handed to the pending query that owns the token. Errors
// describe why a datagram was dropped and are never fatal.
func (d *DHT) HandleDHTOn(local netip.Addr, from netip.AddrPort, data []byte) error {
	if !d.limiter.allow(from.Addr(), d.clock.Now()) {
		return fmt.Errorf("%w: %s", ErrRateLimited, from)
	}

	m, err := proto.BeginCorrelated(data, d.correlate)
	if err != nil {
		d.log.Debug("bad dht message", zap.Stringer("from", from), zap.Error(err))
		return err
	}

	// Update routing table on any DHT traffic that names its sender.
	if m.HasSrc && m.Src != d.Self().ID {
		var info *proto.NodeInfo
		if m.Op == proto.OpPingRsp || m.Op == proto.OpFindNodeRsp {
			if ni, err := m.NodeInfo(); err == nil && ni.ID == m.Src {
				info = &ni
			}
		}
		d.ObservePeer(m.Src, from, info)
	}

	if !m.Query {
		if d.deliver(m) {
			return nil
		}
		m.Done()
		return fmt.Errorf("%w: %s %s from %s", ErrUnsolicited, m.Op, m.Token, from)
	}
	defer m.Done()

	d.log.Debug("query", zap.Stringer("op", m.Op), zap.Stringer("from", from))

	self := d.Self()
	switch m.Op {
	case proto.OpPing:
		return d.reply(from, local, m.Token, func(dst []byte, tok nodeid.Token) (int, error) {
			return proto.EncodePingRsp(dst, tok, self)
		})

	case proto.OpFindNode:
		target, err := m.Target()
		if err != nil {
			return err
		}
		result := self
		if target != self.ID {
			if c, ok := d.rt.Get(target); ok {
				result = c.NodeInfo
			} else if cl := d.rt.Closest(target, 1); len(cl) > 0 {
				result = cl[0].NodeInfo
			}
		}
		return d.reply(from, local, m.Token, func(dst []byte, tok nodeid.Token) (int, error) {
			return proto.EncodeFindNodeRsp(dst, tok, self.ID, result)
		})

	case proto.OpFindClosestNodes:
		target, err := m.Target()
		if err != nil {
			return err
		}
		closest := d.rt.Closest(target, d.rt.K())
		out := make([]proto.NodeInfo, 0, len(closest))
		for _, c := range closest {
			if c.ID == m.Src {
				continue
			}
			out = append(out, c.NodeInfo)
		}
		return d.reply(from, local, m.Token, func(dst []byte, tok nodeid.Token) (int, error) {
			return proto.EncodeFindClosestNodesRsp(dst, tok, self.ID, out)
		})

	case proto.OpReflect:
		return d.reply(from, local, m.Token, func(dst []byte, tok nodeid.Token) (int, error) {
			return proto.EncodeReflectRsp(dst, tok, self.ID, from)
		})

	case proto.OpPostService:
		svc, err := m.Service()
		if err != nil {
			return err
		}
		d.services.Post(svc)
		return nil

	case proto.OpPostHash:
		hash, err := m.Hash()
		if err != nil {
			return err
		}
		d.services.AddPeer(hash, from)
		return nil

	case proto.OpGetPeers:
		hash, err := m.Hash()
		if err != nil {
			return err
		}
		peers := d.services.Peers(hash)
		return d.reply(from, local, m.Token, func(dst []byte, tok nodeid.Token) (int, error) {
			return proto.EncodeGetPeersRsp(dst, tok, self.ID, hash, peers)
		})

	case proto.OpFindService:
		hash, err := m.Hash()
		if err != nil {
			return err
		}
		svc, ok := d.services.Lookup(hash)
		if !ok {
			return nil
		}
		return d.reply(from, local, m.Token, func(dst []byte, tok nodeid.Token) (int, error) {
			return proto.EncodeFindServiceRsp(dst, tok, self.ID, svc)
		})

	default:
		return fmt.Errorf("%w from %s", ErrUnknownOp, from)
	}
}

func (d *DHT) reply(to netip.AddrPort, local netip.Addr, tok nodeid.Token, enc encodeFunc) error {
	if err := d.transmit(to, local, tok, enc); err != nil {
		return fmt.Errorf("dht: reply to %s: %w", to, err)
	}
	return nil
}
