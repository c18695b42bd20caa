package dht

import (
	"net/netip"

	"vdht/internal/nodeid"
	"vdht/internal/proto"
)

// call is one outstanding query waiting for its response.
type call struct {
	op proto.Op
	to netip.AddrPort
	ch chan *proto.Msg
}

// correlate lets the decoder resolve a response to the op of the query that
// carried the same token.
func (d *DHT) correlate(tok nodeid.Token) (proto.Op, bool) {
	c, ok := d.pending.Peek(tok)
	if !ok {
		return proto.OpUnknown, false
	}
	return c.op, true
}

// deliver hands a response to its waiter. It reports false when nobody is
// waiting for the token (late, duplicate or unsolicited).
func (d *DHT) deliver(m *proto.Msg) bool {
	c, ok := d.pending.Peek(m.Token)
	if !ok || c.op.Response() != m.Op {
		return false
	}
	d.pending.Remove(m.Token)
	select {
	case c.ch <- m:
		return true
	default:
		return false
	}
}

// Pending reports how many queries are awaiting a response.
func (d *DHT) Pending() int { return d.pending.Len() }
