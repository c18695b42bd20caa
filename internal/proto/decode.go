package proto

import (
	"errors"
	"fmt"
	"net/netip"

	"vdht/internal/bencode"
	"vdht/internal/nodeid"
)

var (
	ErrNotDict      = errors.New("proto: message is not a dictionary")
	ErrNoToken      = errors.New("proto: missing transaction token")
	ErrNoType       = errors.New("proto: missing message type")
	ErrBadType      = errors.New("proto: unknown message type")
	ErrNoSource     = errors.New("proto: missing source id")
	ErrNoResult     = errors.New("proto: missing result dictionary")
	ErrMissingField = errors.New("proto: missing field")
	ErrWrongOp      = errors.New("proto: accessor does not apply to this op")
	ErrDone         = errors.New("proto: message already released")
)

// Correlator maps a token to the op of the query that is waiting on it.
type Correlator func(nodeid.Token) (Op, bool)

// Msg is a decoded envelope. Begin fills Token, Op and Src; the per-op
// accessors then read fields from the parsed tree. Call Done when finished.
type Msg struct {
	Token nodeid.Token
	Op    Op
	Query bool

	Src    nodeid.ID
	HasSrc bool

	root *bencode.Node
}

// responseShapes is the ordered decision table for inferring a response op.
// The first row whose source-id presence and result key both match wins.
var responseShapes = []struct {
	withID bool
	key    string
	op     Op
}{
	{true, "nodes", OpFindClosestNodesRsp},
	{true, "hash", OpGetPeersRsp},
	{true, "me", OpReflectRsp},
	{true, "service", OpFindServiceRsp},
	{true, "node", OpFindNodeRsp},
	{false, "node", OpPingRsp},
}

func inferResponse(r *bencode.Node, withID bool) Op {
	for _, row := range responseShapes {
		if row.withID != withID {
			continue
		}
		if _, ok := bencode.Get(r, row.key); ok {
			return row.op
		}
	}
	return OpUnknown
}

// Begin parses a datagram and identifies its envelope.
func Begin(buf []byte) (*Msg, error) { return BeginCorrelated(buf, nil) }

// BeginCorrelated is Begin with the pending-query table consulted first:
// when the token belongs to a query we sent, the response op is that
// query's response op and shape inference is skipped.
func BeginCorrelated(buf []byte, lookup Correlator) (*Msg, error) {
	root, err := bencode.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("proto: %w", err)
	}
	if root.Kind() != bencode.KindDict {
		return nil, ErrNotDict
	}

	m := &Msg{root: root}

	t, ok := bencode.Get(root, "t")
	if !ok {
		return nil, ErrNoToken
	}
	if m.Token, err = AsToken(t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoToken, err)
	}

	y, ok := bencode.Get(root, "y")
	if !ok {
		return nil, ErrNoType
	}
	kind, err := bencode.AsText(y)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoType, err)
	}

	switch kind {
	case "q":
		if err := m.beginQuery(); err != nil {
			return nil, err
		}
	case "r":
		if err := m.beginResponse(lookup); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadType, kind)
	}
	return m, nil
}

func (m *Msg) beginQuery() error {
	m.Query = true

	idn, ok := bencode.Get2(m.root, "a", "id")
	if !ok {
		return ErrNoSource
	}
	src, err := AsID(idn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoSource, err)
	}
	m.Src, m.HasSrc = src, true

	qn, ok := bencode.Get(m.root, "q")
	if !ok {
		return fmt.Errorf("%w: %q", ErrMissingField, "q")
	}
	name, err := bencode.AsText(qn)
	if err != nil {
		return fmt.Errorf("query name: %w", err)
	}
	m.Op = OpByName(name)
	return nil
}

func (m *Msg) beginResponse(lookup Correlator) error {
	r, ok := bencode.Get(m.root, "r")
	if !ok || r.Kind() != bencode.KindDict {
		return ErrNoResult
	}

	idn, withID := bencode.Get(r, "id")
	if withID {
		src, err := AsID(idn)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoSource, err)
		}
		m.Src, m.HasSrc = src, true
	}

	m.Op = OpUnknown
	if lookup != nil {
		if qop, ok := lookup(m.Token); ok {
			m.Op = qop.Response()
		}
	}
	if m.Op == OpUnknown {
		m.Op = inferResponse(r, withID)
	}

	if !m.HasSrc {
		if nid, ok := bencode.Get2(r, "node", "id"); ok {
			if src, err := AsID(nid); err == nil {
				m.Src, m.HasSrc = src, true
			}
		}
	}
	return nil
}

// Done releases the parsed tree.
func (m *Msg) Done() { m.root = nil }

// Tree exposes the parsed message for logging.
func (m *Msg) Tree() *bencode.Node { return m.root }

func field(d *bencode.Node, key string) (*bencode.Node, error) {
	v, ok := bencode.Get(d, key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingField, key)
	}
	return v, nil
}

// section returns the a or r dictionary once op has been checked.
func (m *Msg) section(ops ...Op) (*bencode.Node, error) {
	if m.root == nil {
		return nil, ErrDone
	}
	match := false
	for _, op := range ops {
		if m.Op == op {
			match = true
			break
		}
	}
	if !match {
		return nil, fmt.Errorf("%w: %s", ErrWrongOp, m.Op)
	}
	key := "r"
	if m.Query {
		key = "a"
	}
	d, ok := bencode.Get(m.root, key)
	if !ok || d.Kind() != bencode.KindDict {
		return nil, fmt.Errorf("%w: %q", ErrMissingField, key)
	}
	return d, nil
}

// Target is the lookup target of find_node and find_closest_nodes.
func (m *Msg) Target() (nodeid.ID, error) {
	a, err := m.section(OpFindNode, OpFindClosestNodes)
	if err != nil {
		return nodeid.ID{}, err
	}
	v, err := field(a, "target")
	if err != nil {
		return nodeid.ID{}, err
	}
	return AsID(v)
}

// NodeInfo is the node carried by ping_rsp and find_node_rsp.
func (m *Msg) NodeInfo() (NodeInfo, error) {
	r, err := m.section(OpPingRsp, OpFindNodeRsp)
	if err != nil {
		return NodeInfo{}, err
	}
	v, err := field(r, "node")
	if err != nil {
		return NodeInfo{}, err
	}
	return parseNodeInfo(v)
}

// ClosestNodes returns the nodes list of find_closest_nodes_rsp. An empty
// list yields an empty, non-nil slice.
func (m *Msg) ClosestNodes() ([]NodeInfo, error) {
	r, err := m.section(OpFindClosestNodesRsp)
	if err != nil {
		return nil, err
	}
	l, err := field(r, "nodes")
	if err != nil {
		return nil, err
	}
	if l.Kind() != bencode.KindList {
		return nil, fmt.Errorf("nodes: %w", bencode.ErrKind)
	}
	out := make([]NodeInfo, 0, l.Len())
	for _, it := range l.Items() {
		ni, err := parseNodeInfo(it)
		if err != nil {
			return nil, err
		}
		out = append(out, ni)
	}
	return out, nil
}

// Reflected is the sender's address as observed by the responder.
func (m *Msg) Reflected() (netip.AddrPort, error) {
	r, err := m.section(OpReflectRsp)
	if err != nil {
		return netip.AddrPort{}, err
	}
	v, err := field(r, "me")
	if err != nil {
		return netip.AddrPort{}, err
	}
	return AsAddr(v)
}

func (m *Msg) Service() (ServiceInfo, error) {
	d, err := m.section(OpPostService, OpFindServiceRsp)
	if err != nil {
		return ServiceInfo{}, err
	}
	v, err := field(d, "service")
	if err != nil {
		return ServiceInfo{}, err
	}
	return parseServiceInfo(v)
}

func (m *Msg) Hash() (nodeid.Token, error) {
	d, err := m.section(OpPostHash, OpGetPeers, OpGetPeersRsp, OpFindService)
	if err != nil {
		return nodeid.Token{}, err
	}
	v, err := field(d, "hash")
	if err != nil {
		return nodeid.Token{}, err
	}
	return AsToken(v)
}

// Peers lists the addresses in get_peers_rsp; a missing list is empty.
func (m *Msg) Peers() ([]netip.AddrPort, error) {
	r, err := m.section(OpGetPeersRsp)
	if err != nil {
		return nil, err
	}
	v, ok := bencode.Get(r, "peers")
	if !ok {
		return []netip.AddrPort{}, nil
	}
	return parseAddrList(v)
}
