package proto

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vdht/internal/bencode"
	"vdht/internal/nodeid"
)

var (
	tok1 = nodeid.MustParseToken(strings.Repeat("1", nodeid.Len))
	id5  = nodeid.MustParse(strings.Repeat("5", nodeid.Len))
	id7  = nodeid.MustParse(strings.Repeat("7", nodeid.Len))
	ver  = nodeid.MustParseVersion("0.0.0.1.0")
)

func encodeWith(t *testing.T, enc func(dst []byte) (int, error)) []byte {
	t.Helper()
	buf := make([]byte, MaxMsgSize)
	n, err := enc(buf)
	require.NoError(t, err)
	return buf[:n]
}

func sampleNode(id nodeid.ID) NodeInfo {
	ni := NodeInfo{ID: id, Ver: ver, Weight: 3}
	ni.SetLocal(netip.MustParseAddrPort("192.168.4.125:12300"))
	return ni
}

func TestPing_EndToEnd(t *testing.T) {
	wire := encodeWith(t, func(dst []byte) (int, error) { return EncodePing(dst, tok1, id5) })

	m, err := Begin(wire)
	require.NoError(t, err)
	defer m.Done()

	assert.Equal(t, OpPing, m.Op)
	assert.True(t, m.Query)
	assert.Equal(t, tok1, m.Token)
	require.True(t, m.HasSrc)
	assert.Equal(t, id5, m.Src)
}

func TestPing_WireForm(t *testing.T) {
	wire := encodeWith(t, func(dst []byte) (int, error) { return EncodePing(dst, tok1, id5) })
	want := "d1:t40:" + tok1.String() + "1:y1:q1:q4:ping1:ad2:id40:" + id5.String() + "ee"
	assert.Equal(t, want, string(wire))
}

func TestFindClosestNodesRsp_EmptyListIsPresent(t *testing.T) {
	wire := encodeWith(t, func(dst []byte) (int, error) {
		return EncodeFindClosestNodesRsp(dst, tok1, id5, nil)
	})

	m, err := Begin(wire)
	require.NoError(t, err)
	assert.Equal(t, OpFindClosestNodesRsp, m.Op)

	_, ok := bencode.Get2(m.Tree(), "r", "nodes")
	require.True(t, ok, "nodes key must be present")

	nodes, err := m.ClosestNodes()
	require.NoError(t, err)
	assert.NotNil(t, nodes)
	assert.Empty(t, nodes)
}

func TestFindClosestNodesRsp_Nodes(t *testing.T) {
	a, b := sampleNode(id7), sampleNode(nodeid.New())
	b.SetExt(netip.MustParseAddrPort("27.115.62.114:15300"))

	wire := encodeWith(t, func(dst []byte) (int, error) {
		return EncodeFindClosestNodesRsp(dst, tok1, id5, []NodeInfo{a, b})
	})
	m, err := Begin(wire)
	require.NoError(t, err)

	nodes, err := m.ClosestNodes()
	require.NoError(t, err)
	assert.Equal(t, []NodeInfo{a, b}, nodes)
}

func TestBegin_MissingToken(t *testing.T) {
	tree := bencode.NewDict().
		Set("y", bencode.Text("q")).
		Set("q", bencode.Text("ping")).
		Set("a", bencode.NewDict().Set("id", IDNode(id5)))

	var err error
	require.NotPanics(t, func() { _, err = Begin(bencode.Encode(tree)) })
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestBegin_Rejects(t *testing.T) {
	cases := []struct {
		name string
		tree *bencode.Node
		want error
	}{
		{"not a dict", bencode.NewList(), ErrNotDict},
		{"bad token", bencode.NewDict().Set("t", bencode.Text("abc")).Set("y", bencode.Text("q")), ErrNoToken},
		{"missing y", bencode.NewDict().Set("t", TokenNode(tok1)), ErrNoType},
		{"bad y", bencode.NewDict().Set("t", TokenNode(tok1)).Set("y", bencode.Text("e")), ErrBadType},
		{"query without id", bencode.NewDict().Set("t", TokenNode(tok1)).Set("y", bencode.Text("q")).
			Set("q", bencode.Text("ping")).Set("a", bencode.NewDict()), ErrNoSource},
		{"response without r", bencode.NewDict().Set("t", TokenNode(tok1)).Set("y", bencode.Text("r")), ErrNoResult},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Begin(bencode.Encode(tc.tree))
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := Begin([]byte("d1:t"))
	var de *bencode.DecodeError
	assert.ErrorAs(t, err, &de)
}

func TestBegin_UnknownQueryName(t *testing.T) {
	tree := query(tok1, OpPing, idArgs(id5))
	tree.Entries()[2].Value = bencode.Text("announce_peer")

	m, err := Begin(bencode.Encode(tree))
	require.NoError(t, err)
	assert.Equal(t, OpUnknown, m.Op)
}

func TestResponseInference(t *testing.T) {
	self := sampleNode(id7)
	svc := ServiceInfo{Hash: nodeid.HashOf([]byte("relay")), Nice: 5}
	require.NoError(t, svc.AddAddr(netip.MustParseAddrPort("10.0.0.12:13500")))

	cases := []struct {
		name string
		enc  func(dst []byte) (int, error)
		want Op
	}{
		{"ping_rsp", func(d []byte) (int, error) { return EncodePingRsp(d, tok1, self) }, OpPingRsp},
		{"find_node_rsp", func(d []byte) (int, error) { return EncodeFindNodeRsp(d, tok1, id5, self) }, OpFindNodeRsp},
		{"find_closest_nodes_rsp", func(d []byte) (int, error) {
			return EncodeFindClosestNodesRsp(d, tok1, id5, []NodeInfo{self})
		}, OpFindClosestNodesRsp},
		{"reflect_rsp", func(d []byte) (int, error) {
			return EncodeReflectRsp(d, tok1, id5, netip.MustParseAddrPort("10.3.2.45:12300"))
		}, OpReflectRsp},
		{"get_peers_rsp", func(d []byte) (int, error) { return EncodeGetPeersRsp(d, tok1, id5, svc.Hash, svc.Addrs) }, OpGetPeersRsp},
		{"find_service_rsp", func(d []byte) (int, error) { return EncodeFindServiceRsp(d, tok1, id5, svc) }, OpFindServiceRsp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Begin(encodeWith(t, tc.enc))
			require.NoError(t, err)
			assert.Equal(t, tc.want, m.Op)
			assert.False(t, m.Query)
			assert.True(t, m.HasSrc)
		})
	}
}

func TestPingRsp_SourceFromNestedNode(t *testing.T) {
	self := sampleNode(id7)
	m, err := Begin(encodeWith(t, func(d []byte) (int, error) { return EncodePingRsp(d, tok1, self) }))
	require.NoError(t, err)

	assert.Equal(t, id7, m.Src)
	got, err := m.NodeInfo()
	require.NoError(t, err)
	assert.Equal(t, self, got)
}

func TestBeginCorrelated_UsesPendingQuery(t *testing.T) {
	// A find_node_rsp from a peer that omitted r.id would be taken for a
	// ping_rsp by shape; the pending query settles it.
	tree := response(tok1, bencode.NewDict().Set("node", nodeInfoNode(sampleNode(id7))))
	wire := bencode.Encode(tree)

	m, err := Begin(wire)
	require.NoError(t, err)
	assert.Equal(t, OpPingRsp, m.Op)

	lookup := func(tok nodeid.Token) (Op, bool) {
		if tok == tok1 {
			return OpFindNode, true
		}
		return OpUnknown, false
	}
	m, err = BeginCorrelated(wire, lookup)
	require.NoError(t, err)
	assert.Equal(t, OpFindNodeRsp, m.Op)
	assert.Equal(t, id7, m.Src)

	other := nodeid.NewToken()
	tree = response(other, bencode.NewDict().Set("node", nodeInfoNode(sampleNode(id7))))
	m, err = BeginCorrelated(bencode.Encode(tree), lookup)
	require.NoError(t, err)
	assert.Equal(t, OpPingRsp, m.Op, "unknown tokens fall back to shape inference")
}

func TestQueries_Fields(t *testing.T) {
	target := nodeid.New()
	hash := nodeid.HashOf([]byte("vpn"))
	svc := ServiceInfo{Hash: hash, Nice: 2}
	require.NoError(t, svc.AddAddr(netip.MustParseAddrPort("192.168.4.46:14444")))
	require.NoError(t, svc.AddAddr(netip.MustParseAddrPort("27.115.62.114:15300")))

	m, err := Begin(encodeWith(t, func(d []byte) (int, error) { return EncodeFindNode(d, tok1, id5, target) }))
	require.NoError(t, err)
	got, err := m.Target()
	require.NoError(t, err)
	assert.Equal(t, target, got)

	m, err = Begin(encodeWith(t, func(d []byte) (int, error) { return EncodeFindClosestNodes(d, tok1, id5, target) }))
	require.NoError(t, err)
	assert.Equal(t, OpFindClosestNodes, m.Op)

	m, err = Begin(encodeWith(t, func(d []byte) (int, error) { return EncodePostService(d, tok1, id5, svc) }))
	require.NoError(t, err)
	gotSvc, err := m.Service()
	require.NoError(t, err)
	assert.Equal(t, svc, gotSvc)

	for _, enc := range []func([]byte) (int, error){
		func(d []byte) (int, error) { return EncodePostHash(d, tok1, id5, hash) },
		func(d []byte) (int, error) { return EncodeGetPeers(d, tok1, id5, hash) },
		func(d []byte) (int, error) { return EncodeFindService(d, tok1, id5, hash) },
	} {
		m, err := Begin(encodeWith(t, enc))
		require.NoError(t, err)
		h, err := m.Hash()
		require.NoError(t, err)
		assert.Equal(t, hash, h, m.Op.String())
	}

	m, err = Begin(encodeWith(t, func(d []byte) (int, error) { return EncodeReflect(d, tok1, id5) }))
	require.NoError(t, err)
	assert.Equal(t, OpReflect, m.Op)
}

func TestResponses_Fields(t *testing.T) {
	me := netip.MustParseAddrPort("10.3.2.45:12300")
	m, err := Begin(encodeWith(t, func(d []byte) (int, error) { return EncodeReflectRsp(d, tok1, id5, me) }))
	require.NoError(t, err)
	got, err := m.Reflected()
	require.NoError(t, err)
	assert.Equal(t, me, got)

	hash := nodeid.HashOf([]byte("stun"))
	peers := []netip.AddrPort{me, netip.MustParseAddrPort("10.0.0.1:1")}
	m, err = Begin(encodeWith(t, func(d []byte) (int, error) { return EncodeGetPeersRsp(d, tok1, id5, hash, peers) }))
	require.NoError(t, err)
	gotPeers, err := m.Peers()
	require.NoError(t, err)
	assert.Equal(t, peers, gotPeers)
}

func TestAccessor_WrongOpAndDone(t *testing.T) {
	m, err := Begin(encodeWith(t, func(d []byte) (int, error) { return EncodePing(d, tok1, id5) }))
	require.NoError(t, err)

	_, err = m.Target()
	assert.ErrorIs(t, err, ErrWrongOp)

	m.Op = OpFindNode
	_, err = m.Target()
	assert.ErrorIs(t, err, ErrMissingField)

	m.Done()
	_, err = m.Target()
	assert.ErrorIs(t, err, ErrDone)
}

func TestEncode_BufferTooSmall(t *testing.T) {
	_, err := EncodePing(make([]byte, 10), tok1, id5)
	assert.ErrorIs(t, err, bencode.ErrBufferTooSmall)
}

func TestNodeInfo_OptionalAddrs(t *testing.T) {
	ni := NodeInfo{ID: id5, Ver: ver}
	back, err := DecodeNodeInfo(EncodeNodeInfo(ni))
	require.NoError(t, err)
	assert.Equal(t, AddrFlags(0), back.Flags)
	_, ok := back.BestAddr()
	assert.False(t, ok)

	ni.SetLocal(netip.MustParseAddrPort("192.168.1.2:100"))
	ni.SetUPnP(netip.MustParseAddrPort("1.2.3.4:200"))
	back, err = DecodeNodeInfo(EncodeNodeInfo(ni))
	require.NoError(t, err)
	assert.Equal(t, ni, back)
	best, ok := back.BestAddr()
	require.True(t, ok)
	assert.Equal(t, ni.UPnP, best)
}

func TestNodeInfo_RejectsBadAddr(t *testing.T) {
	d := nodeInfoNode(NodeInfo{ID: id5, Ver: ver}).Set("ml", bencode.Text("[::1]:80"))
	_, err := parseNodeInfo(d)
	assert.ErrorIs(t, err, ErrAddr)
}

func TestServiceInfo_AddrSet(t *testing.T) {
	var s ServiceInfo
	for i := 0; i < MaxServiceAddrs; i++ {
		require.NoError(t, s.AddAddr(netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}), 80)))
	}
	require.NoError(t, s.AddAddr(s.Addrs[0]), "duplicates are ignored")
	assert.ErrorIs(t, s.AddAddr(netip.MustParseAddrPort("10.1.1.1:1")), ErrServiceFull)

	for i := len(s.Addrs) - 1; i > 0; i-- {
		assert.False(t, s.RemoveAddr(s.Addrs[i]))
	}
	assert.True(t, s.RemoveAddr(s.Addrs[0]))
}

func TestFrame(t *testing.T) {
	payload := []byte("d1:ai1ee")
	data := Pack(1, payload)
	require.Len(t, data, HeaderLen+len(payload))

	typ, got, err := Unpack(data)
	require.NoError(t, err)
	assert.EqualValues(t, 1, typ)
	assert.Equal(t, payload, got)

	_, _, err = Unpack(data[:4])
	assert.ErrorIs(t, err, ErrShortFrame)

	data[0] ^= 0xff
	_, _, err = Unpack(data)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestOpNames(t *testing.T) {
	for op := OpPing; op < opCount; op++ {
		if op.IsQuery() {
			assert.Equal(t, op, OpByName(op.String()))
			continue
		}
		assert.True(t, strings.HasSuffix(op.String(), "_rsp"), op.String())
		assert.Equal(t, OpUnknown, OpByName(op.String()))
	}
}
