package proto

import (
	"fmt"
	"net/netip"

	"vdht/internal/bencode"
	"vdht/internal/nodeid"
)

// MaxMsgSize bounds one encoded DHT message.
const MaxMsgSize = 8*1024 - HeaderLen

func query(tok nodeid.Token, op Op, args *bencode.Node) *bencode.Node {
	return bencode.NewDict().
		Set("t", TokenNode(tok)).
		Set("y", bencode.Text("q")).
		Set("q", bencode.Text(op.String())).
		Set("a", args)
}

func response(tok nodeid.Token, result *bencode.Node) *bencode.Node {
	return bencode.NewDict().
		Set("t", TokenNode(tok)).
		Set("y", bencode.Text("r")).
		Set("r", result)
}

func idArgs(src nodeid.ID) *bencode.Node {
	return bencode.NewDict().Set("id", IDNode(src))
}

func encode(dst []byte, op Op, tree *bencode.Node) (int, error) {
	n, err := bencode.EncodeTo(dst, tree)
	if err != nil {
		return 0, fmt.Errorf("proto: encode %s: %w", op, err)
	}
	return n, nil
}

// ping = {t, y:"q", q:"ping", a:{id}}
func EncodePing(dst []byte, tok nodeid.Token, src nodeid.ID) (int, error) {
	return encode(dst, OpPing, query(tok, OpPing, idArgs(src)))
}

// ping_rsp = {t, y:"r", r:{node:{id, v, ml?, mu?, me?, w}}}
//
// The responder's id travels only inside node; the absent r.id is what
// tells it apart from find_node_rsp.
func EncodePingRsp(dst []byte, tok nodeid.Token, self NodeInfo) (int, error) {
	r := bencode.NewDict().Set("node", nodeInfoNode(self))
	return encode(dst, OpPingRsp, response(tok, r))
}

// find_node = {t, y:"q", q:"find_node", a:{id, target}}
func EncodeFindNode(dst []byte, tok nodeid.Token, src, target nodeid.ID) (int, error) {
	a := idArgs(src).Set("target", IDNode(target))
	return encode(dst, OpFindNode, query(tok, OpFindNode, a))
}

// find_node_rsp = {t, y:"r", r:{id, node:{...}}}
func EncodeFindNodeRsp(dst []byte, tok nodeid.Token, src nodeid.ID, result NodeInfo) (int, error) {
	r := idArgs(src).Set("node", nodeInfoNode(result))
	return encode(dst, OpFindNodeRsp, response(tok, r))
}

func EncodeFindClosestNodes(dst []byte, tok nodeid.Token, src, target nodeid.ID) (int, error) {
	a := idArgs(src).Set("target", IDNode(target))
	return encode(dst, OpFindClosestNodes, query(tok, OpFindClosestNodes, a))
}

// find_closest_nodes_rsp = {t, y:"r", r:{id, nodes:[{...}, ...]}}
// An empty result still carries the nodes key.
func EncodeFindClosestNodesRsp(dst []byte, tok nodeid.Token, src nodeid.ID, closest []NodeInfo) (int, error) {
	nodes := bencode.NewList()
	for _, ni := range closest {
		nodes.Append(nodeInfoNode(ni))
	}
	r := idArgs(src).Set("nodes", nodes)
	return encode(dst, OpFindClosestNodesRsp, response(tok, r))
}

func EncodeReflect(dst []byte, tok nodeid.Token, src nodeid.ID) (int, error) {
	return encode(dst, OpReflect, query(tok, OpReflect, idArgs(src)))
}

// reflect_rsp = {t, y:"r", r:{id, me:"ip:port"}}
func EncodeReflectRsp(dst []byte, tok nodeid.Token, src nodeid.ID, reflected netip.AddrPort) (int, error) {
	r := idArgs(src).Set("me", AddrNode(reflected))
	return encode(dst, OpReflectRsp, response(tok, r))
}

// post_service = {t, y:"q", q:"post_service", a:{id, service:{id, m:[...], n}}}
func EncodePostService(dst []byte, tok nodeid.Token, src nodeid.ID, svc ServiceInfo) (int, error) {
	a := idArgs(src).Set("service", serviceNode(svc))
	return encode(dst, OpPostService, query(tok, OpPostService, a))
}

func EncodePostHash(dst []byte, tok nodeid.Token, src nodeid.ID, hash nodeid.Token) (int, error) {
	a := idArgs(src).Set("hash", TokenNode(hash))
	return encode(dst, OpPostHash, query(tok, OpPostHash, a))
}

func EncodeGetPeers(dst []byte, tok nodeid.Token, src nodeid.ID, hash nodeid.Token) (int, error) {
	a := idArgs(src).Set("hash", TokenNode(hash))
	return encode(dst, OpGetPeers, query(tok, OpGetPeers, a))
}

// get_peers_rsp = {t, y:"r", r:{id, hash, peers:["ip:port", ...]}}
func EncodeGetPeersRsp(dst []byte, tok nodeid.Token, src nodeid.ID, hash nodeid.Token, peers []netip.AddrPort) (int, error) {
	r := idArgs(src).
		Set("hash", TokenNode(hash)).
		Set("peers", addrListNode(peers))
	return encode(dst, OpGetPeersRsp, response(tok, r))
}

func EncodeFindService(dst []byte, tok nodeid.Token, src nodeid.ID, hash nodeid.Token) (int, error) {
	a := idArgs(src).Set("hash", TokenNode(hash))
	return encode(dst, OpFindService, query(tok, OpFindService, a))
}

// find_service_rsp = {t, y:"r", r:{id, service:{...}}}
func EncodeFindServiceRsp(dst []byte, tok nodeid.Token, src nodeid.ID, svc ServiceInfo) (int, error) {
	r := idArgs(src).Set("service", serviceNode(svc))
	return encode(dst, OpFindServiceRsp, response(tok, r))
}
