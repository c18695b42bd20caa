// Package proto maps DHT operations onto bencoded datagrams.
//
// Queries look like {t, y:"q", q:<name>, a:{id, ...}} and responses like
// {t, y:"r", r:{...}}. Responses carry no opcode; Begin infers it from the
// shape of r, or from the pending query when a Correlator is supplied.
package proto

// Op is the closed set of DHT operations.
type Op uint8

const (
	OpUnknown Op = iota
	OpPing
	OpPingRsp
	OpFindNode
	OpFindNodeRsp
	OpFindClosestNodes
	OpFindClosestNodesRsp
	OpReflect
	OpReflectRsp
	OpPostService
	OpPostHash
	OpGetPeers
	OpGetPeersRsp
	OpFindService
	OpFindServiceRsp

	opCount
)

var opNames = [opCount]string{
	OpUnknown:             "unknown",
	OpPing:                "ping",
	OpPingRsp:             "ping_rsp",
	OpFindNode:            "find_node",
	OpFindNodeRsp:         "find_node_rsp",
	OpFindClosestNodes:    "find_closest_nodes",
	OpFindClosestNodesRsp: "find_closest_nodes_rsp",
	OpReflect:             "reflect",
	OpReflectRsp:          "reflect_rsp",
	OpPostService:         "post_service",
	OpPostHash:            "post_hash",
	OpGetPeers:            "get_peers",
	OpGetPeersRsp:         "get_peers_rsp",
	OpFindService:         "find_service",
	OpFindServiceRsp:      "find_service_rsp",
}

func (op Op) String() string {
	if op >= opCount {
		return opNames[OpUnknown]
	}
	return opNames[op]
}

// OpByName resolves a query name from the wire. Response names are never
// sent in the q field, so they resolve to OpUnknown.
func OpByName(name string) Op {
	switch name {
	case "ping":
		return OpPing
	case "find_node":
		return OpFindNode
	case "find_closest_nodes":
		return OpFindClosestNodes
	case "reflect":
		return OpReflect
	case "post_service":
		return OpPostService
	case "post_hash":
		return OpPostHash
	case "get_peers":
		return OpGetPeers
	case "find_service":
		return OpFindService
	default:
		return OpUnknown
	}
}

// IsQuery reports whether op travels with y == "q".
func (op Op) IsQuery() bool {
	switch op {
	case OpPing, OpFindNode, OpFindClosestNodes, OpReflect,
		OpPostService, OpPostHash, OpGetPeers, OpFindService:
		return true
	}
	return false
}

// Response returns the response op answering query op, or OpUnknown for
// queries that expect no answer.
func (op Op) Response() Op {
	switch op {
	case OpPing:
		return OpPingRsp
	case OpFindNode:
		return OpFindNodeRsp
	case OpFindClosestNodes:
		return OpFindClosestNodesRsp
	case OpReflect:
		return OpReflectRsp
	case OpGetPeers:
		return OpGetPeersRsp
	case OpFindService:
		return OpFindServiceRsp
	}
	return OpUnknown
}
