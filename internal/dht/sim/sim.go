// Package sim runs DHT nodes over an in-process network.
package sim

import (
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"vdht/internal/dht"
	"vdht/internal/proto"
)

// Network is an in-process deterministic "transport" for DHT testing.
// It is NOT production networking; it exists to measure algorithmic behavior.
type Network struct {
	mu    sync.RWMutex
	nodes map[netip.AddrPort]*Node
	// Simulation knobs
	Latency  time.Duration // fixed latency per message
	DropRate float64       // 0..1

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewNetwork(seed int64) *Network {
	return &Network{
		nodes: make(map[netip.AddrPort]*Node),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

func (nw *Network) Add(node *Node) {
	nw.mu.Lock()
	nw.nodes[node.addr] = node
	nw.mu.Unlock()
}

// Remove takes a node off the network; datagrams to it vanish.
func (nw *Network) Remove(addr netip.AddrPort) {
	nw.mu.Lock()
	delete(nw.nodes, addr)
	nw.mu.Unlock()
}

func (nw *Network) drop() bool {
	if nw.DropRate <= 0 {
		return false
	}
	nw.rngMu.Lock()
	defer nw.rngMu.Unlock()
	return nw.rng.Float64() < nw.DropRate
}

func (nw *Network) deliver(from *Node, to netip.AddrPort, payload []byte) error {
	nw.mu.RLock()
	dst := nw.nodes[to]
	nw.mu.RUnlock()
	if dst == nil || nw.drop() {
		// datagrams are fire-and-forget
		return nil
	}
	if nw.Latency > 0 {
		time.Sleep(nw.Latency)
	}
	_ = dst.dht.HandleDHTOn(dst.addr.Addr(), from.addr, append([]byte(nil), payload...))
	return nil
}

// Node implements dht.Sender for simulation.
type Node struct {
	nw   *Network
	addr netip.AddrPort
	dht  *dht.DHT
}

// NewNode creates a DHT reachable at addr on nw.
func NewNode(nw *Network, self proto.NodeInfo, addr netip.AddrPort, opts ...dht.Option) (*Node, error) {
	n := &Node{nw: nw, addr: addr}
	self.SetExt(addr)
	d, err := dht.New(self, n, opts...)
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	n.dht = d
	nw.Add(n)
	return n, nil
}

func (n *Node) SendDHT(to netip.AddrPort, _ netip.Addr, payload []byte) error {
	return n.nw.deliver(n, to, payload)
}

func (n *Node) Addr() netip.AddrPort { return n.addr }
func (n *Node) DHT() *dht.DHT        { return n.dht }
