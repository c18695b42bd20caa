package sim_test

import (
	"context"
	"math/rand"
	"net/netip"
	"sort"
	"testing"
	"time"

	"vdht/internal/dht"
	sim "vdht/internal/dht/sim"
	"vdht/internal/nodeid"
	"vdht/internal/proto"
)

func simAddr(i int) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, byte(i >> 8), byte(i), 1}), 12300)
}

// seededID draws a node id from r so a star's layout repeats across runs.
func seededID(r *rand.Rand) nodeid.ID {
	var id nodeid.ID
	for i := range id {
		id[i] = byte(r.Intn(10))
	}
	return id
}

// buildStar makes n nodes where node0 is the hub. The hub's buckets hold n
// contacts so it keeps every peer: digit ids crowd a handful of buckets and a
// default-sized table would spill some of them into replacement caches.
func buildStar(t *testing.T, nw *sim.Network, n int, seed int64) []*sim.Node {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	nodes := make([]*sim.Node, 0, n)
	for i := 0; i < n; i++ {
		opts := []dht.Option{
			dht.WithDiversityPolicy(dht.DiversityPolicy{MaxPerSubnet: 0}),
			dht.WithRateLimit(1e6, 1e6),
			dht.WithRPCTimeout(500 * time.Millisecond),
		}
		if i == 0 {
			opts = append(opts, dht.WithBucketSize(n))
		}
		node, err := sim.NewNode(nw, proto.NodeInfo{ID: seededID(r)}, simAddr(i), opts...)
		if err != nil {
			t.Fatalf("new node: %v", err)
		}
		nodes = append(nodes, node)
	}

	// Star bootstrap: everyone knows node0, node0 knows everyone.
	for i := 1; i < n; i++ {
		nodes[i].DHT().ObservePeer(nodes[0].DHT().Self().ID, nodes[0].Addr(), nil)
		nodes[0].DHT().ObservePeer(nodes[i].DHT().Self().ID, nodes[i].Addr(), nil)
	}
	if got := nodes[0].DHT().Routing().Size(); got != n-1 {
		t.Fatalf("hub holds %d of %d peers", got, n-1)
	}
	return nodes
}

func TestSim_FindClosest_StarBootstrap(t *testing.T) {
	nw := sim.NewNetwork(1)

	const N = 25
	nodes := buildStar(t, nw, N, 11)

	target := nodes[N-1].DHT().Self().ID

	cfg := dht.DefaultLookupConfig()
	cfg.MaxRounds = 32 // allow convergence in sim

	resp, err := nodes[1].DHT().IterativeFindClosest(context.Background(), target, cfg)
	if err != nil {
		t.Fatalf("iterfind: %v", err)
	}

	// Compute the true global k-closest nodes to target, excluding the querying node.
	type pair struct {
		id   nodeid.ID
		dist nodeid.Metric
	}
	all := make([]pair, 0, len(nodes))
	for _, n := range nodes[2:] {
		id := n.DHT().Self().ID
		all = append(all, pair{id: id, dist: nodeid.Distance(id, target)})
	}
	all = append(all, pair{id: nodes[0].DHT().Self().ID, dist: nodeid.Distance(nodes[0].DHT().Self().ID, target)})

	sort.Slice(all, func(i, j int) bool { return all[i].dist.Less(all[j].dist) })

	k := cfg.K
	if k > len(all) {
		k = len(all)
	}
	got := make(map[nodeid.ID]bool, len(resp))
	for _, ni := range resp {
		got[ni.ID] = true
	}
	for i := 0; i < k; i++ {
		if !got[all[i].id] {
			t.Fatalf("expected response to include globally closest node %s (k=%d)", all[i].id, k)
		}
	}
	if resp[0].ID != target {
		t.Fatalf("expected target first, got %s", resp[0].ID)
	}
}

func TestSim_JoinLearnsRoutes(t *testing.T) {
	nw := sim.NewNetwork(2)
	nodes := buildStar(t, nw, 10, 12)

	newcomer, err := sim.NewNode(nw, proto.NodeInfo{ID: nodeid.New()}, simAddr(100),
		dht.WithDiversityPolicy(dht.DiversityPolicy{MaxPerSubnet: 0}),
		dht.WithRateLimit(1e6, 1e6),
	)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	if err := newcomer.DHT().Join(context.Background(), nodes[0].Addr()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := newcomer.DHT().Routing().Size(); got < 2 {
		t.Fatalf("expected routes from the boot node, got %d", got)
	}
	if _, ok := nodes[0].DHT().Routing().Get(newcomer.DHT().Self().ID); !ok {
		t.Fatalf("boot node should have learned the newcomer")
	}
}

func TestSim_PostAndFindService(t *testing.T) {
	nw := sim.NewNetwork(3)
	nodes := buildStar(t, nw, 12, 13)
	ctx := context.Background()

	hash := nodeid.HashOf([]byte("stun.example"))
	svc := proto.ServiceInfo{Hash: hash, Addrs: []netip.AddrPort{netip.MustParseAddrPort("10.9.9.9:3478")}, Nice: 1}

	if err := nodes[3].DHT().Publish(ctx, dht.ServiceStun, svc); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if local, ok := nodes[3].DHT().Services().GetLocal(dht.ServiceStun); !ok || local.Hash != hash {
		t.Fatalf("local service not recorded")
	}

	got, err := nodes[7].DHT().FindService(ctx, hash)
	if err != nil {
		t.Fatalf("find service: %v", err)
	}
	if got.Hash != hash || len(got.Addrs) != 1 || got.Addrs[0] != svc.Addrs[0] {
		t.Fatalf("unexpected service %+v", got)
	}
}

func TestSim_ReflectLearnsExternalAddress(t *testing.T) {
	nw := sim.NewNetwork(4)
	nodes := buildStar(t, nw, 3, 14)

	me, err := nodes[1].DHT().Reflect(context.Background(), nodes[0].Addr())
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if me != nodes[1].Addr() {
		t.Fatalf("reflected %s, want %s", me, nodes[1].Addr())
	}
}

func TestSim_QueryTimesOutOnSilentPeer(t *testing.T) {
	nw := sim.NewNetwork(5)
	nodes := buildStar(t, nw, 2, 15)
	nw.Remove(nodes[0].Addr())

	_, err := nodes[1].DHT().Ping(context.Background(), nodes[0].Addr())
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if nodes[1].DHT().Pending() != 0 {
		t.Fatalf("pending query leaked")
	}
}
