package dht

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"vdht/internal/nodeid"
	"vdht/internal/proto"
)

func randID(t testing.TB) nodeid.ID {
	t.Helper()
	return nodeid.New()
}

var nextPort uint16 = 1000

// peerAt builds node info reachable at a distinct loopback port.
func peerAt(id nodeid.ID, ip string) proto.NodeInfo {
	nextPort++
	ni := proto.NodeInfo{ID: id}
	ni.SetExt(netip.AddrPortFrom(netip.MustParseAddr(ip), nextPort))
	return ni
}

// lastDigitFlip returns an id that differs from self only in the lowest bit
// of the last digit.
func lastDigitFlip(self nodeid.ID) nodeid.ID {
	id := self
	if id[nodeid.Len-1]%2 == 0 {
		id[nodeid.Len-1]++
	} else {
		id[nodeid.Len-1]--
	}
	return id
}

func TestRoutingTable_ClosestSortedByDistance(t *testing.T) {
	self := randID(t)
	rt := NewRoutingTable(self, 8)
	rt.SetDiversityLimit(0)

	target := randID(t)

	// Insert enough random peers.
	for i := 0; i < 50; i++ {
		rt.Upsert(peerAt(randID(t), "127.0.0.1"))
	}

	got := rt.Closest(target, 10)
	if len(got) == 0 {
		t.Fatalf("expected some closest nodes")
	}
	if len(got) > 10 {
		t.Fatalf("expected <=10, got %d", len(got))
	}

	// Verify sorted ascending by XOR distance to target.
	for i := 1; i < len(got); i++ {
		prev := nodeid.Distance(got[i-1].ID, target)
		cur := nodeid.Distance(got[i].ID, target)
		if cur.Less(prev) {
			t.Fatalf("closest not sorted at i=%d", i)
		}
	}
}

func TestRoutingTable_IgnoresSelfAndAddressless(t *testing.T) {
	self := randID(t)
	rt := NewRoutingTable(self, 8)

	rt.Upsert(peerAt(self, "10.0.0.1"))
	rt.Upsert(proto.NodeInfo{ID: randID(t)})
	if rt.Size() != 0 {
		t.Fatalf("expected empty table, got %d", rt.Size())
	}
}

func TestRoutingTable_UpsertMovesToFrontAndMerges(t *testing.T) {
	self := randID(t)
	rt := NewRoutingTable(self, 8)
	rt.SetDiversityLimit(0)

	peer := lastDigitFlip(self)
	first := peerAt(peer, "10.0.0.1")
	rt.Upsert(first)

	again := proto.NodeInfo{ID: peer, Weight: 7}
	again.SetLocal(netip.MustParseAddrPort("192.168.1.5:12300"))
	rt.Upsert(again)

	if rt.Size() != 1 {
		t.Fatalf("expected 1 entry, got %d", rt.Size())
	}
	c, ok := rt.Get(peer)
	if !ok {
		t.Fatalf("peer missing")
	}
	if !c.Has(proto.AddrLocal|proto.AddrExt) || c.Weight != 7 {
		t.Fatalf("merge lost data: %+v", c.NodeInfo)
	}
	if c.Addr() != first.Ext {
		t.Fatalf("expected ext address preferred, got %s", c.Addr())
	}
}

func TestRoutingTable_FullBucketUsesReplacementCache(t *testing.T) {
	self := nodeid.MustParse("0000000000000000000000000000000000000000")
	rt := NewRoutingTable(self, 2)
	rt.SetDiversityLimit(0)

	// all three differ from self first in the same bit of the first byte
	a := peerAt(nodeid.MustParse("8000000000000000000000000000000000000001"), "10.0.0.1")
	b := peerAt(nodeid.MustParse("8000000000000000000000000000000000000002"), "10.0.1.1")
	c := peerAt(nodeid.MustParse("9000000000000000000000000000000000000003"), "10.0.2.1")
	rt.Upsert(a)
	rt.Upsert(b)
	rt.Upsert(c)

	bi := nodeid.Bucket(self, a.ID)
	if got := rt.BucketSize(bi); got != 2 {
		t.Fatalf("expected full bucket of 2, got %d", got)
	}
	if _, ok := rt.Get(c.ID); ok {
		t.Fatalf("newcomer should not displace without a ping")
	}

	// removing a live entry promotes the replacement
	if !rt.Remove(a.ID) {
		t.Fatalf("remove failed")
	}
	if _, ok := rt.Get(c.ID); !ok {
		t.Fatalf("replacement not promoted")
	}
}

func TestRoutingTable_EvictionPingsTail(t *testing.T) {
	self := nodeid.MustParse("0000000000000000000000000000000000000000")
	rt := NewRoutingTable(self, 2)
	rt.SetDiversityLimit(0)

	a := peerAt(nodeid.MustParse("8000000000000000000000000000000000000001"), "10.0.0.1")
	b := peerAt(nodeid.MustParse("8000000000000000000000000000000000000002"), "10.0.1.1")
	c := peerAt(nodeid.MustParse("9000000000000000000000000000000000000003"), "10.0.2.1")
	rt.Upsert(a) // becomes the tail once b arrives
	rt.Upsert(b)

	var pinged nodeid.ID
	rt.UpsertWithEviction(c, func(tail Contact) bool {
		pinged = tail.ID
		return true
	})
	if pinged != a.ID {
		t.Fatalf("expected LRU tail %s pinged, got %s", a.ID, pinged)
	}
	if _, ok := rt.Get(c.ID); ok {
		t.Fatalf("alive tail must not be evicted")
	}

	rt.UpsertWithEviction(c, func(Contact) bool { return false })
	if _, ok := rt.Get(c.ID); !ok {
		t.Fatalf("dead tail should be replaced")
	}
	if _, ok := rt.Get(a.ID); ok {
		t.Fatalf("dead tail still present")
	}
}

func TestRoutingTable_DiversityCap(t *testing.T) {
	self := nodeid.MustParse("0000000000000000000000000000000000000000")
	rt := NewRoutingTable(self, 8)
	rt.SetDiversityLimit(2)

	for i := 1; i <= 4; i++ {
		id := nodeid.MustParse(fmt.Sprintf("8%039d", i))
		rt.Upsert(peerAt(id, "10.1.1.1"))
	}
	if got := rt.Size(); got != 2 {
		t.Fatalf("expected 2 nodes from one /24, got %d", got)
	}
}

func TestRoutingTable_Stale(t *testing.T) {
	self := randID(t)
	rt := NewRoutingTable(self, 8)
	now := time.Unix(1000, 0)
	rt.now = func() time.Time { return now }

	rt.Upsert(peerAt(lastDigitFlip(self), "10.0.0.1"))
	if len(rt.Stale(time.Minute)) != 0 {
		t.Fatalf("fresh entry reported stale")
	}
	now = now.Add(2 * time.Minute)
	if len(rt.Stale(time.Minute)) != 1 {
		t.Fatalf("expected one stale entry")
	}
}
