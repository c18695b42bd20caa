package dht

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"vdht/internal/nodeid"
	"vdht/internal/proto"
)

// DefaultBucketSize is K, the number of live entries per bucket.
const DefaultBucketSize = 8

const replMax = 10

// Contact is a routing-table entry: the node's advertised info plus when we
// last heard from it.
type Contact struct {
	proto.NodeInfo
	LastSeen time.Time
}

// Addr is the address we use to reach the contact.
func (c Contact) Addr() netip.AddrPort {
	a, _ := c.BestAddr()
	return a
}

type bucket struct {
	nodes []Contact // LRU: index 0 = most recently seen; end = least
	repl  []Contact // replacement cache (bounded)
}

type DiversityPolicy struct {
	MaxPerSubnet int
}

type RoutingTable struct {
	self nodeid.ID
	k    int
	now  func() time.Time

	mu      sync.RWMutex
	buckets [nodeid.BitLen]bucket

	diversity DiversityPolicy
}

func NewRoutingTable(self nodeid.ID, k int) *RoutingTable {
	if k <= 0 {
		k = DefaultBucketSize
	}
	return &RoutingTable{self: self, k: k, now: time.Now, diversity: DiversityPolicy{MaxPerSubnet: 2}}
}

// K is the bucket capacity.
func (rt *RoutingTable) K() int { return rt.k }

// Upsert is a "no-network" upsert: it maintains LRU ordering.
// If a bucket is full, it DOES NOT evict; the new node goes to the
// replacement cache instead.
func (rt *RoutingTable) Upsert(ni proto.NodeInfo) {
	rt.upsertLRU(ni, nil)
}

// PingFunc returns true if the node is alive.
type PingFunc func(Contact) bool

// UpsertWithEviction implements Kademlia bucket semantics:
// - If node exists: merge and move-to-front
// - Else if space: insert at front
// - Else ping LRU tail: if dead -> evict tail, insert new; if alive -> keep tail, add new to replacement cache.
func (rt *RoutingTable) UpsertWithEviction(ni proto.NodeInfo, ping PingFunc) {
	rt.upsertLRU(ni, ping)
}

func (rt *RoutingTable) upsertLRU(ni proto.NodeInfo, ping PingFunc) {
	if ni.ID == rt.self || !ni.ID.Valid() {
		return
	}
	if _, ok := ni.BestAddr(); !ok {
		return
	}
	bi := nodeid.Bucket(rt.self, ni.ID)
	now := rt.now()

	rt.mu.Lock()
	b := rt.buckets[bi]

	for i := range b.nodes {
		if b.nodes[i].ID == ni.ID {
			c := b.nodes[i]
			c.Merge(ni)
			c.LastSeen = now

			copy(b.nodes[i:], b.nodes[i+1:])
			b.nodes = b.nodes[:len(b.nodes)-1]
			b.nodes = append([]Contact{c}, b.nodes...)

			rt.buckets[bi] = b
			rt.mu.Unlock()
			return
		}
	}

	c := Contact{NodeInfo: ni, LastSeen: now}

	// Anti-eclipse diversity: cap number of nodes from the same subnet per bucket.
	if limit := rt.diversity.MaxPerSubnet; limit > 0 {
		sk := subnetKey(c.Addr())
		cnt := 0
		for i := range b.nodes {
			if subnetKey(b.nodes[i].Addr()) == sk {
				cnt++
			}
		}
		if cnt >= limit {
			rt.mu.Unlock()
			return
		}
	}

	// Space available => insert at front
	if len(b.nodes) < rt.k {
		b.nodes = append([]Contact{c}, b.nodes...)
		b.repl = dropContact(b.repl, c.ID)
		rt.buckets[bi] = b
		rt.mu.Unlock()
		return
	}

	// Bucket full and nobody to ask: remember the node for later.
	if ping == nil {
		rt.buckets[bi] = addReplacement(b, c)
		rt.mu.Unlock()
		return
	}

	// Ping LRU tail outside lock to avoid blocking the entire table.
	tail := b.nodes[len(b.nodes)-1]
	rt.mu.Unlock()

	alive := ping(tail)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	b = rt.buckets[bi]

	if len(b.nodes) < rt.k {
		b.nodes = append([]Contact{c}, b.nodes...)
		rt.buckets[bi] = b
		return
	}

	// Re-identify tail (could have changed)
	curTail := b.nodes[len(b.nodes)-1]

	if alive && curTail.ID == tail.ID {
		rt.buckets[bi] = addReplacement(b, c)
		return
	}

	// Tail considered dead => evict it (best-effort)
	b.nodes = b.nodes[:len(b.nodes)-1]
	b.nodes = append([]Contact{c}, b.nodes...)
	rt.buckets[bi] = b
}

func addReplacement(b bucket, c Contact) bucket {
	for i := range b.repl {
		if b.repl[i].ID == c.ID {
			b.repl[i] = c
			return b
		}
	}
	b.repl = append([]Contact{c}, b.repl...)
	if len(b.repl) > replMax {
		b.repl = b.repl[:replMax]
	}
	return b
}

func dropContact(cs []Contact, id nodeid.ID) []Contact {
	for i := range cs {
		if cs[i].ID == id {
			return append(cs[:i], cs[i+1:]...)
		}
	}
	return cs
}

// Remove drops id and promotes the freshest replacement into its slot.
func (rt *RoutingTable) Remove(id nodeid.ID) bool {
	bi := nodeid.Bucket(rt.self, id)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.buckets[bi]
	n := len(b.nodes)
	b.nodes = dropContact(b.nodes, id)
	if len(b.nodes) == n {
		return false
	}
	if len(b.repl) > 0 {
		b.nodes = append(b.nodes, b.repl[0])
		b.repl = b.repl[1:]
	}
	rt.buckets[bi] = b
	return true
}

// Get looks up a live entry by id.
func (rt *RoutingTable) Get(id nodeid.ID) (Contact, bool) {
	bi := nodeid.Bucket(rt.self, id)
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, c := range rt.buckets[bi].nodes {
		if c.ID == id {
			return c, true
		}
	}
	return Contact{}, false
}

func (rt *RoutingTable) Closest(target nodeid.ID, n int) []Contact {
	if n <= 0 {
		n = rt.k
	}

	all := rt.All()
	SortByDistance(all, target)

	if len(all) > n {
		all = all[:n]
	}
	return all
}

// All returns every live entry.
func (rt *RoutingTable) All() []Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	all := make([]Contact, 0, rt.size())
	for i := range rt.buckets {
		all = append(all, rt.buckets[i].nodes...)
	}
	return all
}

// Stale returns the least recently seen entry of each non-empty bucket whose
// last contact is older than age.
func (rt *RoutingTable) Stale(age time.Duration) []Contact {
	cutoff := rt.now().Add(-age)
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []Contact
	for i := range rt.buckets {
		nodes := rt.buckets[i].nodes
		if len(nodes) == 0 {
			continue
		}
		if tail := nodes[len(nodes)-1]; tail.LastSeen.Before(cutoff) {
			out = append(out, tail)
		}
	}
	return out
}

// SortByDistance sorts contacts by XOR distance to target.
func SortByDistance(cs []Contact, target nodeid.ID) {
	sort.SliceStable(cs, func(i, j int) bool {
		return nodeid.Distance(cs[i].ID, target).Less(nodeid.Distance(cs[j].ID, target))
	})
}

func subnetKey(ap netip.AddrPort) string {
	ip := ap.Addr()
	if ip.IsLoopback() {
		return "loopback:" + ap.String()
	}
	if ip.Is4() {
		p, _ := ip.Prefix(24)
		return "v4:" + p.String()
	}
	return fmt.Sprintf("ip:%s", ip)
}

func (rt *RoutingTable) size() int {
	n := 0
	for i := range rt.buckets {
		n += len(rt.buckets[i].nodes)
	}
	return n
}

// Size returns total number of nodes in the routing table.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.size()
}

// BucketSize returns number of nodes in a bucket.
func (rt *RoutingTable) BucketSize(bucket int) int {
	if bucket < 0 || bucket >= nodeid.BitLen {
		return 0
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets[bucket].nodes)
}

func (rt *RoutingTable) SetDiversityLimit(maxPerSubnet int) {
	rt.mu.Lock()
	rt.diversity.MaxPerSubnet = maxPerSubnet
	rt.mu.Unlock()
}
