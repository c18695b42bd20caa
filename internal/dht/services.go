package dht

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"vdht/internal/nodeid"
	"vdht/internal/proto"
)

// ServiceKind is the plugin class a local service belongs to.
type ServiceKind uint8

const (
	ServiceRelay ServiceKind = iota
	ServiceStun
	ServiceVPN
	ServiceDDNS
	ServiceMRoute
	ServiceDHash
	ServiceApp

	serviceKinds
)

var serviceKindNames = [serviceKinds]string{"relay", "stun", "vpn", "ddns", "mroute", "dhash", "app"}

func (k ServiceKind) String() string {
	if k >= serviceKinds {
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
	return serviceKindNames[k]
}

// ParseServiceKind resolves a kind by name.
func ParseServiceKind(s string) (ServiceKind, error) {
	for i, n := range serviceKindNames {
		if n == s {
			return ServiceKind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrServiceKind, s)
}

const (
	DefaultServiceTTL = 30 * time.Minute
	defaultLocalSlots = 4
)

var (
	ErrServiceKind     = errors.New("dht: unknown service kind")
	ErrServiceNotFound = errors.New("dht: service not found")
)

type remoteService struct {
	info    proto.ServiceInfo
	expires time.Time
}

type localService struct {
	info    proto.ServiceInfo
	updated time.Time
}

// Services holds two directories: services other nodes announced to us,
// keyed by content hash, and the services this node provides, grouped by
// kind with a fixed number of slots per kind.
type Services struct {
	clock clock.Clock
	ttl   time.Duration
	slots int

	mu     sync.Mutex
	remote map[nodeid.Token]*remoteService
	local  [serviceKinds][]localService
}

func NewServices(clk clock.Clock, ttl time.Duration, slots int) *Services {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultServiceTTL
	}
	if slots <= 0 {
		slots = defaultLocalSlots
	}
	return &Services{
		clock:  clk,
		ttl:    ttl,
		slots:  slots,
		remote: make(map[nodeid.Token]*remoteService),
	}
}

// Post merges an announced service into the remote directory and pushes its
// expiry out by one TTL. Addresses beyond the per-service cap are dropped.
func (s *Services) Post(info proto.ServiceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.remote[info.Hash]
	if !ok {
		rs = &remoteService{info: proto.ServiceInfo{Hash: info.Hash}}
		s.remote[info.Hash] = rs
	}
	rs.info.Nice = info.Nice
	for _, a := range info.Addrs {
		if rs.info.AddAddr(a) != nil {
			break
		}
	}
	rs.expires = s.clock.Now().Add(s.ttl)
}

// AddPeer records addr as a holder of hash.
func (s *Services) AddPeer(hash nodeid.Token, addr netip.AddrPort) {
	s.Post(proto.ServiceInfo{Hash: hash, Addrs: []netip.AddrPort{addr}})
}

// Lookup returns a copy of the remote record for hash.
func (s *Services) Lookup(hash nodeid.Token) (proto.ServiceInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.remote[hash]
	if !ok || !s.clock.Now().Before(rs.expires) {
		return proto.ServiceInfo{}, false
	}
	return rs.info.Clone(), true
}

// Peers lists the addresses recorded for hash.
func (s *Services) Peers(hash nodeid.Token) []netip.AddrPort {
	info, ok := s.Lookup(hash)
	if !ok {
		return nil
	}
	return info.Addrs
}

// RemoveAddr drops one address from a remote record; the record goes away
// with its last address.
func (s *Services) RemoveAddr(hash nodeid.Token, addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.remote[hash]
	if !ok {
		return
	}
	if rs.info.RemoveAddr(addr) {
		delete(s.remote, hash)
	}
}

// SweepExpired drops remote records past their expiry and returns how many.
func (s *Services) SweepExpired() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for h, rs := range s.remote {
		if !now.Before(rs.expires) {
			delete(s.remote, h)
			n++
		}
	}
	return n
}

// Remote snapshots the live remote directory, ordered by hash.
func (s *Services) Remote() []proto.ServiceInfo {
	now := s.clock.Now()
	s.mu.Lock()
	out := make([]proto.ServiceInfo, 0, len(s.remote))
	for _, rs := range s.remote {
		if now.Before(rs.expires) {
			out = append(out, rs.info.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Hash.String() < out[j].Hash.String() })
	return out
}

func (s *Services) RemoteLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.remote)
}

// AddLocal registers a service this node provides. Re-adding a known hash
// refreshes it; a new hash takes a free slot or replaces the stalest one.
func (s *Services) AddLocal(kind ServiceKind, info proto.ServiceInfo) error {
	if kind >= serviceKinds {
		return fmt.Errorf("%w: %d", ErrServiceKind, kind)
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := s.local[kind]
	for i := range slots {
		if slots[i].info.Hash == info.Hash {
			slots[i] = localService{info: info.Clone(), updated: now}
			return nil
		}
	}
	if len(slots) < s.slots {
		s.local[kind] = append(slots, localService{info: info.Clone(), updated: now})
		return nil
	}
	oldest := 0
	for i := range slots {
		if slots[i].updated.Before(slots[oldest].updated) {
			oldest = i
		}
	}
	slots[oldest] = localService{info: info.Clone(), updated: now}
	return nil
}

// GetLocal returns the most recently refreshed service of kind.
func (s *Services) GetLocal(kind ServiceKind) (proto.ServiceInfo, bool) {
	if kind >= serviceKinds {
		return proto.ServiceInfo{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slots := s.local[kind]
	if len(slots) == 0 {
		return proto.ServiceInfo{}, false
	}
	best := 0
	for i := range slots {
		if slots[i].updated.After(slots[best].updated) {
			best = i
		}
	}
	return slots[best].info.Clone(), true
}

// RemoveLocal drops the local service with hash from kind.
func (s *Services) RemoveLocal(kind ServiceKind, hash nodeid.Token) bool {
	if kind >= serviceKinds {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slots := s.local[kind]
	for i := range slots {
		if slots[i].info.Hash == hash {
			s.local[kind] = append(slots[:i], slots[i+1:]...)
			return true
		}
	}
	return false
}

// Local returns every local service across kinds.
func (s *Services) Local() []proto.ServiceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []proto.ServiceInfo
	for k := range s.local {
		for _, ls := range s.local[k] {
			out = append(out, ls.info.Clone())
		}
	}
	return out
}
