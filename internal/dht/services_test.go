package dht

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"vdht/internal/nodeid"
	"vdht/internal/proto"
)

func svcAt(name string, addrs ...string) proto.ServiceInfo {
	s := proto.ServiceInfo{Hash: nodeid.HashOf([]byte(name))}
	for _, a := range addrs {
		s.Addrs = append(s.Addrs, netip.MustParseAddrPort(a))
	}
	return s
}

func TestServices_RemoteExpiry(t *testing.T) {
	clk := clock.NewMock()
	s := NewServices(clk, time.Minute, 0)

	svc := svcAt("relay", "10.0.0.1:1000")
	s.Post(svc)
	if _, ok := s.Lookup(svc.Hash); !ok {
		t.Fatalf("posted service not found")
	}

	clk.Add(30 * time.Second)
	s.Post(svcAt("relay", "10.0.0.2:1000")) // refresh
	clk.Add(45 * time.Second)

	got, ok := s.Lookup(svc.Hash)
	if !ok {
		t.Fatalf("refresh did not extend expiry")
	}
	if len(got.Addrs) != 2 {
		t.Fatalf("expected merged addrs, got %v", got.Addrs)
	}

	clk.Add(time.Minute)
	if _, ok := s.Lookup(svc.Hash); ok {
		t.Fatalf("expired service still visible")
	}
	if len(s.Remote()) != 0 {
		t.Fatalf("expired service in snapshot")
	}
	if n := s.SweepExpired(); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if s.RemoteLen() != 0 {
		t.Fatalf("sweep left %d records", s.RemoteLen())
	}
}

func TestServices_AddrCap(t *testing.T) {
	s := NewServices(clock.NewMock(), 0, 0)
	hash := nodeid.HashOf([]byte("busy"))
	for i := 0; i < proto.MaxServiceAddrs+3; i++ {
		s.AddPeer(hash, netip.MustParseAddrPort(fmt.Sprintf("10.0.0.%d:1000", i+1)))
	}
	if got := s.Peers(hash); len(got) != proto.MaxServiceAddrs {
		t.Fatalf("expected %d peers, got %d", proto.MaxServiceAddrs, len(got))
	}
}

func TestServices_RemoveAddrPrunesRecord(t *testing.T) {
	s := NewServices(clock.NewMock(), 0, 0)
	svc := svcAt("ddns", "10.0.0.1:1000", "10.0.0.2:1000")
	s.Post(svc)

	s.RemoveAddr(svc.Hash, svc.Addrs[0])
	if got := s.Peers(svc.Hash); len(got) != 1 || got[0] != svc.Addrs[1] {
		t.Fatalf("unexpected peers %v", got)
	}
	s.RemoveAddr(svc.Hash, svc.Addrs[1])
	if _, ok := s.Lookup(svc.Hash); ok {
		t.Fatalf("record without addresses should be gone")
	}
}

func TestServices_LocalSlots(t *testing.T) {
	clk := clock.NewMock()
	s := NewServices(clk, 0, 2)

	a, b, c := svcAt("a", "10.0.0.1:1"), svcAt("b", "10.0.0.2:1"), svcAt("c", "10.0.0.3:1")
	for _, svc := range []proto.ServiceInfo{a, b, c} {
		if err := s.AddLocal(ServiceStun, svc); err != nil {
			t.Fatalf("AddLocal: %v", err)
		}
		clk.Add(time.Second)
	}

	local := s.Local()
	if len(local) != 2 {
		t.Fatalf("expected 2 slots used, got %d", len(local))
	}
	for _, svc := range local {
		if svc.Hash == a.Hash {
			t.Fatalf("oldest service should have been replaced")
		}
	}

	got, ok := s.GetLocal(ServiceStun)
	if !ok || got.Hash != c.Hash {
		t.Fatalf("expected freshest service c, got %+v", got)
	}

	// refreshing b makes it the freshest
	if err := s.AddLocal(ServiceStun, b); err != nil {
		t.Fatalf("AddLocal: %v", err)
	}
	if got, _ := s.GetLocal(ServiceStun); got.Hash != b.Hash {
		t.Fatalf("refresh did not move b ahead")
	}

	if !s.RemoveLocal(ServiceStun, b.Hash) {
		t.Fatalf("RemoveLocal failed")
	}
	if s.RemoveLocal(ServiceStun, b.Hash) {
		t.Fatalf("double RemoveLocal succeeded")
	}
	if _, ok := s.GetLocal(ServiceVPN); ok {
		t.Fatalf("empty kind returned a service")
	}
}

func TestServices_Kinds(t *testing.T) {
	k, err := ParseServiceKind("mroute")
	if err != nil || k != ServiceMRoute {
		t.Fatalf("ParseServiceKind: %v %v", k, err)
	}
	if _, err := ParseServiceKind("ftp"); !errors.Is(err, ErrServiceKind) {
		t.Fatalf("expected ErrServiceKind, got %v", err)
	}
	s := NewServices(nil, 0, 0)
	if err := s.AddLocal(ServiceKind(99), svcAt("x")); !errors.Is(err, ErrServiceKind) {
		t.Fatalf("expected ErrServiceKind, got %v", err)
	}
}
