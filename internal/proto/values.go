package proto

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"vdht/internal/bencode"
	"vdht/internal/nodeid"
)

// MaxServiceAddrs caps the addresses advertised for one service.
const MaxServiceAddrs = 8

var (
	ErrAddr        = errors.New("proto: malformed address")
	ErrServiceFull = errors.New("proto: service address set is full")
)

func TokenNode(t nodeid.Token) *bencode.Node { return bencode.Text(t.String()) }
func IDNode(id nodeid.ID) *bencode.Node      { return bencode.Text(id.String()) }

func VersionNode(v nodeid.Version) *bencode.Node { return bencode.Text(v.String()) }

// AddrNode renders an address in its "ip:port" form.
func AddrNode(a netip.AddrPort) *bencode.Node { return bencode.Text(a.String()) }

func AsToken(n *bencode.Node) (nodeid.Token, error) {
	s, err := bencode.AsText(n)
	if err != nil {
		return nodeid.Token{}, err
	}
	return nodeid.ParseToken(s)
}

func AsID(n *bencode.Node) (nodeid.ID, error) {
	s, err := bencode.AsText(n)
	if err != nil {
		return nodeid.ID{}, err
	}
	return nodeid.Parse(s)
}

func AsVersion(n *bencode.Node) (nodeid.Version, error) {
	s, err := bencode.AsText(n)
	if err != nil {
		return nodeid.Version{}, err
	}
	return nodeid.ParseVersion(s)
}

// AsAddr accepts only "<dotted-ipv4>:<port>".
func AsAddr(n *bencode.Node) (netip.AddrPort, error) {
	s, err := bencode.AsText(n)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil || !ap.Addr().Is4() {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrAddr, s)
	}
	return ap, nil
}

// AddrFlags records which of a node's addresses are populated.
type AddrFlags uint8

const (
	AddrLocal AddrFlags = 1 << iota // private interface address
	AddrUPnP                        // port mapped on the gateway
	AddrExt                         // reflexive address seen by peers
)

// NodeInfo describes a DHT node and the addresses it can be reached on.
type NodeInfo struct {
	ID     nodeid.ID
	Ver    nodeid.Version
	Weight int
	Flags  AddrFlags

	Local netip.AddrPort
	UPnP  netip.AddrPort
	Ext   netip.AddrPort
}

func (ni *NodeInfo) SetLocal(a netip.AddrPort) { ni.Local = a; ni.Flags |= AddrLocal }
func (ni *NodeInfo) SetUPnP(a netip.AddrPort)  { ni.UPnP = a; ni.Flags |= AddrUPnP }
func (ni *NodeInfo) SetExt(a netip.AddrPort)   { ni.Ext = a; ni.Flags |= AddrExt }

func (ni NodeInfo) Has(f AddrFlags) bool { return ni.Flags&f == f }

// BestAddr prefers the reflexive address, then the mapped one, then the local one.
func (ni NodeInfo) BestAddr() (netip.AddrPort, bool) {
	switch {
	case ni.Has(AddrExt):
		return ni.Ext, true
	case ni.Has(AddrUPnP):
		return ni.UPnP, true
	case ni.Has(AddrLocal):
		return ni.Local, true
	}
	return netip.AddrPort{}, false
}

// Merge copies the addresses present in o over ni.
func (ni *NodeInfo) Merge(o NodeInfo) {
	ni.Ver = o.Ver
	ni.Weight = o.Weight
	if o.Has(AddrLocal) {
		ni.SetLocal(o.Local)
	}
	if o.Has(AddrUPnP) {
		ni.SetUPnP(o.UPnP)
	}
	if o.Has(AddrExt) {
		ni.SetExt(o.Ext)
	}
}

func nodeInfoNode(ni NodeInfo) *bencode.Node {
	d := bencode.NewDict().
		Set("id", IDNode(ni.ID)).
		Set("v", VersionNode(ni.Ver))
	if ni.Has(AddrLocal) {
		d.Set("ml", AddrNode(ni.Local))
	}
	if ni.Has(AddrUPnP) {
		d.Set("mu", AddrNode(ni.UPnP))
	}
	if ni.Has(AddrExt) {
		d.Set("me", AddrNode(ni.Ext))
	}
	return d.Set("w", bencode.Int(int64(ni.Weight)))
}

func parseNodeInfo(n *bencode.Node) (NodeInfo, error) {
	var ni NodeInfo
	if n.Kind() != bencode.KindDict {
		return ni, fmt.Errorf("node info: %w", bencode.ErrKind)
	}

	v, err := field(n, "id")
	if err != nil {
		return ni, err
	}
	if ni.ID, err = AsID(v); err != nil {
		return ni, fmt.Errorf("node info id: %w", err)
	}

	if v, err = field(n, "v"); err != nil {
		return ni, err
	}
	if ni.Ver, err = AsVersion(v); err != nil {
		return ni, fmt.Errorf("node info version: %w", err)
	}

	if v, err = field(n, "w"); err != nil {
		return ni, err
	}
	w, err := bencode.AsInt(v)
	if err != nil {
		return ni, fmt.Errorf("node info weight: %w", err)
	}
	ni.Weight = int(w)

	for _, opt := range []struct {
		key string
		set func(netip.AddrPort)
	}{
		{"ml", ni.SetLocal},
		{"mu", ni.SetUPnP},
		{"me", ni.SetExt},
	} {
		an, ok := bencode.Get(n, opt.key)
		if !ok {
			continue
		}
		a, err := AsAddr(an)
		if err != nil {
			return ni, fmt.Errorf("node info %s: %w", opt.key, err)
		}
		opt.set(a)
	}
	return ni, nil
}

// ServiceInfo is one advertised service: its content hash, the addresses
// it is reachable on and a nice score.
type ServiceInfo struct {
	Hash  nodeid.Token
	Addrs []netip.AddrPort
	Nice  int
}

// AddAddr inserts a, ignoring duplicates. It fails once the set holds
// MaxServiceAddrs addresses.
func (s *ServiceInfo) AddAddr(a netip.AddrPort) error {
	if slices.Contains(s.Addrs, a) {
		return nil
	}
	if len(s.Addrs) >= MaxServiceAddrs {
		return ErrServiceFull
	}
	s.Addrs = append(s.Addrs, a)
	return nil
}

// RemoveAddr drops a and reports whether the set is now empty.
func (s *ServiceInfo) RemoveAddr(a netip.AddrPort) bool {
	if i := slices.Index(s.Addrs, a); i >= 0 {
		s.Addrs = slices.Delete(s.Addrs, i, i+1)
	}
	return len(s.Addrs) == 0
}

func (s ServiceInfo) Clone() ServiceInfo {
	s.Addrs = slices.Clone(s.Addrs)
	return s
}

func serviceNode(s ServiceInfo) *bencode.Node {
	addrs := bencode.NewList()
	for _, a := range s.Addrs {
		addrs.Append(AddrNode(a))
	}
	return bencode.NewDict().
		Set("id", TokenNode(s.Hash)).
		Set("m", addrs).
		Set("n", bencode.Int(int64(s.Nice)))
}

func parseServiceInfo(n *bencode.Node) (ServiceInfo, error) {
	var s ServiceInfo
	if n.Kind() != bencode.KindDict {
		return s, fmt.Errorf("service: %w", bencode.ErrKind)
	}

	v, err := field(n, "id")
	if err != nil {
		return s, err
	}
	if s.Hash, err = AsToken(v); err != nil {
		return s, fmt.Errorf("service id: %w", err)
	}

	if v, err = field(n, "n"); err != nil {
		return s, err
	}
	nice, err := bencode.AsInt(v)
	if err != nil {
		return s, fmt.Errorf("service nice: %w", err)
	}
	s.Nice = int(nice)

	if v, err = field(n, "m"); err != nil {
		return s, err
	}
	addrs, err := parseAddrList(v)
	if err != nil {
		return s, fmt.Errorf("service addrs: %w", err)
	}
	for _, a := range addrs {
		if err := s.AddAddr(a); err != nil {
			return s, err
		}
	}
	return s, nil
}

func addrListNode(addrs []netip.AddrPort) *bencode.Node {
	l := bencode.NewList()
	for _, a := range addrs {
		l.Append(AddrNode(a))
	}
	return l
}

func parseAddrList(n *bencode.Node) ([]netip.AddrPort, error) {
	if n.Kind() != bencode.KindList {
		return nil, bencode.ErrKind
	}
	out := make([]netip.AddrPort, 0, n.Len())
	for _, it := range n.Items() {
		a, err := AsAddr(it)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// EncodeNodeInfo and DecodeNodeInfo give storage layers the wire form of a
// single NodeInfo.
func EncodeNodeInfo(ni NodeInfo) []byte { return bencode.Encode(nodeInfoNode(ni)) }

func DecodeNodeInfo(b []byte) (NodeInfo, error) {
	n, err := bencode.Decode(b)
	if err != nil {
		return NodeInfo{}, err
	}
	return parseNodeInfo(n)
}

func EncodeServiceInfo(s ServiceInfo) []byte { return bencode.Encode(serviceNode(s)) }

func DecodeServiceInfo(b []byte) (ServiceInfo, error) {
	n, err := bencode.Decode(b)
	if err != nil {
		return ServiceInfo{}, err
	}
	return parseServiceInfo(n)
}
