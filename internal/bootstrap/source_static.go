package bootstrap

import (
	"context"
	"fmt"
	"net/netip"
)

// StaticSource yields a fixed list, typically the configured boot nodes.
type StaticSource struct {
	Addrs []netip.AddrPort
	Label string
}

func (s StaticSource) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return "static"
}

func (s StaticSource) Discover(ctx context.Context) ([]netip.AddrPort, error) {
	return append([]netip.AddrPort(nil), s.Addrs...), nil
}

// ParseStatic builds a StaticSource from "a.b.c.d:port" strings.
func ParseStatic(label string, addrs []string) (StaticSource, error) {
	s := StaticSource{Label: label}
	for _, a := range addrs {
		ap, err := netip.ParseAddrPort(a)
		if err != nil || !ap.Addr().Is4() {
			return StaticSource{}, fmt.Errorf("bootstrap: bad boot node %q", a)
		}
		s.Addrs = append(s.Addrs, ap)
	}
	return s, nil
}
