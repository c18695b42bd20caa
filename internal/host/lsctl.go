//go:build linux

package host

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"vdht/internal/dht"
	"vdht/internal/msger"
	"vdht/internal/netx"
	"vdht/internal/nodeid"
	"vdht/internal/proto"
)

var ErrLsctlUsage = errors.New("lsctl: bad command")

// onLsctl serves the local control socket. Each datagram is one text
// command; the reply goes back to the sender's socket path. Commands that
// need the network finish in the background and reply when done.
//
//	status
//	host_up | host_down | host_dump | cfg_dump
//	join_node <ip:port>
//	post_service <kind> <name> <ip:port>...
//	find_service <name>
func (h *Host) onLsctl(_ any, um msger.UserMsg) error {
	args := strings.Fields(string(um.Data))
	if len(args) == 0 {
		return h.lsctlReply(um.Addr, fmt.Errorf("%w: empty", ErrLsctlUsage))
	}
	h.log.Debug("lsctl", zap.Strings("args", args), zap.Stringer("from", um.Addr))

	switch cmd, rest := args[0], args[1:]; cmd {
	case "status":
		return h.lsctlReply(um.Addr, h.status())

	case "host_up":
		return h.lsctlReply(um.Addr, h.dht.Start())

	case "host_down":
		return h.lsctlReply(um.Addr, h.dht.Stop())

	case "host_dump":
		h.Dump(nil)
		return h.lsctlReply(um.Addr, nil)

	case "cfg_dump":
		var sb strings.Builder
		for _, k := range h.cfg.Keys() {
			v, _ := h.cfg.GetStr(k)
			fmt.Fprintf(&sb, "%s=%s\n", k, v)
		}
		return h.lsctlReply(um.Addr, strings.TrimSuffix(sb.String(), "\n"))

	case "join_node":
		if len(rest) != 1 {
			return h.lsctlReply(um.Addr, fmt.Errorf("%w: join_node <ip:port>", ErrLsctlUsage))
		}
		addr, err := parseAddr4(rest[0])
		if err != nil {
			return h.lsctlReply(um.Addr, err)
		}
		h.background(um.Addr, func(ctx context.Context) any {
			return h.dht.Join(ctx, addr)
		})
		return nil

	case "post_service":
		if len(rest) < 3 {
			return h.lsctlReply(um.Addr, fmt.Errorf("%w: post_service <kind> <name> <ip:port>...", ErrLsctlUsage))
		}
		kind, err := dht.ParseServiceKind(rest[0])
		if err != nil {
			return h.lsctlReply(um.Addr, err)
		}
		svc := proto.ServiceInfo{Hash: nodeid.HashOf([]byte(rest[1]))}
		for _, s := range rest[2:] {
			a, err := parseAddr4(s)
			if err != nil {
				return h.lsctlReply(um.Addr, err)
			}
			if err := svc.AddAddr(a); err != nil {
				return h.lsctlReply(um.Addr, err)
			}
		}
		h.background(um.Addr, func(ctx context.Context) any {
			if err := h.dht.Publish(ctx, kind, svc); err != nil {
				return err
			}
			return svc.Hash.String()
		})
		return nil

	case "find_service":
		if len(rest) != 1 {
			return h.lsctlReply(um.Addr, fmt.Errorf("%w: find_service <name>", ErrLsctlUsage))
		}
		hash := nodeid.HashOf([]byte(rest[0]))
		h.background(um.Addr, func(ctx context.Context) any {
			svc, err := h.dht.FindService(ctx, hash)
			if err != nil {
				return err
			}
			return formatService(svc)
		})
		return nil

	default:
		return h.lsctlReply(um.Addr, fmt.Errorf("%w: %q", ErrLsctlUsage, cmd))
	}
}

func parseAddr4(s string) (netip.AddrPort, error) {
	a, err := netip.ParseAddrPort(s)
	if err != nil || !a.Addr().Is4() {
		return netip.AddrPort{}, fmt.Errorf("%w: address %q", ErrLsctlUsage, s)
	}
	return a, nil
}

func (h *Host) status() string {
	self := h.dht.Self()
	ext := "-"
	if self.Has(proto.AddrExt) {
		ext = self.Ext.String()
	}
	return fmt.Sprintf("state=%s id=%s addr=%s ext=%s routes=%d services=%d pending=%d",
		h.dht.State(), self.ID, h.udp.Addr(), ext,
		h.dht.Routing().Size(), h.dht.Services().RemoteLen(), h.dht.Pending())
}

func formatService(svc proto.ServiceInfo) string {
	addrs := make([]string, 0, len(svc.Addrs))
	for _, a := range svc.Addrs {
		addrs = append(addrs, a.String())
	}
	return fmt.Sprintf("%s nice=%d %s", svc.Hash, svc.Nice, strings.Join(addrs, ","))
}

// background runs fn off the waiter goroutine, bounded by the node's run
// context, and replies with its result.
func (h *Host) background(to netx.Addr, fn func(ctx context.Context) any) {
	ctx, cancel := context.WithTimeout(h.runContext(), 4*h.cfg.RPCTimeout())
	go func() {
		defer cancel()
		if err := h.lsctlReply(to, fn(ctx)); err != nil {
			h.log.Debug("lsctl reply", zap.Stringer("to", to), zap.Error(err))
		}
	}()
}

// lsctlReply answers "ok[ <text>]" or "error: <err>".
func (h *Host) lsctlReply(to netx.Addr, res any) error {
	var body string
	switch v := res.(type) {
	case nil:
		body = "ok"
	case error:
		body = "error: " + v.Error()
	case string:
		body = "ok " + v
	default:
		body = fmt.Sprintf("ok %v", v)
	}
	return h.ctlDisp.Push(msger.UserMsg{Addr: to, Type: msger.MsgLsctl, Data: []byte(body)})
}
