package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/dep2p/go-magicnet"
	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/pkg/types"
)

var errPeerArg = errors.New("peer must be <peer-id>[@<relay-url>]")

// startNode 按合并后的配置创建并启动节点
func startNode(ctx context.Context, l *loader, mutate ...func(*config.Config)) (*magicnet.Node, error) {
	cfg, err := l.Load()
	if err != nil {
		return nil, err
	}
	for _, fn := range mutate {
		fn(cfg)
	}
	n, err := magicnet.New(magicnet.WithConfig(cfg))
	if err != nil {
		return nil, oops.In("node").Wrapf(err, "create node")
	}
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := n.Start(startCtx); err != nil {
		_ = n.Close()
		return nil, oops.In("node").Wrapf(err, "start node")
	}
	return n, nil
}

// peerArg 命令行中的对端描述
type peerArg struct {
	peer  types.PeerID
	relay types.RelayURL
	addrs []netip.AddrPort
}

// parsePeerArg 解析 "<peer-id>[@<relay-url>]"
func parsePeerArg(s string) (peerArg, error) {
	id, relay, _ := strings.Cut(s, "@")
	peer, err := types.ParsePeerID(id)
	if err != nil {
		return peerArg{}, oops.In("cli").With("peer", s).Wrapf(errors.Join(errPeerArg, err), "parse peer")
	}
	return peerArg{peer: peer, relay: types.RelayURL(relay)}, nil
}

func parseAddrs(raw []string) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(raw))
	for _, a := range raw {
		ap, err := netip.ParseAddrPort(a)
		if err != nil {
			return nil, oops.In("cli").With("addr", a).Wrapf(err, "parse address")
		}
		out = append(out, ap)
	}
	return out, nil
}

// addPeer 把对端告知节点；未指定中继时使用本节点的首选中继
func addPeer(n *magicnet.Node, ps peerArg) error {
	relay := ps.relay
	if relay.IsEmpty() {
		relay = n.HomeRelay()
	}
	if err := n.AddPeer(ps.peer, relay, ps.addrs...); err != nil {
		return oops.In("cli").With("peer", ps.peer.String()).Wrapf(err, "add peer")
	}
	return nil
}

func printNodeInfo(n *magicnet.Node) {
	fmt.Printf("节点 ID:    %s\n", n.PeerID())
	fmt.Printf("逻辑地址:   %s\n", n.Conn().LocalAddr())
	fmt.Printf("本地绑定:   %s\n", n.Conn().BoundAddr())
	if home := n.HomeRelay(); !home.IsEmpty() {
		fmt.Printf("首选中继:   %s\n", home)
	}
	for _, ep := range n.Endpoints() {
		fmt.Printf("本地端点:   %s (%s)\n", ep.Addr, ep.Source)
	}
}
