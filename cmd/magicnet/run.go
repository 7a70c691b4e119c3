package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dep2p/go-magicnet"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	"github.com/dep2p/go-magicnet/internal/core/transport/quic"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// 回显协议：收到 "ping <payload>" 回复 "pong <payload>"
var (
	pingPrefix = []byte("ping ")
	pongPrefix = []byte("pong ")
)

func newRunCmd(l *loader) *cobra.Command {
	var peers []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "运行节点，回显 ping 数据报与 QUIC 流",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := startNode(ctx, l)
			if err != nil {
				return err
			}
			defer func() { _ = n.Close() }()

			for _, raw := range peers {
				ps, err := parsePeerArg(raw)
				if err != nil {
					return err
				}
				if err := addPeer(n, ps); err != nil {
					return err
				}
			}

			fmt.Printf("📦 %s\n", magicnet.VersionInfo())
			printNodeInfo(n)
			fmt.Println("节点已启动，按 Ctrl+C 退出")

			if err := watchPaths(ctx, n); err != nil {
				return err
			}
			if t := n.QUIC(); t != nil {
				go serveQUIC(ctx, t)
			}
			echo(ctx, n)
			fmt.Println("\n正在关闭节点...")
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&peers, "peer", nil, "已知对端 <peer-id>[@<relay-url>]，可重复")
	return cmd
}

// echo 回显 ping 数据报直到 ctx 取消
func echo(ctx context.Context, n *magicnet.Node) {
	for from, data := range n.Conn().Packets(ctx) {
		if !bytes.HasPrefix(data, pingPrefix) {
			log.Debug("收到数据报", "from", from.ShortString(), "len", len(data))
			continue
		}
		reply := append(bytes.Clone(pongPrefix), data[len(pingPrefix):]...)
		if err := n.Conn().SendTo(from, reply); err != nil {
			log.Warn("回复 ping 失败", "peer", from.ShortString(), "err", err)
		}
	}
}

// watchPaths 打印路径变化
func watchPaths(ctx context.Context, n *magicnet.Node) error {
	sub, err := n.Subscribe(new(types.EvtPathChanged), eventbus.BufSize(32))
	if err != nil {
		return err
	}
	go func() {
		defer sub.Close()
		eventbus.Each(ctx, sub, func(ev types.EvtPathChanged) {
			fmt.Printf("路径变化: %s %s -> %s (%s) via %s\n",
				ev.Peer.ShortString(), ev.From, ev.To, ev.Reason, ev.Path)
		})
	}()
	return nil
}

// serveQUIC 接受 QUIC 连接并回显每个流
func serveQUIC(ctx context.Context, t *quic.Transport) {
	ln, err := t.Listen()
	if err != nil {
		log.Warn("QUIC 监听失败", "err", err)
		return
	}
	defer ln.Close()
	for {
		c, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		log.Info("接受 QUIC 连接", "peer", c.RemotePeer().ShortString())
		go func() {
			defer c.Close()
			for {
				s, err := c.AcceptStream(ctx)
				if err != nil {
					return
				}
				go func() {
					defer s.Close()
					_, _ = io.Copy(s, s)
				}()
			}
		}()
	}
}
