package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/dep2p/go-magicnet"
	"github.com/dep2p/go-magicnet/pkg/types"
)

func newPingCmd(l *loader) *cobra.Command {
	var (
		addrs    []string
		count    int
		interval time.Duration
		timeout  time.Duration
		useQUIC  bool
	)
	cmd := &cobra.Command{
		Use:   "ping <peer-id>[@<relay-url>]",
		Short: "向对端发送 ping，显示时延与所走路径",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := parsePeerArg(args[0])
			if err != nil {
				return err
			}
			if ps.addrs, err = parseAddrs(addrs); err != nil {
				return err
			}

			ctx := cmd.Context()
			n, err := startNode(ctx, l)
			if err != nil {
				return err
			}
			defer func() { _ = n.Close() }()
			if err := addPeer(n, ps); err != nil {
				return err
			}
			if err := watchPaths(ctx, n); err != nil {
				return err
			}

			p := &pinger{node: n, peer: ps.peer, out: cmd.OutOrStdout()}
			if useQUIC {
				return p.runQUIC(ctx, count, interval, timeout)
			}
			return p.runDatagram(ctx, count, interval, timeout)
		},
	}
	cmd.Flags().StringArrayVar(&addrs, "addr", nil, "对端候选直连地址 ip:port，可重复")
	cmd.Flags().IntVarP(&count, "count", "c", 10, "发送次数")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "发送间隔")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "单次等待超时")
	cmd.Flags().BoolVar(&useQUIC, "quic", false, "通过 QUIC 流 ping（对端需运行 magicnet run）")
	return cmd
}

// pinger 对单个对端的 ping 会话
type pinger struct {
	node *magicnet.Node
	peer types.PeerID
	out  io.Writer
}

func (p *pinger) path() string {
	snap, ok := p.node.PeerState(p.peer)
	if !ok {
		return types.StateUnknown.String()
	}
	return snap.Path.String()
}

func (p *pinger) runDatagram(ctx context.Context, count int, interval, timeout time.Duration) error {
	pongs := make(chan int, 16)
	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for from, data := range p.node.Conn().Packets(recvCtx) {
			if from != p.peer || !bytes.HasPrefix(data, pongPrefix) {
				continue
			}
			seq, err := strconv.Atoi(string(data[len(pongPrefix):]))
			if err != nil {
				continue
			}
			select {
			case pongs <- seq:
			default:
			}
		}
	}()

	received := 0
	for seq := 1; seq <= count; seq++ {
		start := time.Now()
		msg := append(bytes.Clone(pingPrefix), strconv.Itoa(seq)...)
		if err := p.node.Conn().SendTo(p.peer, msg); err != nil {
			return oops.In("ping").With("seq", seq).Wrapf(err, "send")
		}
		if p.await(ctx, pongs, seq, timeout) {
			received++
			fmt.Fprintf(p.out, "pong from %s seq=%d time=%v via %s\n",
				p.peer.ShortString(), seq, time.Since(start).Round(time.Microsecond), p.path())
		} else {
			fmt.Fprintf(p.out, "timeout seq=%d\n", seq)
		}
		if seq < count && !sleep(ctx, interval) {
			break
		}
	}
	fmt.Fprintf(p.out, "%d/%d 收到回复\n", received, count)
	if received == 0 {
		return oops.In("ping").With("peer", p.peer.String()).Wrap(types.ErrProbeTimeout)
	}
	return nil
}

// await 等待指定序号的 pong，过期的回复直接丢弃
func (p *pinger) await(ctx context.Context, pongs <-chan int, seq int, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case got := <-pongs:
			if got == seq {
				return true
			}
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (p *pinger) runQUIC(ctx context.Context, count int, interval, timeout time.Duration) error {
	t := p.node.QUIC()
	if t == nil {
		return oops.In("ping").Wrap(magicnet.ErrQUICDisabled)
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := t.Dial(dctx, p.peer)
	cancel()
	if err != nil {
		return oops.In("ping").With("peer", p.peer.String()).Wrapf(err, "quic dial")
	}
	defer conn.Close()

	sctx, cancel := context.WithTimeout(ctx, timeout)
	s, err := conn.OpenStream(sctx)
	cancel()
	if err != nil {
		return oops.In("ping").Wrapf(err, "open stream")
	}
	defer s.Close()

	buf := make([]byte, 8)
	for seq := 1; seq <= count; seq++ {
		start := time.Now()
		_ = s.SetDeadline(start.Add(timeout))
		msg := []byte(fmt.Sprintf("%08d", seq))
		if _, err := s.Write(msg); err != nil {
			return oops.In("ping").With("seq", seq).Wrapf(err, "write")
		}
		if _, err := io.ReadFull(s, buf); err != nil {
			return oops.In("ping").With("seq", seq).Wrapf(err, "read")
		}
		fmt.Fprintf(p.out, "quic pong from %s seq=%d time=%v via %s\n",
			p.peer.ShortString(), seq, time.Since(start).Round(time.Microsecond), p.path())
		if seq < count && !sleep(ctx, interval) {
			break
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
