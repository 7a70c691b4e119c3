package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/discovery/dnsfeed"
)

// contextWithTimeout d 为 0 时不设超时
func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func newRecordCmd(l *loader) *cobra.Command {
	var (
		seq    uint64
		domain string
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "输出本节点的签名地址记录（DNS TXT 格式）",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			n, err := startNode(ctx, l, func(c *config.Config) {
				c.Netcheck.Interval = 0
				c.QUIC.Enable = false
				c.Netmon.Enable = false
			})
			if err != nil {
				return err
			}
			defer func() { _ = n.Close() }()

			// 先探测一次以收集反射地址，失败时仍输出本地地址
			rctx, cancel := contextWithTimeout(ctx, 10*time.Second)
			if _, err := n.Report(rctx); err != nil {
				log.Warn("网络探测失败，记录只包含本地地址", "err", err)
			}
			cancel()

			if seq == 0 {
				seq = uint64(time.Now().Unix())
			}
			rec := n.PeerRecord(seq)
			name := dnsfeed.Name(n.PeerID(), domain)
			out := cmd.OutOrStdout()
			for _, txt := range dnsfeed.TXTRecords(rec) {
				fmt.Fprintf(out, "%s IN TXT %q\n", name, txt)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&seq, "seq", 0, "记录序号，默认使用当前时间戳")
	cmd.Flags().StringVar(&domain, "domain", "", "记录所在域名")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}
