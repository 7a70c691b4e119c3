package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/pkg/types"
)

func newNetcheckCmd(l *loader) *cobra.Command {
	var (
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "netcheck",
		Short: "探测当前网络状况（STUN、NAT 类型、中继时延）",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			n, err := startNode(ctx, l, func(c *config.Config) {
				// 一次性探测不需要周期任务与 QUIC
				c.Netcheck.Interval = 0
				c.QUIC.Enable = false
				c.Netmon.Enable = false
			})
			if err != nil {
				return err
			}
			defer func() { _ = n.Close() }()

			ctx, cancel := contextWithTimeout(ctx, timeout)
			defer cancel()
			rep, err := n.Report(ctx)
			if err != nil {
				return oops.In("netcheck").Wrapf(err, "generate report")
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			printReport(cmd.OutOrStdout(), rep)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "探测超时")
	return cmd
}

func printReport(w io.Writer, r *types.Report) {
	fmt.Fprintln(w, "网络报告:")
	fmt.Fprintf(w, "  UDP:           %v\n", r.UDP)
	fmt.Fprintf(w, "  IPv4:          %v (%s)\n", r.IPv4, fmtAddr(r.GlobalV4))
	fmt.Fprintf(w, "  IPv6:          %v (%s)\n", r.IPv6, fmtAddr(r.GlobalV6))
	fmt.Fprintf(w, "  NAT:           %s\n", r.NAT)
	if r.MappingVariesByDestIP != nil {
		fmt.Fprintf(w, "  映射随目的变化: %v\n", *r.MappingVariesByDestIP)
	}
	if r.UDPBlocked {
		fmt.Fprintln(w, "  UDP 被阻断，仅能使用中继")
	}
	if r.PortMap.Probed {
		fmt.Fprintf(w, "  端口映射:      NAT-PMP=%v UPnP=%v\n", r.PortMap.NATPMP, r.PortMap.UPnP)
	}
	if r.CaptivePortal != nil {
		fmt.Fprintf(w, "  强制门户:      %v\n", *r.CaptivePortal)
	}
	if r.HairPinning != nil {
		fmt.Fprintf(w, "  NAT 回环:      %v\n", *r.HairPinning)
	}
	fmt.Fprintf(w, "  首选中继:      %s\n", r.PreferredRelay)
	for _, u := range r.Relays() {
		fmt.Fprintf(w, "    %-40s %v\n", u, r.RelayLatency[u].Round(time.Microsecond))
	}
	for _, u := range r.RelayDown {
		fmt.Fprintf(w, "    %-40s 不可达\n", u)
	}
}

// fmtAddr 格式化反射地址，未知时输出 "-"
func fmtAddr(ap netip.AddrPort) string {
	if !ap.IsValid() {
		return "-"
	}
	return ap.String()
}
