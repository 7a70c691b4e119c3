package netcheck

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/dep2p/go-magicnet/pkg/types"
)

// stunPortParam 中继 URL 上覆盖 STUN 端口的查询参数，0 表示该中继不提供 STUN
const stunPortParam = "stun_port"

// target 一个中继的 STUN 探测目标
type target struct {
	url  types.RelayURL
	addr netip.AddrPort
}

// resolveTarget 解析中继的 STUN 地址；ok 为 false 表示该中继不做 STUN 探测
func resolveTarget(ctx context.Context, r *net.Resolver, u types.RelayURL, defaultPort int) (target, bool, error) {
	pu, err := u.Parse()
	if err != nil {
		return target{}, false, err
	}
	port := defaultPort
	if q := pu.Query().Get(stunPortParam); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 || n > 65535 {
			return target{}, false, fmt.Errorf("invalid %s %q", stunPortParam, q)
		}
		if n == 0 {
			return target{}, false, nil
		}
		port = n
	}

	host := pu.Hostname()
	if ip, err := netip.ParseAddr(host); err == nil {
		return target{url: u, addr: netip.AddrPortFrom(ip.Unmap(), uint16(port))}, true, nil
	}
	ips, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return target{}, false, err
	}
	if len(ips) == 0 {
		return target{}, false, fmt.Errorf("no address for %s", host)
	}
	pick := ips[0]
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			pick = ip
			break
		}
	}
	return target{url: u, addr: netip.AddrPortFrom(pick.Unmap(), uint16(port))}, true, nil
}
