package netcheck

import (
	"context"
	"net/netip"
	"time"

	"github.com/dep2p/go-magicnet/internal/core/stun"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// hairpinTimeout 等待回环 Binding 请求的时间
const hairpinTimeout = 100 * time.Millisecond

// hairpinSource 选择一个与 GlobalV4 所属端口不同的本地端口作为发送方
func hairpinSource(transports []probeTransport, r *types.Report) (probeTransport, bool) {
	if !r.GlobalV4.IsValid() || len(transports) < 2 {
		return nil, false
	}
	var owner uint16
	found := false
	for _, s := range r.Samples {
		obs := netip.AddrPortFrom(s.Observed.Addr().Unmap(), s.Observed.Port())
		if obs == r.GlobalV4 {
			owner, found = s.LocalPort, true
			break
		}
	}
	if !found {
		return nil, false
	}
	for _, tr := range transports {
		if tr.localPort() != owner {
			return tr, true
		}
	}
	return nil, false
}

// checkHairpin 从 from 向本机的公网反射地址 dst 发送 Binding 请求，
// 在 hairpinTimeout 内由本机某个端口收到即认为 NAT 支持回环
func (c *Client) checkHairpin(ctx context.Context, from probeTransport, dst netip.AddrPort) (bool, error) {
	txid := stun.NewTxID()
	pkt, err := stun.Request(txid)
	if err != nil {
		return false, err
	}
	got := make(chan struct{}, 1)
	c.mu.Lock()
	c.hairpin[txid] = got
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.hairpin, txid)
		c.mu.Unlock()
	}()

	if err := from.send(pkt, dst); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, hairpinTimeout)
	defer cancel()
	select {
	case <-got:
		return true, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return false, nil
		}
		return false, ctx.Err()
	}
}

// handleHairpin 识别本客户端发出的回环 Binding 请求
func (c *Client) handleHairpin(pkt []byte) bool {
	txid, err := stun.ParseRequest(pkt)
	if err != nil {
		return false
	}
	c.mu.Lock()
	got, ok := c.hairpin[txid]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case got <- struct{}{}:
	default:
	}
	return true
}
