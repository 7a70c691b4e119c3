package netcheck

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-magicnet/internal/core/stun"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// minEnoughWait 收到足够多中继响应后，至少再等待这么久
const minEnoughWait = 50 * time.Millisecond

type probeStats struct {
	attempted int64
	sent      int64
	lastErr   error
}

// runSTUN 对每个（中继, 本地端口）组合执行一组 STUN 探测
//
// 每组最多发送 ProbeRetries 次，间隔 ProbeRetryDelay，首个响应即结束该组。
// 收到 EnoughRelays 个中继的响应后，再等待已观察到的最大时延（完整探测加倍）便提前结束。
func (c *Client) runSTUN(ctx context.Context, b *reportBuilder, targets []target, transports []probeTransport, full bool) probeStats {
	var stats probeStats
	if len(targets) == 0 {
		return stats
	}

	stunCtx, stop := context.WithTimeout(ctx, c.cfg.STUNTimeout.Duration())
	defer stop()

	var (
		attempted, sent atomic.Int64
		errMu           sync.Mutex
		lastErr         error
		enough          sync.Once
		enoughTimer     *clock.Timer
	)
	onSample := func(n int) {
		if n < c.cfg.EnoughRelays {
			return
		}
		enough.Do(func() {
			wait := b.maxLatency()
			if full {
				wait *= 2
			}
			if wait < minEnoughWait {
				wait = minEnoughWait
			}
			log.Debug("已有足够中继响应，准备结束探测", "relays", n, "wait", wait)
			enoughTimer = c.clock.AfterFunc(wait, stop)
		})
	}

	g, gctx := errgroup.WithContext(stunCtx)
	for _, t := range targets {
		for _, tr := range transports {
			g.Go(func() error {
				c.probeSet(gctx, t, tr, func(s types.Sample) {
					onSample(b.addSample(s))
				}, func(err error) {
					attempted.Add(1)
					if err == nil {
						sent.Add(1)
						return
					}
					errMu.Lock()
					lastErr = err
					errMu.Unlock()
				})
				return nil
			})
		}
	}
	_ = g.Wait()
	if enoughTimer != nil {
		enoughTimer.Stop()
	}

	stats.attempted = attempted.Load()
	stats.sent = sent.Load()
	stats.lastErr = lastErr
	return stats
}

// probeSet 对单个目标、单个本地端口执行一组探测
func (c *Client) probeSet(ctx context.Context, t target, tr probeTransport, onSample func(types.Sample), onSend func(error)) {
	replies := make(chan stunReply, 1)
	var txids []stun.TxID
	defer func() {
		c.mu.Lock()
		for _, id := range txids {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	record := func(r stunReply) {
		onSample(types.Sample{
			LocalPort: tr.localPort(),
			Relay:     t.url,
			Observed:  r.observed,
			RTT:       r.rtt,
		})
	}

	for i := 0; i < c.cfg.ProbeRetries; i++ {
		if i > 0 {
			timer := c.clock.Timer(c.cfg.ProbeRetryDelay.Duration())
			select {
			case r := <-replies:
				timer.Stop()
				record(r)
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		txid := stun.NewTxID()
		req, err := stun.Request(txid)
		if err != nil {
			onSend(err)
			continue
		}
		c.mu.Lock()
		c.pending[txid] = &pendingProbe{sentAt: c.clock.Now(), replies: replies}
		c.mu.Unlock()
		txids = append(txids, txid)

		err = tr.send(req, t.addr)
		onSend(err)
		if err != nil {
			log.Debug("发送 STUN 探测失败", "relay", t.url, "dst", t.addr, "err", err)
		}
	}

	select {
	case r := <-replies:
		record(r)
	case <-ctx.Done():
	}
}

// runControlFallback 对 STUN 没有响应的中继改用控制通道 ping
func (c *Client) runControlFallback(ctx context.Context, b *reportBuilder, relays []types.RelayURL, pinger RelayPinger) {
	var g errgroup.Group
	for _, u := range relays {
		if b.answered(u) {
			continue
		}
		if pinger == nil {
			b.markDown(u)
			continue
		}
		g.Go(func() error {
			rtt, err := pinger.Ping(ctx, u)
			if err != nil {
				log.Debug("中继控制通道探测失败", "relay", u, "err", err)
				b.markDown(u)
				return nil
			}
			b.addControlLatency(u, rtt)
			return nil
		})
	}
	_ = g.Wait()
}
