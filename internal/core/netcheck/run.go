package netcheck

import (
	"context"
)

// Run 按 Interval 周期刷新报告，直到 ctx 取消
func (c *Client) Run(ctx context.Context) {
	interval := c.cfg.Interval.Duration()
	c.refresh(ctx)
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	t := c.clock.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.refresh(ctx)
		}
	}
}

// NetworkChanged 网络变化：作废缓存并立即重新探测
func (c *Client) NetworkChanged(ctx context.Context) {
	c.Invalidate()
	c.refresh(ctx)
}

func (c *Client) refresh(ctx context.Context) {
	if _, err := c.GetReport(ctx); err != nil && ctx.Err() == nil {
		log.Debug("刷新可达性报告失败", "err", err)
	}
}
