package relay

import (
	"math/rand"
	"time"
)

// backoff 带抖动的指数退避，结果不超过 max
type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64
	cur    time.Duration
	rnd    *rand.Rand
}

func newBackoff(base, max time.Duration, jitter float64) *backoff {
	return &backoff{
		base:   base,
		max:    max,
		jitter: jitter,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next 返回下一次等待时长
//
// 抖动只向下扣减，保证不超过上限。
func (b *backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.base
	} else {
		b.cur *= 2
	}
	if b.cur > b.max {
		b.cur = b.max
	}
	d := b.cur
	if b.jitter > 0 {
		d -= time.Duration(float64(d) * b.jitter * b.rnd.Float64())
	}
	return d
}

// Reset 回到初始值
func (b *backoff) Reset() {
	b.cur = 0
}
