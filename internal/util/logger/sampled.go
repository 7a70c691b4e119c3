package logger

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Sampled 限速日志记录器
//
// 高频且无害的事件（例如来源不明的数据包）只按速率输出，
// 被抑制的条数会附带在下一条输出中。
type Sampled struct {
	log        *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewSampled 创建限速日志记录器，每 every 最多输出一条，允许 burst 条突发
func NewSampled(log *slog.Logger, every time.Duration, burst int) *Sampled {
	return &Sampled{
		log:     log,
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}

// Debug 按速率输出 Debug 日志
func (s *Sampled) Debug(msg string, args ...any) {
	s.emit(slog.LevelDebug, msg, args)
}

// Warn 按速率输出 Warn 日志
func (s *Sampled) Warn(msg string, args ...any) {
	s.emit(slog.LevelWarn, msg, args)
}

// Suppressed 返回当前累计被抑制的条数
func (s *Sampled) Suppressed() int64 {
	return s.suppressed.Load()
}

func (s *Sampled) emit(level slog.Level, msg string, args []any) {
	if !s.limiter.Allow() {
		s.suppressed.Add(1)
		return
	}
	if n := s.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	s.log.Log(context.Background(), level, msg, args...)
}
