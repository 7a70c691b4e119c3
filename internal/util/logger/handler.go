package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

var (
	// globalOutput 全局日志输出目标，默认为 stderr
	globalOutput   io.Writer = os.Stderr
	globalOutputMu sync.RWMutex
)

// dynamicWriter 每次写入时查找 globalOutput
type dynamicWriter struct{}

func (dynamicWriter) Write(p []byte) (int, error) {
	globalOutputMu.RLock()
	w := globalOutput
	globalOutputMu.RUnlock()
	return w.Write(p)
}

// subsystemHandler 支持子系统级别控制的 slog.Handler
//
// 派生出的 Handler（WithAttrs/WithGroup）共享同一个级别。
type subsystemHandler struct {
	level *atomic.Int64
	inner slog.Handler
}

func newHandler(subsystem string, level slog.Level, format LogFormat, addSource bool) *subsystemHandler {
	opts := &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: addSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Key = "ts"
			case slog.LevelKey:
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(levelString(lvl))
				}
			}
			return a
		},
	}

	var inner slog.Handler
	if format == FormatJSON {
		inner = slog.NewJSONHandler(dynamicWriter{}, opts)
	} else {
		inner = slog.NewTextHandler(dynamicWriter{}, opts)
	}

	lv := new(atomic.Int64)
	lv.Store(int64(level))
	return &subsystemHandler{
		level: lv,
		inner: inner.WithAttrs([]slog.Attr{slog.String("subsystem", subsystem)}),
	}
}

func (h *subsystemHandler) Enabled(_ context.Context, level slog.Level) bool {
	return int64(level) >= h.level.Load()
}

func (h *subsystemHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *subsystemHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &subsystemHandler{level: h.level, inner: h.inner.WithAttrs(attrs)}
}

func (h *subsystemHandler) WithGroup(name string) slog.Handler {
	return &subsystemHandler{level: h.level, inner: h.inner.WithGroup(name)}
}

func (h *subsystemHandler) setLevel(level slog.Level) {
	h.level.Store(int64(level))
}

func levelString(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "debug"
	case level < slog.LevelWarn:
		return "info"
	case level < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}

// discardHandler 丢弃所有日志
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
