package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-magicnet/config"
	"github.com/dep2p/go-magicnet/internal/core/eventbus"
	"github.com/dep2p/go-magicnet/internal/core/magicsock"
	pkgif "github.com/dep2p/go-magicnet/pkg/interfaces"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// eventBuffer 每类事件的订阅缓冲
const eventBuffer = 256

var natTypes = []types.NATType{
	types.NATUnknown, types.NATNone, types.NATEasy, types.NATHard, types.NATSymmetricLike,
}

// SocketStats 提供虚拟套接字计数
type SocketStats interface {
	Stats() magicsock.Stats
}

// Collector 事件驱动的指标收集器
type Collector struct {
	reg *prometheus.Registry

	transitions  *prometheus.CounterVec
	probes       *prometheus.CounterVec
	probeRTT     prometheus.Histogram
	drops        *prometheus.CounterVec
	authFailures prometheus.Counter
	relayState   *prometheus.GaugeVec
	relayLatency *prometheus.GaugeVec
	natType      *prometheus.GaugeVec
	reports      prometheus.Counter
	netChanges   prometheus.Counter
}

// New 创建收集器并注册到独立的 Registry
func New(cfg config.MetricsConfig) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("metrics config: %w", err)
	}
	ns := cfg.Namespace
	c := &Collector{
		reg: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "path_transitions_total", Help: "Peer path state transitions.",
		}, []string{"from", "to", "reason"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "probes_total", Help: "Direct path probes by result.",
		}, []string{"result"}),
		probeRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "probe_rtt_seconds", Help: "Round trip time of successful probes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "packets_dropped_total", Help: "Dropped packets by reason.",
		}, []string{"reason"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "auth_failures_total", Help: "Discovery messages failing authentication.",
		}),
		relayState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "relay_state", Help: "Relay connection state (0 idle, 1 connecting, 2 connected, 3 reconnecting, 4 failed).",
		}, []string{"relay"}),
		relayLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "relay_latency_seconds", Help: "Relay latency from the latest network report.",
		}, []string{"relay"}),
		natType: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "nat_type", Help: "NAT classification of the latest network report.",
		}, []string{"type"}),
		reports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "netcheck_reports_total", Help: "Network reports produced.",
		}),
		netChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "network_changes_total", Help: "Local network changes detected.",
		}),
	}
	for _, col := range []prometheus.Collector{
		c.transitions, c.probes, c.probeRTT, c.drops, c.authFailures,
		c.relayState, c.relayLatency, c.natType, c.reports, c.netChanges,
		collectors.NewGoCollector(),
	} {
		if err := c.reg.Register(col); err != nil {
			return nil, fmt.Errorf("metrics register: %w", err)
		}
	}
	return c, nil
}

// Registry 返回底层 Registry
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler 返回 /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// WatchSocket 导出虚拟套接字计数
func (c *Collector) WatchSocket(ns string, s SocketStats) error {
	counter := func(path, dir string, get func(magicsock.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "socket_packets_total",
			Help:        "Packets handled by the virtual socket.",
			ConstLabels: prometheus.Labels{"path": path, "dir": dir},
		}, func() float64 { return float64(get(s.Stats())) })
	}
	for _, col := range []prometheus.Collector{
		counter("direct", "tx", func(st magicsock.Stats) int64 { return st.SentDirect }),
		counter("relay", "tx", func(st magicsock.Stats) int64 { return st.SentRelay }),
		counter("direct", "rx", func(st magicsock.Stats) int64 { return st.RecvDirect }),
		counter("relay", "rx", func(st magicsock.Stats) int64 { return st.RecvRelay }),
		counter("none", "queued", func(st magicsock.Stats) int64 { return st.Queued }),
	} {
		if err := c.reg.Register(col); err != nil {
			return fmt.Errorf("metrics register: %w", err)
		}
	}
	return nil
}

// Run 订阅事件并更新指标，直到 ctx 取消
func (c *Collector) Run(ctx context.Context, bus pkgif.EventBus) error {
	g, ctx := errgroup.WithContext(ctx)
	if err := watch(ctx, g, bus, c.onPathChanged); err != nil {
		return err
	}
	if err := watch(ctx, g, bus, func(types.EvtProbeStarted) { c.probes.WithLabelValues("started").Inc() }); err != nil {
		return err
	}
	if err := watch(ctx, g, bus, func(ev types.EvtProbeSucceeded) {
		c.probes.WithLabelValues("succeeded").Inc()
		c.probeRTT.Observe(ev.RTT.Seconds())
	}); err != nil {
		return err
	}
	if err := watch(ctx, g, bus, func(types.EvtProbeExpired) { c.probes.WithLabelValues("expired").Inc() }); err != nil {
		return err
	}
	if err := watch(ctx, g, bus, func(ev types.EvtPacketDropped) { c.drops.WithLabelValues(string(ev.Reason)).Inc() }); err != nil {
		return err
	}
	if err := watch(ctx, g, bus, func(types.EvtAuthFailure) { c.authFailures.Inc() }); err != nil {
		return err
	}
	if err := watch(ctx, g, bus, func(ev types.EvtRelayStateChanged) {
		c.relayState.WithLabelValues(ev.URL.String()).Set(float64(ev.To))
	}); err != nil {
		return err
	}
	if err := watch(ctx, g, bus, c.onReport); err != nil {
		return err
	}
	if err := watch(ctx, g, bus, func(types.EvtNetworkChanged) { c.netChanges.Inc() }); err != nil {
		return err
	}
	return g.Wait()
}

func watch[T any](ctx context.Context, g *errgroup.Group, bus pkgif.EventBus, fn func(T)) error {
	sub, err := bus.Subscribe(new(T), eventbus.BufSize(eventBuffer))
	if err != nil {
		return err
	}
	g.Go(func() error {
		defer sub.Close()
		eventbus.Each(ctx, sub, fn)
		return nil
	})
	return nil
}

func (c *Collector) onPathChanged(ev types.EvtPathChanged) {
	c.transitions.WithLabelValues(ev.From.String(), ev.To.String(), ev.Reason).Inc()
}

func (c *Collector) onReport(ev types.EvtReportUpdated) {
	r := ev.Report
	if r == nil {
		return
	}
	c.reports.Inc()
	for _, t := range natTypes {
		v := 0.0
		if t == r.NAT {
			v = 1
		}
		c.natType.WithLabelValues(t.String()).Set(v)
	}
	for u, d := range r.RelayLatency {
		c.relayLatency.WithLabelValues(u.String()).Set(d.Seconds())
	}
}
