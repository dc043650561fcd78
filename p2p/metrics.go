package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peers      *prometheus.GaugeVec
	frames     *prometheus.CounterVec
	handshakes *prometheus.CounterVec
	rejections *prometheus.CounterVec
	gcRuns     prometheus.Counter
	gcRemoved  prometheus.Counter
	headers    prometheus.Gauge
	blocks     *prometheus.CounterVec

	frameCounter     metric.Int64Counter
	handshakeCounter metric.Int64Counter
	responseTime     metric.Float64Histogram
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "veilnet_p2p_peers",
				Help: "Connected peers by direction.",
			}, []string{"direction"}),
			frames: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "veilnet_p2p_frames_total",
				Help: "Frames by direction and type.",
			}, []string{"direction", "type"}),
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "veilnet_p2p_handshakes_total",
				Help: "Handshake outcomes.",
			}, []string{"result"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "veilnet_p2p_admission_rejections_total",
				Help: "Candidates turned away at admission, by reason.",
			}, []string{"reason"}),
			gcRuns: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "veilnet_headers_gc_runs_total",
				Help: "Header store collections.",
			}),
			gcRemoved: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "veilnet_headers_gc_removed_total",
				Help: "Headers dropped by collection.",
			}),
			headers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "veilnet_headers_stored",
				Help: "Headers currently held.",
			}),
			blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "veilnet_p2p_blocks_total",
				Help: "Blocks moved by direction.",
			}, []string{"direction"}),
		}
		prometheus.MustRegister(nm.peers, nm.frames, nm.handshakes, nm.rejections, nm.gcRuns, nm.gcRemoved, nm.headers, nm.blocks)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("veilnet/p2p")
	fallback := noop.NewMeterProvider().Meter("veilnet/p2p")
	frames, err := meter.Int64Counter("veilnet.p2p.frames")
	if err != nil {
		frames, _ = fallback.Int64Counter("veilnet.p2p.frames")
	}
	handshakes, err := meter.Int64Counter("veilnet.p2p.handshakes")
	if err != nil {
		handshakes, _ = fallback.Int64Counter("veilnet.p2p.handshakes")
	}
	rtt, err := meter.Float64Histogram("veilnet.p2p.response_time_ms")
	if err != nil {
		rtt, _ = fallback.Float64Histogram("veilnet.p2p.response_time_ms")
	}
	m.frameCounter = frames
	m.handshakeCounter = handshakes
	m.responseTime = rtt
}

func (m *networkMetrics) recordFrame(direction string, t FrameType) {
	if m == nil {
		return
	}
	label := t.String()
	m.frames.WithLabelValues(direction, label).Inc()
	m.frameCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("type", label),
	))
}

func (m *networkMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
	m.handshakeCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *networkMetrics) recordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *networkMetrics) setPeers(inbound, outbound int) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues("inbound").Set(float64(inbound))
	m.peers.WithLabelValues("outbound").Set(float64(outbound))
}

func (m *networkMetrics) observeResponseTime(ms float64) {
	if m == nil || ms <= 0 {
		return
	}
	m.responseTime.Record(context.Background(), ms)
}

func (m *networkMetrics) recordCollection(removed, remaining int) {
	if m == nil {
		return
	}
	m.gcRuns.Inc()
	m.gcRemoved.Add(float64(removed))
	m.headers.Set(float64(remaining))
}

func (m *networkMetrics) recordBlock(direction string) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues(direction).Inc()
}
