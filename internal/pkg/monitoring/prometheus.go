// Package monitoring exports engine statistics to Prometheus.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/constants"
	"github.com/endorses/lagswitch/internal/pkg/delayer"
	"github.com/endorses/lagswitch/internal/pkg/delayqueue"
	"github.com/endorses/lagswitch/internal/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSource is the engine view the exporter reads on every scrape.
type StatsSource interface {
	Stats() delayer.Snapshot
}

// PrometheusExporter exports engine metrics to Prometheus
type PrometheusExporter struct {
	enabled  atomic.Bool
	registry *prometheus.Registry
	server   *http.Server
	port     int
	mu       sync.Mutex
	engine   StatsSource

	packets  *prometheus.CounterVec
	buffered prometheus.Gauge
	holdTime prometheus.Histogram
}

// NewPrometheusExporter creates an exporter for engine. Metrics are collected
// from construction on; Enable only starts serving them.
func NewPrometheusExporter(port int, engine StatsSource) *PrometheusExporter {
	if port <= 0 {
		port = constants.DefaultMetricsPort
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := &PrometheusExporter{
		registry: registry,
		port:     port,
		engine:   engine,
	}
	p.registerEngineMetrics()
	return p
}

func (p *PrometheusExporter) registerEngineMetrics() {
	p.packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lagswitch_packets_total",
			Help: "Packets handled by the delay engine, by outcome",
		},
		[]string{"outcome"},
	)
	p.registry.MustRegister(p.packets)

	p.buffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lagswitch_packets_buffered",
		Help: "Packets held in the delay queue at the last report",
	})
	p.registry.MustRegister(p.buffered)

	p.holdTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lagswitch_packet_hold_seconds",
		Help:    "Time between capture and release of each packet",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	p.registry.MustRegister(p.holdTime)

	p.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "lagswitch_latency_seconds",
		Help: "Configured artificial latency",
	}, func() float64 {
		return p.engine.Stats().Latency.Seconds()
	}))

	p.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "lagswitch_active",
		Help: "1 while the engine is diverting traffic",
	}, func() float64 {
		return boolGauge(p.engine.Stats().State == delayer.Active.String())
	}))

	p.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "lagswitch_degraded",
		Help: "1 when a worker loop of the current cycle has died",
	}, func() float64 {
		return boolGauge(p.engine.Stats().Health.Degraded)
	}))

	for _, outcome := range []string{"received", "sent", "dropped"} {
		p.packets.WithLabelValues(outcome)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ObserveReport adds one reporter interval to the counters. It is meant to be
// the engine's OnReport hook.
func (p *PrometheusExporter) ObserveReport(r delayer.Report) {
	p.packets.WithLabelValues("received").Add(float64(r.Received))
	p.packets.WithLabelValues("sent").Add(float64(r.Sent))
	if r.Dropped > 0 {
		p.packets.WithLabelValues("dropped").Add(float64(r.Dropped))
	}
	p.buffered.Set(float64(r.Buffered))
}

// ObserveRelease records how long a released packet was held.
func (p *PrometheusExporter) ObserveRelease(rec delayqueue.PacketRecord, releasedAt time.Time) {
	p.holdTime.Observe(rec.Age(releasedAt).Seconds())
}

// Handler serves /metrics and /health.
func (p *PrometheusExporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", p.healthHandler)
	return mux
}

// Enable starts the metrics server
func (p *PrometheusExporter) Enable() error {
	if p.enabled.Load() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", p.port),
		Handler:      p.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	server := p.server
	go func() {
		logger.Info("Starting Prometheus metrics server", "port", p.port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Prometheus server error", "error", err)
		}
	}()

	p.enabled.Store(true)
	logger.Info("Prometheus metrics enabled", "endpoint", fmt.Sprintf("http://localhost:%d/metrics", p.port))
	return nil
}

// Disable stops the metrics server
func (p *PrometheusExporter) Disable() error {
	if !p.enabled.Load() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
		defer cancel()

		if err := p.server.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down Prometheus server", "error", err)
		}
		p.server = nil
	}

	p.enabled.Store(false)
	logger.Info("Prometheus metrics disabled")
	return nil
}

// IsEnabled returns whether the metrics server is running
func (p *PrometheusExporter) IsEnabled() bool {
	return p.enabled.Load()
}

type healthResponse struct {
	Status string         `json:"status"`
	State  string         `json:"state"`
	Health delayer.Health `json:"health"`
}

// healthHandler reports 503 while the current cycle is degraded
func (p *PrometheusExporter) healthHandler(w http.ResponseWriter, r *http.Request) {
	stats := p.engine.Stats()
	resp := healthResponse{Status: "healthy", State: stats.State, Health: stats.Health}

	w.Header().Set("Content-Type", "application/json")
	if stats.Health.Degraded {
		resp.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
