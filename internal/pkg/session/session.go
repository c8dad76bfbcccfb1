// Package session assembles one delay engine with its optional observers:
// the packet recorder and the Prometheus exporter.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/delayer"
	"github.com/endorses/lagswitch/internal/pkg/delayqueue"
	"github.com/endorses/lagswitch/internal/pkg/intercept"
	"github.com/endorses/lagswitch/internal/pkg/logger"
	"github.com/endorses/lagswitch/internal/pkg/monitoring"
	"github.com/endorses/lagswitch/internal/pkg/pcapwriter"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Options describes the flow to delay and the observers to attach.
type Options struct {
	Spec    intercept.FilterSpec
	Latency time.Duration

	// RecordFile, when set, receives every released packet.
	RecordFile     string
	RecordLinkType layers.LinkType

	// MetricsEnabled starts the Prometheus endpoint on MetricsPort.
	MetricsEnabled bool
	MetricsPort    int

	// Engine overrides the engine loop tuning. Nil uses the defaults.
	Engine *delayer.Config

	Logger *slog.Logger
}

// Session owns an initialized engine and its observers.
type Session struct {
	Engine *delayer.Delayer

	backend  string
	started  time.Time
	recorder *pcapwriter.Writer
	metrics  *monitoring.PrometheusExporter
	log      *slog.Logger
}

// Summary is printed when a session ends.
type Summary struct {
	Backend         string           `json:"backend"`
	Filter          string           `json:"filter"`
	LatencyMs       int64            `json:"latency_ms"`
	Duration        string           `json:"duration"`
	Counters        delayer.Counters `json:"counters"`
	Health          delayer.Health   `json:"health"`
	RecordFile      string           `json:"record_file,omitempty"`
	RecordedPackets int64            `json:"recorded_packets,omitempty"`
	RecordDropped   int64            `json:"record_dropped,omitempty"`
}

// New builds the engine for source, attaches the observers requested in
// opts and initializes the engine for opts.Spec. The engine is left
// Inactive; callers Activate it.
func New(source intercept.Source, opts Options) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = logger.With("component", "session")
	}

	cfg := delayer.DefaultConfig()
	if opts.Engine != nil {
		c := *opts.Engine
		cfg = &c
	}

	s := &Session{
		backend: source.Name(),
		started: time.Now(),
		log:     log,
	}

	if opts.RecordFile != "" {
		wcfg := pcapwriter.DefaultConfig()
		wcfg.FilePath = opts.RecordFile
		if opts.RecordLinkType != 0 {
			wcfg.LinkType = opts.RecordLinkType
		}
		w, err := pcapwriter.New(wcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open record file: %w", err)
		}
		s.recorder = w
	}

	s.attachHooks(cfg)
	s.Engine = delayer.New(source, cfg)

	if opts.MetricsEnabled {
		s.metrics = monitoring.NewPrometheusExporter(opts.MetricsPort, s.Engine)
	}

	if err := s.Engine.Init(opts.Spec, opts.Latency); err != nil {
		s.closeObservers()
		return nil, err
	}

	if s.metrics != nil {
		if err := s.metrics.Enable(); err != nil {
			s.closeObservers()
			return nil, fmt.Errorf("failed to start metrics endpoint: %w", err)
		}
	}

	log.Info("Session ready",
		"backend", s.backend,
		"filter", s.Engine.Stats().Filter,
		"latency", opts.Latency,
		"record_file", opts.RecordFile,
		"metrics", opts.MetricsEnabled)
	return s, nil
}

// attachHooks chains the observers after any hooks already set on cfg. The
// observers are read when the hooks fire, after New has finished.
func (s *Session) attachHooks(cfg *delayer.Config) {
	prevRelease := cfg.OnRelease
	prevReport := cfg.OnReport

	cfg.OnRelease = func(rec delayqueue.PacketRecord, releasedAt time.Time) {
		if prevRelease != nil {
			prevRelease(rec, releasedAt)
		}
		if s.metrics != nil {
			s.metrics.ObserveRelease(rec, releasedAt)
		}
		if s.recorder != nil {
			err := s.recorder.WritePacket(pcapwriter.Packet{
				CaptureInfo: gopacket.CaptureInfo{
					Timestamp:     releasedAt,
					CaptureLength: len(rec.Payload),
					Length:        len(rec.Payload),
				},
				Data: rec.Payload,
			})
			if err != nil && !errors.Is(err, pcapwriter.ErrBufferFull) {
				s.log.Debug("Failed to record released packet", "error", err)
			}
		}
	}
	cfg.OnReport = func(r delayer.Report) {
		if prevReport != nil {
			prevReport(r)
		}
		if s.metrics != nil {
			s.metrics.ObserveReport(r)
		}
	}
}

// Summary reports the session totals so far.
func (s *Session) Summary() Summary {
	snap := s.Engine.Stats()
	sum := Summary{
		Backend:   s.backend,
		Filter:    snap.Filter,
		LatencyMs: snap.Latency.Milliseconds(),
		Duration:  time.Since(s.started).Round(time.Millisecond).String(),
		Counters:  snap.Counters,
		Health:    snap.Health,
	}
	if s.recorder != nil {
		sum.RecordFile = s.recorder.FilePath()
		sum.RecordedPackets, _ = s.recorder.Stats()
		sum.RecordDropped = s.recorder.Dropped()
	}
	return sum
}

// Close disposes the engine, deactivating it first if needed, and then
// flushes the observers.
func (s *Session) Close() error {
	err := s.Engine.Close()
	return errors.Join(err, s.closeObservers())
}

func (s *Session) closeObservers() error {
	var errs []error
	if s.metrics != nil {
		if err := s.metrics.Disable(); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("record file: %w", err))
		}
	}
	return errors.Join(errs...)
}
