// Package live bridges a flow between two interfaces with libpcap: packets
// are captured on one interface and injected, once released, on another.
package live

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/bpfutil"
	"github.com/endorses/lagswitch/internal/pkg/constants"
	"github.com/endorses/lagswitch/internal/pkg/intercept"
	"github.com/endorses/lagswitch/internal/pkg/logger"
	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// Config for the live capture backend.
type Config struct {
	Interface       string
	InjectInterface string // defaults to Interface
	Snaplen         int32
	Timeout         time.Duration
	BufferSize      int
	Promiscuous     bool
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Snaplen:    constants.MaxSnapshotLen,
		Timeout:    constants.DefaultPcapTimeout,
		BufferSize: constants.DefaultPcapBufferSize,
	}
}

// Source opens live capture handles.
type Source struct {
	cfg Config
}

var _ intercept.Source = &Source{}

// New creates a live capture source. A nil config uses DefaultConfig.
func New(config *Config) *Source {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if cfg.InjectInterface == "" {
		cfg.InjectInterface = cfg.Interface
	}
	if cfg.Snaplen <= 0 {
		cfg.Snaplen = def.Snaplen
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &Source{cfg: cfg}
}

// Name returns the backend name.
func (s *Source) Name() string {
	return "pcap"
}

// Filter returns the BPF expression selecting the flow.
func (s *Source) Filter(spec intercept.FilterSpec) (string, error) {
	return bpfutil.Expression(spec)
}

// Open activates the capture handle with filter and opens the injection
// handle.
func (s *Source) Open(filter string) (intercept.Handle, error) {
	if s.cfg.Interface == "" {
		return nil, fmt.Errorf("%w: no capture interface configured", intercept.ErrOpenFailed)
	}

	capture, err := s.openCapture(filter)
	if err != nil {
		return nil, err
	}

	inject, err := pcap.OpenLive(s.cfg.InjectInterface, s.cfg.Snaplen, false, pcap.BlockForever)
	if err != nil {
		capture.Close()
		return nil, fmt.Errorf("open inject interface %s: %w", s.cfg.InjectInterface, err)
	}

	logger.Info("Opened live capture",
		"interface", s.cfg.Interface,
		"inject_interface", s.cfg.InjectInterface,
		"filter", filter)
	return newHandle(capture, inject), nil
}

func (s *Source) openCapture(filter string) (*pcap.Handle, error) {
	inactive, err := pcap.NewInactiveHandle(s.cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("create capture handle on %s: %w", s.cfg.Interface, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(int(s.cfg.Snaplen)); err != nil {
		return nil, fmt.Errorf("set snaplen: %w", err)
	}
	if err := inactive.SetTimeout(s.cfg.Timeout); err != nil {
		return nil, fmt.Errorf("set timeout: %w", err)
	}
	if err := inactive.SetBufferSize(s.cfg.BufferSize); err != nil {
		return nil, fmt.Errorf("set buffer size: %w", err)
	}
	if err := inactive.SetPromisc(s.cfg.Promiscuous); err != nil {
		return nil, fmt.Errorf("set promiscuous mode: %w", err)
	}
	if err := inactive.SetImmediateMode(true); err != nil {
		logger.Debug("Immediate mode not supported", "interface", s.cfg.Interface, "error", err)
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("activate capture on %s: %w", s.cfg.Interface, err)
	}

	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("%w: %q: %w", intercept.ErrInvalidFilter, filter, err)
	}

	// Injected packets leave through the inject interface and must not be
	// captured again when it is the capture interface.
	if err := handle.SetDirection(pcap.DirectionIn); err != nil {
		logger.Warn("Cannot restrict capture direction, injected packets may be recaptured",
			"interface", s.cfg.Interface, "error", err)
	}
	return handle, nil
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	Close()
}

type packetWriter interface {
	WritePacketData(data []byte) error
	Close()
}

type pending struct {
	data []byte
	ci   gopacket.CaptureInfo
}

// Handle is an open live bridge.
type Handle struct {
	capture packetReader
	inject  packetWriter

	seq      uint32
	pending  *pending
	shutdown atomic.Bool
	closed   atomic.Bool
}

var _ intercept.Handle = &Handle{}

func newHandle(capture packetReader, inject packetWriter) *Handle {
	return &Handle{capture: capture, inject: inject}
}

// Receive returns the next captured packet. Read timeouts are retried until
// Shutdown is called.
func (h *Handle) Receive(buf []byte) (int, intercept.Metadata, error) {
	p := h.pending
	h.pending = nil

	for p == nil {
		if h.shutdown.Load() || h.closed.Load() {
			return 0, intercept.Metadata{}, intercept.ErrNoMoreData
		}
		data, ci, err := h.capture.ReadPacketData()
		switch {
		case err == nil:
			p = &pending{data: data, ci: ci}
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, pcap.NextErrorNoMorePackets):
			return 0, intercept.Metadata{}, intercept.ErrNoMoreData
		default:
			return 0, intercept.Metadata{}, fmt.Errorf("read packet: %w", err)
		}
	}

	n, err := intercept.CopyPacket(buf, p.data)
	if err != nil {
		h.pending = p
		return 0, intercept.Metadata{}, err
	}
	h.seq++
	return n, intercept.Metadata{ID: h.seq, CaptureInfo: p.ci}, nil
}

// Send injects data on the inject interface.
func (h *Handle) Send(data []byte, md intercept.Metadata) error {
	if h.closed.Load() {
		return intercept.ErrHandleClosed
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty packet %d", intercept.ErrInvalidParameter, md.ID)
	}
	if err := h.inject.WritePacketData(data); err != nil {
		return fmt.Errorf("inject packet %d: %w", md.ID, err)
	}
	return nil
}

// Shutdown makes Receive return ErrNoMoreData within one read timeout.
func (h *Handle) Shutdown() error {
	h.shutdown.Store(true)
	return nil
}

// Close releases both pcap handles.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.capture.Close()
	h.inject.Close()
	return nil
}
