// Package offline replays a capture file through the engine. Packets read
// from the file are the diverted traffic; released packets are written to an
// output capture file, so the effect of a latency can be inspected offline.
package offline

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/bpfutil"
	"github.com/endorses/lagswitch/internal/pkg/intercept"
	"github.com/endorses/lagswitch/internal/pkg/logger"
	"github.com/endorses/lagswitch/internal/pkg/pcapwriter"
	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// Config for the replay backend.
type Config struct {
	// InputFile is the capture file to replay.
	InputFile string
	// OutputFile receives the released packets. Empty discards them.
	OutputFile string
	// Pace delays each read to follow the file's inter-packet gaps.
	Pace bool

	Now func() time.Time
}

// Source opens replay handles.
type Source struct {
	cfg Config
}

var _ intercept.Source = &Source{}

// New creates a replay source.
func New(config *Config) *Source {
	cfg := *config
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Source{cfg: cfg}
}

// Name returns the backend name.
func (s *Source) Name() string {
	return "pcap-file"
}

// Filter returns the BPF expression selecting the flow.
func (s *Source) Filter(spec intercept.FilterSpec) (string, error) {
	return bpfutil.Expression(spec)
}

// Open opens the input file with filter applied and creates the output file.
func (s *Source) Open(filter string) (intercept.Handle, error) {
	if s.cfg.InputFile == "" {
		return nil, fmt.Errorf("%w: no input file configured", intercept.ErrOpenFailed)
	}

	in, err := pcap.OpenOffline(s.cfg.InputFile)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.cfg.InputFile, err)
	}
	if err := in.SetBPFFilter(filter); err != nil {
		in.Close()
		return nil, fmt.Errorf("%w: %q: %w", intercept.ErrInvalidFilter, filter, err)
	}

	var sink *pcapwriter.Writer
	if s.cfg.OutputFile != "" {
		config := pcapwriter.DefaultConfig()
		config.FilePath = s.cfg.OutputFile
		config.LinkType = in.LinkType()
		sink, err = pcapwriter.New(config)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("create output file: %w", err)
		}
	}

	logger.Info("Opened capture file for replay",
		"input", s.cfg.InputFile,
		"output", s.cfg.OutputFile,
		"link_type", in.LinkType().String(),
		"filter", filter,
		"pace", s.cfg.Pace)
	return newHandle(in, sink, s.cfg.Pace, s.cfg.Now), nil
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	Close()
}

type pending struct {
	data []byte
	ci   gopacket.CaptureInfo
}

// Handle is an open replay session.
type Handle struct {
	in   packetReader
	sink *pcapwriter.Writer
	now  func() time.Time

	pace       bool
	firstFile  time.Time
	firstWall  time.Time
	seq        uint32
	pending    *pending
	shutdownCh chan struct{}
	shutdown   sync.Once
	closed     atomic.Bool
}

var _ intercept.Handle = &Handle{}

func newHandle(in packetReader, sink *pcapwriter.Writer, pace bool, now func() time.Time) *Handle {
	return &Handle{
		in:         in,
		sink:       sink,
		now:        now,
		pace:       pace,
		shutdownCh: make(chan struct{}),
	}
}

// Receive returns the next packet of the file matching the filter, and
// ErrNoMoreData once the file is exhausted.
func (h *Handle) Receive(buf []byte) (int, intercept.Metadata, error) {
	select {
	case <-h.shutdownCh:
		return 0, intercept.Metadata{}, intercept.ErrNoMoreData
	default:
	}

	p := h.pending
	h.pending = nil
	if p == nil {
		data, ci, err := h.in.ReadPacketData()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, pcap.NextErrorNoMorePackets):
			return 0, intercept.Metadata{}, intercept.ErrNoMoreData
		default:
			return 0, intercept.Metadata{}, fmt.Errorf("read packet: %w", err)
		}
		p = &pending{data: data, ci: ci}

		if !h.waitForFileTime(ci.Timestamp) {
			return 0, intercept.Metadata{}, intercept.ErrNoMoreData
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

// waitForFileTime sleeps until ts is due relative to the first packet. It
// returns false when interrupted by Shutdown.
func (h *Handle) waitForFileTime(ts time.Time) bool {
	if !h.pace {
		return true
	}
	if h.firstFile.IsZero() {
		h.firstFile, h.firstWall = ts, h.now()
		return true
	}

	wait := ts.Sub(h.firstFile) - h.now().Sub(h.firstWall)
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-h.shutdownCh:
		return false
	}
}

// Send records the released packet in the output file, stamped with the
// release time.
func (h *Handle) Send(data []byte, md intercept.Metadata) error {
	if h.closed.Load() {
		return intercept.ErrHandleClosed
	}
	if h.sink == nil {
		return nil
	}

	ci := md.CaptureInfo
	ci.Timestamp = h.now()
	err := h.sink.WritePacket(pcapwriter.Packet{CaptureInfo: ci, Data: data})
	if errors.Is(err, pcapwriter.ErrClosed) {
		return fmt.Errorf("%w: %w", intercept.ErrHandleClosed, err)
	}
	return err
}

// Shutdown makes Receive return ErrNoMoreData.
func (h *Handle) Shutdown() error {
	h.shutdown.Do(func() { close(h.shutdownCh) })
	return nil
}

// Close closes the input and flushes the output file.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.Shutdown()
	h.in.Close()
	if h.sink != nil {
		return h.sink.Close()
	}
	return nil
}
