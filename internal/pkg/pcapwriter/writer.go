// Package pcapwriter records packets to a PCAP file from a background
// goroutine so that callers on hot paths never block on disk I/O.
package pcapwriter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/constants"
	"github.com/endorses/lagswitch/internal/pkg/logger"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	ErrClosed     = errors.New("writer is closed")
	ErrBufferFull = errors.New("write buffer full")
)

// Packet is one record of the file.
type Packet struct {
	CaptureInfo gopacket.CaptureInfo
	Data        []byte
}

// Writer provides a simple interface for writing packets to a PCAP file
type Writer struct {
	filePath   string
	file       *os.File
	writer     *pcapgo.Writer
	packetChan chan Packet
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     atomic.Bool
	syncTicker *time.Ticker

	packetCount  atomic.Int64
	bytesWritten atomic.Int64
	dropped      atomic.Int64
}

// Config for PCAP writer
type Config struct {
	FilePath     string          // Path to PCAP file
	LinkType     layers.LinkType // Link type of every packet written
	Snaplen      uint32          // Snapshot length in the file header
	BufferSize   int             // Channel buffer size
	SyncInterval time.Duration   // How often to sync to disk
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		LinkType:     layers.LinkTypeEthernet,
		Snaplen:      constants.MaxSnapshotLen,
		BufferSize:   constants.PCAPWriteQueueBuffer,
		SyncInterval: 5 * time.Second,
	}
}

// New creates the file, writes its header and starts the write loop.
func New(config *Config) (*Writer, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if config.FilePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	def := DefaultConfig()
	cfg := *config
	if cfg.Snaplen == 0 {
		cfg.Snaplen = def.Snaplen
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}

	file, err := os.Create(cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create PCAP file: %w", err)
	}

	pcapWriter := pcapgo.NewWriter(file)
	if err := pcapWriter.WriteFileHeader(cfg.Snaplen, cfg.LinkType); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write PCAP header: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Writer{
		filePath:   cfg.FilePath,
		file:       file,
		writer:     pcapWriter,
		packetChan: make(chan Packet, cfg.BufferSize),
		ctx:        ctx,
		cancel:     cancel,
		syncTicker: time.NewTicker(cfg.SyncInterval),
	}

	w.wg.Add(1)
	go w.writeLoop()

	logger.Info("Created PCAP writer",
		"file", cfg.FilePath,
		"link_type", cfg.LinkType.String(),
		"buffer_size", cfg.BufferSize)

	return w, nil
}

// WritePacket queues a packet for writing. It never blocks: when the queue
// is full the packet is dropped and ErrBufferFull returned.
func (w *Writer) WritePacket(pkt Packet) error {
	if w.closed.Load() {
		return ErrClosed
	}

	select {
	case w.packetChan <- pkt:
		return nil
	case <-w.ctx.Done():
		return ErrClosed
	default:
		w.dropped.Add(1)
		return ErrBufferFull
	}
}

// writeLoop is the main packet writing goroutine
func (w *Writer) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case pkt := <-w.packetChan:
			if err := w.writePacketToFile(pkt); err != nil {
				logger.Error("Failed to write packet", "error", err, "file", w.filePath)
			}

		case <-w.syncTicker.C:
			w.mu.Lock()
			if w.file != nil {
				w.file.Sync()
			}
			w.mu.Unlock()

		case <-w.ctx.Done():
			w.drainPackets()
			return
		}
	}
}

func (w *Writer) writePacketToFile(pkt Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ci := pkt.CaptureInfo
	if ci.Timestamp.IsZero() {
		ci.Timestamp = time.Now()
	}
	ci.CaptureLength = len(pkt.Data)
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}

	if err := w.writer.WritePacket(ci, pkt.Data); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}

	w.packetCount.Add(1)
	w.bytesWritten.Add(int64(len(pkt.Data)))
	return nil
}

// drainPackets writes whatever is still queued
func (w *Writer) drainPackets() {
	for {
		select {
		case pkt := <-w.packetChan:
			if err := w.writePacketToFile(pkt); err != nil {
				logger.Warn("Failed to write packet during drain", "error", err)
			}
		default:
			return
		}
	}
}

// Close flushes pending packets and closes the file. It is idempotent.
func (w *Writer) Close() error {
	if w.closed.Swap(true) {
		return nil
	}

	logger.Debug("Closing PCAP writer", "file", w.filePath)

	w.cancel()
	w.wg.Wait()
	w.syncTicker.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			logger.Warn("Failed to sync PCAP file", "error", err, "file", w.filePath)
		}
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close PCAP file: %w", err)
		}
		w.file = nil
	}

	logger.Info("Closed PCAP writer",
		"file", w.filePath,
		"packets", w.packetCount.Load(),
		"bytes", w.bytesWritten.Load(),
		"dropped", w.dropped.Load())

	return nil
}

// Stats returns current writer statistics
func (w *Writer) Stats() (packetCount, bytesWritten int64) {
	return w.packetCount.Load(), w.bytesWritten.Load()
}

// Dropped returns how many packets were rejected because the queue was full.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// FilePath returns the file path being written to
func (w *Writer) FilePath() string {
	return w.filePath
}
