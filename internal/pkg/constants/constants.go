// Package constants provides shared constants used across lagswitch components.
package constants

import "time"

// Engine loop timing
const (
	// SenderPollInterval is how often the sender looks for expired packets.
	// It must stay small relative to the configured latencies.
	SenderPollInterval = 10 * time.Millisecond

	// ReportInterval is the cadence of the throughput report.
	ReportInterval = 1 * time.Second

	// ReportWaitSlice bounds how long the reporter can take to notice a
	// shutdown request while waiting for the next report.
	ReportWaitSlice = 50 * time.Millisecond

	// ToggleDebounce ignores repeated toggle requests arriving closer than this.
	ToggleDebounce = 50 * time.Millisecond
)

// Shutdown and graceful termination timeouts
const (
	// GracefulShutdownTimeout is the time to wait for graceful component shutdown
	GracefulShutdownTimeout = 2 * time.Second

	// ReplayPollInterval is how often replay checks whether the engine has
	// released every packet read from the file.
	ReplayPollInterval = 20 * time.Millisecond
)

// Packet buffer sizes
const (
	// DefaultPacketBufferSize is the initial receive buffer. The receiver
	// doubles it whenever a packet does not fit.
	DefaultPacketBufferSize = 1500

	// MaxPacketBufferSize caps buffer growth. A packet that needs more is
	// treated as a receive failure.
	MaxPacketBufferSize = 256 * 1024

	// MaxSnapshotLen is the snapshot length for pcap handles and record files.
	MaxSnapshotLen = 65536
)

// Channel buffer sizes
//
// 1. Single-item buffers (size = 1): OS signals and error channels that must
//    never block the sender.
// 2. Large buffers (size = 1000+): packet paths that must absorb bursts.
const (
	// SignalChannelBuffer is the buffer size for OS signal channels
	SignalChannelBuffer = 1

	// ToggleChannelBuffer is the buffer size for toggle request channels
	ToggleChannelBuffer = 1

	// PCAPWriteQueueBuffer is the buffer size for the PCAP writer queue.
	// Released packets are recorded from inside the sender's critical section,
	// so the queue must never block.
	PCAPWriteQueueBuffer = 1000

	// NFQueueChannelBuffer is the hand-off buffer between the NFQUEUE
	// callback and the receiver loop.
	NFQueueChannelBuffer = 4096
)

// Defaults for configurable settings
const (
	// DefaultQueueNum is the NFQUEUE number used when none is configured.
	DefaultQueueNum = 0

	// DefaultNFQueueMaxLen is the kernel-side NFQUEUE length.
	DefaultNFQueueMaxLen = 4096

	// DefaultPcapTimeout is the pcap read timeout. It bounds how long a
	// shutdown takes to unblock a live receive.
	DefaultPcapTimeout = 200 * time.Millisecond

	// DefaultPcapBufferSize is the kernel buffer size for live capture.
	DefaultPcapBufferSize = 16 * 1024 * 1024

	// DefaultMetricsPort is used when metrics are enabled without a port.
	DefaultMetricsPort = 9464
)
