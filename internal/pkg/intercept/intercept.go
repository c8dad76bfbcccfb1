// Package intercept defines the boundary between the delay engine and the
// packet interception backends that divert and re-inject traffic.
package intercept

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/gopacket"
)

var (
	// ErrAccessDenied is returned by Open when the process lacks the privileges
	// needed to divert traffic.
	ErrAccessDenied = errors.New("access denied")

	// ErrOpenFailed is returned by Open for any other failure to obtain a handle.
	ErrOpenFailed = errors.New("failed to open interception handle")

	// ErrBufferTooSmall is returned by Receive when the pending packet does not
	// fit the supplied buffer. The packet stays pending for the next call.
	ErrBufferTooSmall = errors.New("buffer too small for packet")

	// ErrNoMoreData is returned by Receive once the handle has been shut down
	// or the source is exhausted.
	ErrNoMoreData = errors.New("no more data")

	// ErrInvalidParameter is returned by Send when the packet or its metadata
	// can never be injected by this handle.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrHandleClosed is returned by any operation on a closed handle.
	ErrHandleClosed = errors.New("handle closed")
)

// Metadata is the capture context a backend attaches to a received packet and
// needs back to re-inject it.
type Metadata struct {
	// ID identifies the packet inside the backend (the NFQUEUE packet id).
	ID uint32
	// CaptureInfo carries the wire timestamp and lengths reported by the backend.
	CaptureInfo gopacket.CaptureInfo
}

// Handle is an open interception session.
type Handle interface {
	// Receive blocks until a packet is available and copies it into buf.
	Receive(buf []byte) (int, Metadata, error)
	// Send re-injects a previously received packet.
	Send(data []byte, md Metadata) error
	// Shutdown unblocks a pending Receive, which then returns ErrNoMoreData.
	// Send keeps working until Close.
	Shutdown() error
	// Close releases the handle.
	Close() error
}

// Source opens interception handles for a backend.
type Source interface {
	// Name identifies the backend in logs.
	Name() string
	// Filter builds the backend filter expression for a flow.
	Filter(spec FilterSpec) (string, error)
	// Open starts intercepting the traffic selected by filter.
	Open(filter string) (Handle, error)
}

// IsFatal reports whether a Send error means the handle can no longer inject
// packets at all.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidParameter) || errors.Is(err, ErrHandleClosed)
}

// CopyPacket copies data into buf, or reports ErrBufferTooSmall when it
// does not fit.
func CopyPacket(buf, data []byte) (int, error) {
	if len(data) > len(buf) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, len(data), len(buf))
	}
	return copy(buf, data), nil
}

// ClassifyOpenError wraps a backend open failure as ErrAccessDenied or
// ErrOpenFailed.
func ClassifyOpenError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrOpenFailed) {
		return err
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}
	// libpcap and iptables only report permission problems as text
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "don't have permission") {
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}
	return fmt.Errorf("%w: %w", ErrOpenFailed, err)
}
