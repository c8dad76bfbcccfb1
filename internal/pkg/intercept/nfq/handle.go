package nfq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"github.com/endorses/lagswitch/internal/pkg/intercept"
	"github.com/google/gopacket"
)

// verdicter is the part of the netlink queue a Handle issues verdicts on.
type verdicter interface {
	SetVerdict(id uint32, verdict int) error
	Close() error
}

type packet struct {
	id   uint32
	data []byte
	ci   gopacket.CaptureInfo
}

// Handle is an open NFQUEUE session. Packets arrive from the netlink hook
// through a channel and stay queued in the kernel until Send accepts them.
type Handle struct {
	q      verdicter
	accept int

	ctx     context.Context
	cancel  context.CancelFunc
	packets chan packet
	errs    chan error

	// pending is only touched by the receiving goroutine.
	pending *packet
	closed  atomic.Bool
	rules   *rules
}

var _ intercept.Handle = &Handle{}

func newHandle(q verdicter, accept, buffer int) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		q:       q,
		accept:  accept,
		ctx:     ctx,
		cancel:  cancel,
		packets: make(chan packet, buffer),
		errs:    make(chan error, 1),
	}
}

// enqueue hands a packet from the hook to Receive. It returns false once the
// handle is shut down, in which case the caller must issue the verdict.
func (h *Handle) enqueue(p packet) bool {
	if h.ctx.Err() != nil {
		return false
	}
	select {
	case h.packets <- p:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// fail reports a terminal netlink error to Receive.
func (h *Handle) fail(err error) {
	select {
	case h.errs <- err:
	default:
	}
}

// Receive returns the next diverted packet.
func (h *Handle) Receive(buf []byte) (int, intercept.Metadata, error) {
	var p packet
	if h.pending != nil {
		p = *h.pending
		h.pending = nil
	} else {
		select {
		case <-h.ctx.Done():
			return 0, intercept.Metadata{}, intercept.ErrNoMoreData
		case err := <-h.errs:
			return 0, intercept.Metadata{}, fmt.Errorf("nfqueue: %w", err)
		case p = <-h.packets:
		}
	}

	n, err := intercept.CopyPacket(buf, p.data)
	if err != nil {
		h.pending = &p
		return 0, intercept.Metadata{}, err
	}
	return n, intercept.Metadata{ID: p.id, CaptureInfo: p.ci}, nil
}

// Send releases the packet identified by md.ID with an accept verdict. The
// kernel still holds the original bytes, so data is not re-sent.
func (h *Handle) Send(data []byte, md intercept.Metadata) error {
	if h.closed.Load() {
		return intercept.ErrHandleClosed
	}
	if err := h.q.SetVerdict(md.ID, h.accept); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
			return fmt.Errorf("%w: %w", intercept.ErrHandleClosed, err)
		}
		return fmt.Errorf("set verdict for packet %d: %w", md.ID, err)
	}
	return nil
}

// Shutdown makes Receive return ErrNoMoreData.
func (h *Handle) Shutdown() error {
	h.cancel()
	return nil
}

// Close removes the steering rules, accepts every packet the engine never
// took and unbinds the queue.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.cancel()

	var errs []error
	if h.rules != nil {
		errs = append(errs, h.rules.remove())
	}

	if h.pending != nil {
		errs = append(errs, h.q.SetVerdict(h.pending.id, h.accept))
		h.pending = nil
	}
drain:
	for {
		select {
		case p := <-h.packets:
			errs = append(errs, h.q.SetVerdict(p.id, h.accept))
		default:
			break drain
		}
	}

	errs = append(errs, h.q.Close())
	return errors.Join(errs...)
}
