package delayer

import (
	"errors"
	"fmt"

	"github.com/endorses/lagswitch/internal/pkg/delayqueue"
	"github.com/endorses/lagswitch/internal/pkg/intercept"
)

var errPacketTooLarge = errors.New("packet exceeds maximum buffer size")

// receiveLoop pulls packets from the interception handle into the queue
// until the handle is shut down or fails.
func (d *Delayer) receiveLoop(cycleID string) {
	defer d.wg.Done()
	defer d.receiving.Store(false)

	log := d.log.With("component", "receiver", "cycle_id", cycleID)
	log.Debug("Receiver loop started")

	buf := make([]byte, d.cfg.InitialBufferSize)
	recalibrating := false
	oldSize := len(buf)

	for {
		if d.shouldStop() {
			log.Info("Receiver loop closing")
			return
		}

		h := d.getHandle()
		n, md, err := h.Receive(buf)
		if err != nil {
			switch {
			case errors.Is(err, intercept.ErrBufferTooSmall):
				if len(buf) >= d.cfg.MaxBufferSize {
					err = fmt.Errorf("%w (%d bytes): %w", errPacketTooLarge, d.cfg.MaxBufferSize, err)
					break
				}
				if !recalibrating {
					log.Info("Recalibrating packet buffer size", "size", len(buf))
					oldSize = len(buf)
					recalibrating = true
				}
				buf = make([]byte, min(len(buf)*2, d.cfg.MaxBufferSize))
				log.Debug("Changed packet buffer size", "size", len(buf))
				continue

			case errors.Is(err, intercept.ErrNoMoreData):
				log.Info("Receiver loop closing, no more data")
				return
			}

			d.dataMu.Lock()
			d.acct.receiveFailed()
			d.dataMu.Unlock()

			log.Error("Receive failed, closing receiver loop", "error", err)
			d.degrade("receiver", err)
			return
		}

		if recalibrating {
			log.Info("Recalibrated packet buffer size", "old_size", oldSize, "new_size", len(buf), "packet_size", n)
			recalibrating = false
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		rec := delayqueue.PacketRecord{
			Payload:    payload,
			Metadata:   md,
			CapturedAt: d.cfg.Now(),
		}

		d.dataMu.Lock()
		d.queue.Append(rec)
		d.acct.received()
		d.dataMu.Unlock()
	}
}
