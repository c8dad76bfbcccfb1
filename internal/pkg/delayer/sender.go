package delayer

import (
	"log/slog"

	"github.com/endorses/lagswitch/internal/pkg/intercept"
)

// sendLoop periodically re-injects every packet that has been held longer
// than the latency.
func (d *Delayer) sendLoop(stop <-chan struct{}) {
	defer d.wg.Done()

	log := d.log.With("component", "sender")
	log.Debug("Sender loop started")

	for {
		if fatal := d.sendExpired(log); fatal {
			return
		}
		if d.shouldStop() {
			log.Info("Sender loop closing")
			return
		}
		if !d.pause(stop, d.cfg.SenderPollInterval, d.cfg.SenderPollInterval) {
			log.Info("Sender loop closing")
			return
		}
	}
}

// sendExpired sends one batch of expired packets under the data lock. It
// returns true when a fatal send error ended the loop; the rest of that
// batch is counted as dropped without being attempted.
func (d *Delayer) sendExpired(log *slog.Logger) bool {
	h := d.getHandle()

	d.dataMu.Lock()
	defer d.dataMu.Unlock()

	now := d.cfg.Now()
	batch := d.queue.ExtractExpired(now, d.Latency())
	if len(batch) > 0 {
		log.Debug("Sending expired packets", "count", len(batch))
	}

	for i, rec := range batch {
		err := h.Send(rec.Payload, rec.Metadata)
		if err == nil {
			d.acct.sent()
			if d.cfg.OnRelease != nil {
				d.cfg.OnRelease(rec, now)
			}
			batch[i].Payload = nil
			continue
		}

		d.acct.dropped(1)
		batch[i].Payload = nil

		if intercept.IsFatal(err) {
			abandoned := len(batch) - i - 1
			d.acct.dropped(abandoned)
			log.Error("Send failed, closing sender loop", "error", err, "abandoned", abandoned)
			d.degrade("sender", err)
			return true
		}
		log.Warn("Send failed, packet dropped", "error", err, "packet_id", rec.Metadata.ID)
	}
	return false
}
