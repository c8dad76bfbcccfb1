package delayer

// reportLoop logs throughput once per report interval and warns whenever
// reconciliation finds packets that went missing.
func (d *Delayer) reportLoop(stop <-chan struct{}, cycleID string) {
	defer d.wg.Done()

	log := d.log.With("component", "reporter", "cycle_id", cycleID)
	log.Debug("Reporter loop started")

	for {
		r := d.collectReport(cycleID)
		if r.Lossy() {
			log.Warn("Packets dropped",
				"dropped", r.Dropped,
				"received", r.Received,
				"sent", r.Sent,
				"buffered", r.Buffered)
		} else {
			log.Info("Packet report",
				"received", r.Received,
				"sent", r.Sent,
				"buffered", r.Buffered)
		}

		if d.cfg.OnReport != nil {
			d.cfg.OnReport(r)
		}

		if !d.pause(stop, d.cfg.ReportInterval, d.cfg.ReportWaitSlice) {
			log.Info("Reporter loop closing")
			return
		}
	}
}

func (d *Delayer) collectReport(cycleID string) Report {
	d.dataMu.Lock()
	r := d.acct.report(d.cfg.Now())
	d.dataMu.Unlock()

	r.CycleID = cycleID
	return r
}
