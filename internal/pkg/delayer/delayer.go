// Package delayer implements the delay engine: it diverts the packets of one
// flow, holds each one for a fixed latency and re-injects them in arrival
// order while accounting for every packet it touched.
package delayer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/constants"
	"github.com/endorses/lagswitch/internal/pkg/delayqueue"
	"github.com/endorses/lagswitch/internal/pkg/intercept"
	"github.com/endorses/lagswitch/internal/pkg/logger"
	"github.com/google/uuid"
)

var (
	ErrNotInitialized  = errors.New("delayer must be initialized before use")
	ErrAlreadyActive   = errors.New("delayer is already active")
	ErrAlreadyInactive = errors.New("delayer is already inactive")
	ErrInvalidLatency  = errors.New("latency must be greater than zero")
)

// State is the activation state of a Delayer.
type State int32

const (
	Uninitialized State = iota
	Inactive
	Active
	// Deactivating is held while Deactivate waits for the loops to exit.
	Deactivating
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case Deactivating:
		return "deactivating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config tunes the engine loops and exposes hooks for observers.
type Config struct {
	SenderPollInterval time.Duration
	ReportInterval     time.Duration
	ReportWaitSlice    time.Duration
	InitialBufferSize  int
	MaxBufferSize      int

	// OnReport is called by the reporter after each report is logged.
	OnReport func(Report)
	// OnRelease is called by the sender for every packet injected
	// successfully. It runs under the data lock and must not block.
	OnRelease func(rec delayqueue.PacketRecord, releasedAt time.Time)

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		SenderPollInterval: constants.SenderPollInterval,
		ReportInterval:     constants.ReportInterval,
		ReportWaitSlice:    constants.ReportWaitSlice,
		InitialBufferSize:  constants.DefaultPacketBufferSize,
		MaxBufferSize:      constants.MaxPacketBufferSize,
	}
}

func (c *Config) withDefaults() Config {
	out := *c
	def := DefaultConfig()
	if out.SenderPollInterval <= 0 {
		out.SenderPollInterval = def.SenderPollInterval
	}
	if out.ReportInterval <= 0 {
		out.ReportInterval = def.ReportInterval
	}
	if out.ReportWaitSlice <= 0 || out.ReportWaitSlice > out.ReportInterval {
		out.ReportWaitSlice = min(def.ReportWaitSlice, out.ReportInterval)
	}
	if out.InitialBufferSize <= 0 {
		out.InitialBufferSize = def.InitialBufferSize
	}
	if out.MaxBufferSize < out.InitialBufferSize {
		out.MaxBufferSize = max(def.MaxBufferSize, out.InitialBufferSize)
	}
	if out.Logger == nil {
		out.Logger = logger.With("component", "delayer")
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Health describes whether every worker loop of the current cycle is alive.
// A loop that dies from a terminal error leaves the engine Active but
// degraded until the next Deactivate/Activate.
type Health struct {
	Degraded  bool      `json:"degraded"`
	Component string    `json:"component,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Since     time.Time `json:"since,omitempty"`
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	State     string        `json:"state"`
	CycleID   string        `json:"cycle_id,omitempty"`
	Filter    string        `json:"filter,omitempty"`
	Latency   time.Duration `json:"latency"`
	Receiving bool          `json:"receiving"`
	Counters  Counters      `json:"counters"`
	Health    Health        `json:"health"`
}

// Delayer is the delay engine. One Delayer manages one flow.
type Delayer struct {
	source intercept.Source
	cfg    Config
	log    *slog.Logger

	// ctlMu serializes Init, Activate and Deactivate.
	ctlMu sync.Mutex

	// stateMu guards the activation state and the stop signal. It is never
	// held while a loop touches the queue.
	stateMu  sync.Mutex
	state    State
	stopping bool
	stopCh   chan struct{}
	cycleID  string
	spec     intercept.FilterSpec
	filter   string

	handleMu sync.Mutex
	handle   intercept.Handle

	// dataMu guards the queue together with the counters.
	dataMu sync.Mutex
	queue  *delayqueue.Queue
	acct   accounting

	healthMu sync.Mutex
	health   Health

	latency   atomic.Int64
	receiving atomic.Bool
	wg        sync.WaitGroup
}

// New creates an engine that intercepts through source. A nil config uses
// DefaultConfig.
func New(source intercept.Source, config *Config) *Delayer {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := config.withDefaults()
	return &Delayer{
		source: source,
		cfg:    cfg,
		log:    cfg.Logger,
		queue:  delayqueue.New(),
	}
}

// Init configures the flow and latency and resets all counters. It is valid
// while the engine is not active.
func (d *Delayer) Init(spec intercept.FilterSpec, latency time.Duration) error {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()

	if d.State() == Active {
		return ErrAlreadyActive
	}
	if latency <= 0 {
		return ErrInvalidLatency
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	filter, err := d.source.Filter(spec)
	if err != nil {
		return fmt.Errorf("build %s filter: %w", d.source.Name(), err)
	}

	d.dataMu.Lock()
	d.acct.reset()
	d.queue = delayqueue.New()
	d.dataMu.Unlock()

	d.latency.Store(int64(latency))

	d.stateMu.Lock()
	d.spec = spec
	d.filter = filter
	d.state = Inactive
	d.stateMu.Unlock()

	d.log.Debug("Initialized delayer",
		"flow", spec.String(),
		"filter", filter,
		"backend", d.source.Name(),
		"latency_ms", latency.Milliseconds())
	return nil
}

// Activate opens the interception handle and starts the receiver, sender
// and reporter loops.
func (d *Delayer) Activate() error {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()

	d.stateMu.Lock()
	state, filter := d.state, d.filter
	d.stateMu.Unlock()

	switch state {
	case Uninitialized:
		return ErrNotInitialized
	case Active:
		return ErrAlreadyActive
	}

	d.log.Debug("Opening interception handle", "backend", d.source.Name(), "filter", filter)
	h, err := d.source.Open(filter)
	if err != nil {
		err = intercept.ClassifyOpenError(err)
		if errors.Is(err, intercept.ErrAccessDenied) {
			d.log.Error("Diverting packets requires elevated privileges, run as root or with CAP_NET_ADMIN",
				"backend", d.source.Name(), "error", err)
		}
		return fmt.Errorf("open %s handle: %w", d.source.Name(), err)
	}

	d.handleMu.Lock()
	d.handle = h
	d.handleMu.Unlock()

	d.dataMu.Lock()
	d.acct.reset()
	d.queue = delayqueue.New()
	d.dataMu.Unlock()

	d.healthMu.Lock()
	d.health = Health{}
	d.healthMu.Unlock()

	stop := make(chan struct{})
	cycleID := uuid.NewString()

	d.stateMu.Lock()
	d.stopping = false
	d.stopCh = stop
	d.cycleID = cycleID
	d.stateMu.Unlock()

	d.receiving.Store(true)
	d.wg.Add(3)
	go d.receiveLoop(cycleID)
	go d.sendLoop(stop)
	go d.reportLoop(stop, cycleID)

	d.stateMu.Lock()
	d.state = Active
	d.stateMu.Unlock()

	d.log.Info("Delayer activated",
		"cycle_id", cycleID,
		"flow", d.spec.String(),
		"latency_ms", d.Latency().Milliseconds())
	return nil
}

// Deactivate stops the loops, releases the interception handle and returns
// the engine to Inactive. Packets still buffered are discarded and counted
// as dropped. A failure to close the handle is returned, but the engine is
// Inactive either way.
func (d *Delayer) Deactivate() error {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()

	return d.deactivate()
}

// deactivate does the work of Deactivate. Caller holds ctlMu.
func (d *Delayer) deactivate() error {
	d.stateMu.Lock()
	switch d.state {
	case Uninitialized:
		d.stateMu.Unlock()
		return ErrNotInitialized
	case Inactive:
		d.stateMu.Unlock()
		return ErrAlreadyInactive
	}
	d.stopping = true
	close(d.stopCh)
	d.state = Deactivating
	cycleID := d.cycleID
	d.stateMu.Unlock()

	h := d.getHandle()
	if err := h.Shutdown(); err != nil {
		d.log.Error("Failed to shut down interception handle", "error", err)
	}

	d.wg.Wait()
	d.log.Debug("Worker loops joined", "cycle_id", cycleID)

	d.stateMu.Lock()
	d.stopping = false
	d.stateMu.Unlock()

	d.dataMu.Lock()
	leftover := d.queue.Drain()
	d.acct.dropped(len(leftover))
	totals := d.acct.snapshot()
	d.dataMu.Unlock()

	closeErr := h.Close()
	d.handleMu.Lock()
	d.handle = nil
	d.handleMu.Unlock()

	d.stateMu.Lock()
	d.state = Inactive
	d.stateMu.Unlock()

	if len(leftover) > 0 {
		d.log.Warn("Discarded buffered packets on deactivation", "cycle_id", cycleID, "count", len(leftover))
	}
	if closeErr != nil {
		d.log.Error("Failed to close interception handle", "cycle_id", cycleID, "error", closeErr)
		return fmt.Errorf("close %s handle: %w", d.source.Name(), closeErr)
	}

	d.log.Info("Delayer deactivated",
		"cycle_id", cycleID,
		"received", totals.Received,
		"sent", totals.Sent,
		"dropped", totals.Dropped)
	return nil
}

// Toggle activates an inactive engine and deactivates an active one.
func (d *Delayer) Toggle() error {
	if d.IsActive() {
		return d.Deactivate()
	}
	return d.Activate()
}

// Close disposes of the engine, deactivating it first if it is active.
func (d *Delayer) Close() error {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()

	if d.State() != Active {
		return nil
	}
	d.log.Debug("Delayer was active on close, deactivating")
	return d.deactivate()
}

// State returns the activation state.
func (d *Delayer) State() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

// IsActive reports whether the engine is active.
func (d *Delayer) IsActive() bool {
	return d.State() == Active
}

// Latency returns the configured latency.
func (d *Delayer) Latency() time.Duration {
	return time.Duration(d.latency.Load())
}

// SetLatency changes the latency of an initialized engine. It applies to the
// next sender batch, including packets already buffered.
func (d *Delayer) SetLatency(latency time.Duration) error {
	if latency <= 0 {
		return ErrInvalidLatency
	}
	if d.State() == Uninitialized {
		return ErrNotInitialized
	}
	old := time.Duration(d.latency.Swap(int64(latency)))
	if old != latency {
		d.log.Info("Latency changed", "old_ms", old.Milliseconds(), "new_ms", latency.Milliseconds())
	}
	return nil
}

// Health returns the health of the current cycle.
func (d *Delayer) Health() Health {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()
	return d.health
}

// Stats returns a snapshot of the engine.
func (d *Delayer) Stats() Snapshot {
	d.dataMu.Lock()
	counters := d.acct.snapshot()
	d.dataMu.Unlock()

	d.stateMu.Lock()
	s := Snapshot{
		State:   d.state.String(),
		CycleID: d.cycleID,
		Filter:  d.filter,
	}
	d.stateMu.Unlock()

	s.Latency = d.Latency()
	s.Receiving = d.receiving.Load()
	s.Counters = counters
	s.Health = d.Health()
	return s
}

// shouldStop reports whether the loops were asked to stop.
func (d *Delayer) shouldStop() bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.stopping
}

func (d *Delayer) getHandle() intercept.Handle {
	d.handleMu.Lock()
	defer d.handleMu.Unlock()
	return d.handle
}

// degrade marks the cycle unhealthy after a worker loop died.
func (d *Delayer) degrade(component string, err error) {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()
	if d.health.Degraded {
		return
	}
	d.health = Health{
		Degraded:  true,
		Component: component,
		Reason:    err.Error(),
		Since:     d.cfg.Now(),
	}
}

// pause waits for total, checking the stop signal every slice. It returns
// false as soon as a stop is observed.
func (d *Delayer) pause(stop <-chan struct{}, total, slice time.Duration) bool {
	timer := time.NewTimer(slice)
	defer timer.Stop()

	for waited := time.Duration(0); waited < total; waited += slice {
		if d.shouldStop() {
			return false
		}
		timer.Reset(min(slice, total-waited))
		select {
		case <-stop:
			return false
		case <-timer.C:
		}
	}
	return !d.shouldStop()
}
