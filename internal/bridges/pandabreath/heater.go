package pandabreath

import (
	"context"
	"math"
	"sync"
	"time"
)

// Heater defaults.
const (
	DefaultPollInterval  = time.Second
	DefaultStaleAfter    = 60 * time.Second
	DefaultBusyTolerance = 2.0
)

// HeaterConfig holds the poller and thermostat settings.
type HeaterConfig struct {
	// PollInterval is how often Run drains the queue. Default: 1s.
	PollInterval time.Duration

	// StaleAfter is how long without a reading before a warning. Default: 60s.
	StaleAfter time.Duration

	// BusyTolerance is how far from target, in degrees, still counts as
	// heating. Default: 2.
	BusyTolerance float64

	// QueueSize is the reading buffer size. Default: DefaultQueueSize.
	QueueSize int
}

// TargetSetter is the part of a Transport the heater drives.
type TargetSetter interface {
	SetTarget(degrees float64)
}

// Status is the heater state exposed to the bus and the API.
type Status struct {
	Temperature float64    `json:"temperature"`
	Target      float64    `json:"target"`
	Power       float64    `json:"power"`
	Busy        bool       `json:"busy"`
	Stale       bool       `json:"stale"`
	LastReading *time.Time `json:"last_reading,omitempty"`
}

// Heater owns the canonical chamber temperature and target.
//
// A transport feeds it through Enqueue from its worker goroutine. Poll,
// usually driven by Run, drains the queue, applies the newest reading and
// watches for the feed going stale. Readers such as the API may call
// Temperature, Status and CheckBusy from any goroutine.
type Heater struct {
	cfg       HeaterConfig
	queue     *Queue
	logger    Logger
	transport TargetSetter

	mu          sync.RWMutex
	current     float64
	target      float64
	lastSeen    time.Time // zero until the first reading
	lastReading time.Time
	stale       bool

	observersMu sync.RWMutex
	observers   []func(Status)
}

// NewHeater creates a heater with an empty queue. Bind a transport before
// calling SetTarget.
func NewHeater(cfg HeaterConfig, logger Logger) *Heater {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.BusyTolerance <= 0 {
		cfg.BusyTolerance = DefaultBusyTolerance
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Heater{
		cfg:    cfg,
		queue:  NewQueue(cfg.QueueSize),
		logger: logger,
	}
}

// Handlers returns transport handlers that feed this heater.
func (h *Heater) Handlers() Handlers {
	return Handlers{
		OnMessage: h.Enqueue,
		// Loss of the link shows up as a stale temperature; nothing to do here.
		OnDisconnect: func() {},
	}
}

// Bind sets the transport that receives target changes.
func (h *Heater) Bind(t TargetSetter) {
	h.mu.Lock()
	h.transport = t
	h.mu.Unlock()
}

// OnUpdate registers fn to be called with the new status after a reading is
// applied, a target is set or the feed goes stale. fn runs on the goroutine
// that caused the change, usually the poll loop, and must not block.
func (h *Heater) OnUpdate(fn func(Status)) {
	h.observersMu.Lock()
	h.observers = append(h.observers, fn)
	h.observersMu.Unlock()
}

// Enqueue queues a reading. It is the transport's OnMessage and never blocks.
func (h *Heater) Enqueue(r Reading) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	h.queue.Push(r)
}

// Poll drains queued readings and checks for staleness at time now.
//
// The newest drained reading becomes the current temperature. If a reading
// has ever arrived and more than StaleAfter has passed since the last one,
// a single warning is logged and the marker moves to now, so the next
// warning needs another full window.
//
// Returns true if a new reading was applied.
func (h *Heater) Poll(now time.Time) bool {
	last, n := h.queue.Drain()

	h.mu.Lock()
	if n > 0 {
		h.current = last.Value
		h.lastSeen = last.At
		h.lastReading = last.At
		h.stale = false
	}

	var silent time.Duration
	if !h.lastSeen.IsZero() && now.Sub(h.lastSeen) > h.cfg.StaleAfter {
		silent = now.Sub(h.lastSeen)
		h.lastSeen = now
		h.stale = true
	}
	status := h.statusLocked()
	h.mu.Unlock()

	if silent > 0 {
		h.logger.Warn("no temperature update from panda breath",
			"seconds", math.Round(silent.Seconds()))
	}
	if n > 0 || silent > 0 {
		h.notify(status)
	}
	return n > 0
}

// Run polls every PollInterval until ctx is cancelled. The first poll runs
// immediately.
func (h *Heater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	h.Poll(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.Poll(now)
		}
	}
}

// SetTarget records degrees as the target and forwards it to the
// transport. degrees <= 0 turns the heater off.
func (h *Heater) SetTarget(degrees float64) {
	h.mu.Lock()
	h.target = degrees
	t := h.transport
	status := h.statusLocked()
	h.mu.Unlock()

	if t != nil {
		t.SetTarget(degrees)
	}
	h.notify(status)
}

// Temperature returns the current and target temperatures.
func (h *Heater) Temperature() (current, target float64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current, h.target
}

// CheckBusy reports whether the chamber is still heating toward its target:
// false when off, otherwise true while more than BusyTolerance away.
func (h *Heater) CheckBusy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.busyLocked()
}

// Status returns the current heater status.
func (h *Heater) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

// QueueEvictions returns how many readings were dropped before a poll.
func (h *Heater) QueueEvictions() uint64 {
	return h.queue.Evicted()
}

func (h *Heater) busyLocked() bool {
	if h.target <= 0 {
		return false
	}
	return math.Abs(h.current-h.target) > h.cfg.BusyTolerance
}

func (h *Heater) statusLocked() Status {
	s := Status{
		Temperature: math.Round(h.current*100) / 100, //nolint:mnd
		Target:      h.target,
		Busy:        h.busyLocked(),
		Stale:       h.stale,
	}
	if !h.lastReading.IsZero() {
		at := h.lastReading
		s.LastReading = &at
	}
	return s
}

func (h *Heater) notify(s Status) {
	h.observersMu.RLock()
	observers := h.observers
	h.observersMu.RUnlock()

	for _, fn := range observers {
		fn(s)
	}
}
