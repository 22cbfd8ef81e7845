package pandabreath

import (
	"context"
	"errors"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// State is a transport's position in its connection loop.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateStreaming
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats holds operational statistics for a transport.
type Stats struct {
	Connects      uint64    `json:"connects"`
	Disconnects   uint64    `json:"disconnects"`
	MessagesRx    uint64    `json:"messages_rx"` // frames or packets
	Readings      uint64    `json:"readings"`
	ParseDrops    uint64    `json:"parse_drops"`
	CommandsTx    uint64    `json:"commands_tx"`
	LastConnect   time.Time `json:"last_connect"`
	Connected     bool      `json:"connected"`
	TargetDegrees float64   `json:"target"`
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// protocol is the per-firmware conversation spoken over one link.
type protocol interface {
	// handshake negotiates the session on a fresh link.
	handshake(l *link) error

	// sendTarget writes the command for degrees.
	sendTarget(l *link, degrees float64) error

	// stream receives until the link fails. It always returns a non-nil error.
	stream(l *link) error

	// goodbye returns bytes to send before a deliberate close, or nil.
	goodbye() []byte
}

// worker runs the connection loop shared by both transports:
//
//	Connecting -> Handshaking -> Streaming -> Backoff -> Connecting ...
//
// The retry delay is fixed and retries are unbounded. The heater is an
// always-on peripheral and the controller must keep reaching for it.
type worker struct {
	name     string
	host     string
	port     int
	cfg      TransportConfig
	handlers Handlers
	logger   Logger
	proto    protocol

	state   atomic.Int32
	target  atomic.Uint64 // math.Float64bits of the desired target
	started atomic.Bool

	// sendMu makes "store or load the desired target, then send it" one
	// step, so the last command on the wire is always the desired target.
	sendMu sync.Mutex

	// current is the link being set up or streamed; streaming marks it
	// usable for SetTarget.
	linkMu    sync.Mutex
	current   *link
	streaming bool

	done   *closeOnce
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connects    atomic.Uint64
	disconnects atomic.Uint64
	messagesRx  atomic.Uint64
	readings    atomic.Uint64
	parseDrops  atomic.Uint64
	commandsTx  atomic.Uint64
	lastConnect atomic.Int64
}

func newWorker(name, host string, port int, cfg TransportConfig, h Handlers, logger Logger) *worker {
	if logger == nil {
		logger = nopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		name:     name,
		host:     host,
		port:     port,
		cfg:      cfg,
		handlers: h,
		logger:   logger,
		done:     newCloseOnce(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the connection loop in its own goroutine.
func (w *worker) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if w.stopped() {
		return nil
	}
	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop signals the loop to exit, unblocks any pending dial or read by
// closing the connection, and waits for the worker goroutine.
func (w *worker) Stop() {
	w.done.Close()
	w.cancel()

	w.linkMu.Lock()
	l, streaming := w.current, w.streaming
	w.linkMu.Unlock()

	if l != nil {
		if bye := w.proto.goodbye(); streaming && bye != nil {
			_ = l.write(bye) //nolint:errcheck // best effort during shutdown
		}
		_ = l.close() //nolint:errcheck // best effort during shutdown
	}

	w.wg.Wait()
	w.setState(StateStopped)
}

// SetTarget stores degrees as the desired target and sends it right away
// when a session is streaming. Otherwise it is sent after the next connect.
func (w *worker) SetTarget(degrees float64) {
	if math.IsNaN(degrees) || math.IsInf(degrees, 0) {
		w.logger.Warn("ignoring non-finite target", "transport", w.name)
		return
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	w.target.Store(math.Float64bits(degrees))

	l := w.streamingLink()
	if l == nil {
		w.logger.Debug("not connected, target will be sent on connect",
			"transport", w.name, "target", degrees)
		return
	}
	if err := w.proto.sendTarget(l, degrees); err != nil {
		w.logger.Warn("failed to send target", "transport", w.name, "target", degrees, "error", err)
		return
	}
	w.commandsTx.Add(1)
	w.logger.Debug("target sent", "transport", w.name, "target", degrees)
}

// State returns the current connection state.
func (w *worker) State() State {
	return State(w.state.Load())
}

// Stats returns a snapshot of the transport counters.
func (w *worker) Stats() Stats {
	s := Stats{
		Connects:      w.connects.Load(),
		Disconnects:   w.disconnects.Load(),
		MessagesRx:    w.messagesRx.Load(),
		Readings:      w.readings.Load(),
		ParseDrops:    w.parseDrops.Load(),
		CommandsTx:    w.commandsTx.Load(),
		Connected:     w.State() == StateStreaming,
		TargetDegrees: w.desired(),
	}
	if ns := w.lastConnect.Load(); ns != 0 {
		s.LastConnect = time.Unix(0, ns)
	}
	return s
}

func (w *worker) desired() float64 {
	return math.Float64frombits(w.target.Load())
}

func (w *worker) stopped() bool {
	select {
	case <-w.done.Done():
		return true
	default:
		return false
	}
}

func (w *worker) setState(s State) {
	w.state.Store(int32(s))
}

func (w *worker) address() string {
	return net.JoinHostPort(w.host, strconv.Itoa(w.port))
}

// run is the connection loop.
func (w *worker) run() {
	defer w.wg.Done()
	defer w.setState(StateStopped)

	for !w.stopped() {
		err := w.attempt()
		if w.stopped() {
			return
		}
		w.connectionLost(err)

		w.setState(StateBackoff)
		timer := time.NewTimer(w.cfg.ReconnectDelay)
		select {
		case <-w.done.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// attempt runs one connect, handshake and stream cycle and returns the
// error that ended it.
func (w *worker) attempt() error {
	w.setState(StateConnecting)
	l, err := w.dial()
	if err != nil {
		return err
	}
	defer w.release(l)

	w.setState(StateHandshaking)
	if err := l.conn.SetDeadline(time.Now().Add(w.cfg.ConnectTimeout)); err != nil {
		return err
	}
	if err := w.proto.handshake(l); err != nil {
		return err
	}
	if err := l.conn.SetDeadline(time.Time{}); err != nil {
		return err
	}

	w.linkMu.Lock()
	w.streaming = true
	w.linkMu.Unlock()

	w.connects.Add(1)
	w.lastConnect.Store(time.Now().UnixNano())
	w.setState(StateStreaming)
	w.logger.Info("panda breath connected", "transport", w.name, "address", w.address())

	w.resync(l)
	return w.proto.stream(l)
}

// dial resolves the host and opens the TCP connection. The link is
// registered as current before returning so Stop can close it mid-handshake.
func (w *worker) dial() (*link, error) {
	host := w.host
	if w.cfg.Resolver != nil {
		resolved, err := w.cfg.Resolver.Resolve(w.ctx, host)
		if err != nil {
			w.logger.Debug("host lookup failed, dialing name as configured",
				"transport", w.name, "host", host, "error", err)
		} else {
			host = resolved
		}
	}

	d := net.Dialer{Timeout: w.cfg.ConnectTimeout}
	conn, err := d.DialContext(w.ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(w.port)))
	if err != nil {
		return nil, err
	}

	l := newLink(conn, w.cfg.WriteTimeout)
	w.linkMu.Lock()
	defer w.linkMu.Unlock()
	if w.stopped() {
		_ = conn.Close() //nolint:errcheck // stopping
		return nil, context.Canceled
	}
	w.current = l
	return l, nil
}

// release forgets l and closes it.
func (w *worker) release(l *link) {
	w.linkMu.Lock()
	if w.current == l {
		w.current = nil
		w.streaming = false
	}
	w.linkMu.Unlock()
	_ = l.close() //nolint:errcheck // connection is being discarded
}

func (w *worker) streamingLink() *link {
	w.linkMu.Lock()
	defer w.linkMu.Unlock()
	if !w.streaming {
		return nil
	}
	return w.current
}

// resync sends the desired target on a fresh session before any inbound
// data is processed, so the device matches the controller after every drop.
func (w *worker) resync(l *link) {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	target := w.desired()
	if err := w.proto.sendTarget(l, target); err != nil {
		w.logger.Warn("failed to resend target after connect",
			"transport", w.name, "target", target, "error", err)
		return
	}
	w.commandsTx.Add(1)
	w.logger.Debug("target resent after connect", "transport", w.name, "target", target)
}

// connectionLost logs err and notifies OnDisconnect.
func (w *worker) connectionLost(err error) {
	w.disconnects.Add(1)
	if errors.Is(err, ErrPeerClosed) {
		w.logger.Info("panda breath closed the connection, reconnecting",
			"transport", w.name, "delay", w.cfg.ReconnectDelay)
	} else {
		w.logger.Warn("panda breath connection error, reconnecting",
			"transport", w.name, "address", w.address(), "error", err, "delay", w.cfg.ReconnectDelay)
	}

	if w.handlers.OnDisconnect == nil {
		return
	}
	defer w.recoverHandler("on_disconnect")
	w.handlers.OnDisconnect()
}

// deliver hands a reading to OnMessage.
func (w *worker) deliver(r Reading) {
	w.readings.Add(1)
	if w.handlers.OnMessage == nil {
		return
	}
	defer w.recoverHandler("on_message")
	w.handlers.OnMessage(r)
}

// dropped counts and logs a payload that did not yield a reading.
func (w *worker) dropped(reason string, err error) {
	w.parseDrops.Add(1)
	w.logger.Debug("ignoring device payload", "transport", w.name, "reason", reason, "error", err)
}

func (w *worker) recoverHandler(name string) {
	if r := recover(); r != nil {
		w.logger.Error("panic in transport handler", "transport", w.name, "handler", name, "panic", r)
	}
}
