// Package supervisor keeps the single backend link alive: it dials when a
// target is configured, sends heartbeats, drops stale links, backs off
// between attempts and rebuilds the link when credentials change.
//
// All state changes happen inside Tick and the explicit setters; transport
// events are queued by the transport and applied at the start of the next
// Tick, so the link is driven from exactly one control loop.
package supervisor

import (
	"errors"
	"sync"
	"time"

	"github.com/jkaberg/evse-sim/internal/config"
	"github.com/jkaberg/evse-sim/internal/netutil"
	"github.com/jkaberg/evse-sim/internal/transport"
	"github.com/sirupsen/logrus"
)

// State of the backend link.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

const (
	eventQueueSize = 128
	// closeGrace bounds how long Closing is reported when the transport
	// never confirms the close.
	closeGrace = 5 * time.Second
)

// ReceiveFunc consumes one inbound frame. A non-nil error is logged as a
// ProtocolViolation.
type ReceiveFunc func(frame []byte) error

// Options are the tunable timings. Zero PingInterval disables heartbeats,
// zero StaleTimeout disables staleness detection.
type Options struct {
	PingInterval      time.Duration
	ReconnectInterval time.Duration
	StaleTimeout      time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		PingInterval:      config.DefaultPingInterval,
		ReconnectInterval: config.DefaultReconnectInterval,
		StaleTimeout:      config.DefaultStaleTimeout,
	}
}

// Status is a point-in-time copy of the runtime state.
type Status struct {
	State         string        `json:"state"`
	URL           string        `json:"url"`
	Generation    Generation    `json:"generation"`
	ConfigError   string        `json:"configError,omitempty"`
	LastAttempt   time.Duration `json:"lastAttemptMs"`
	LastOpen      time.Duration `json:"lastOpenMs"`
	LastReceived  time.Duration `json:"lastReceivedMs"`
	LastHeartbeat time.Duration `json:"lastHeartbeatMs"`
}

// Supervisor owns at most one transport connection.
type Supervisor struct {
	mu      sync.Mutex
	dialer  transport.Dialer
	events  chan transport.Event
	receive ReceiveFunc
	logger  *logrus.Logger
	opts    Options

	cfg        ConnectionConfig
	generation Generation
	dirty      bool
	target     transport.Target
	configErr  error

	state          State
	conn           transport.Conn
	closing        transport.Conn
	closeRequested time.Duration

	attempted     bool
	lastAttempt   time.Duration
	lastOpen      time.Duration
	lastRecv      time.Duration
	lastHeartbeat time.Duration
	lastStatusLog time.Duration
}

// New creates an Idle supervisor. The first Tick derives the target from cfg
// and dials immediately.
func New(cfg ConnectionConfig, opts Options, dialer transport.Dialer, logger *logrus.Logger) *Supervisor {
	return &Supervisor{
		dialer:     dialer,
		events:     make(chan transport.Event, eventQueueSize),
		logger:     logger,
		opts:       opts,
		cfg:        cfg,
		generation: 1,
		dirty:      true,
		state:      StateIdle,
	}
}

// SetReceiveHandler registers the consumer of inbound frames.
func (s *Supervisor) SetReceiveHandler(fn ReceiveFunc) {
	s.mu.Lock()
	s.receive = fn
	s.mu.Unlock()
}

// Tick applies queued transport events and then advances the link state
// machine. It never blocks on the network.
func (s *Supervisor) Tick(now time.Duration) {
	s.poll(now)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.maintainLocked(now)
}

// poll drains the transport event queue. The receive handler runs without
// the lock held so it may call Send.
func (s *Supervisor) poll(now time.Duration) {
	for {
		select {
		case ev := <-s.events:
			s.mu.Lock()
			frame, deliver := s.handleEventLocked(ev, now)
			receive := s.receive
			s.mu.Unlock()

			if deliver && receive != nil {
				if err := receive(frame); err != nil {
					var pv *ProtocolViolation
					if !errors.As(err, &pv) {
						err = &ProtocolViolation{Err: err}
					}
					s.logger.WithError(err).Warn("processing input message failed")
				}
			}
		default:
			return
		}
	}
}

// handleEventLocked applies one event and reports whether a frame must be
// handed to the receive handler.
func (s *Supervisor) handleEventLocked(ev transport.Event, now time.Duration) ([]byte, bool) {
	if ev.Conn == nil || ev.Conn != s.conn {
		s.handleStaleEventLocked(ev)
		return nil, false
	}

	switch ev.Kind {
	case transport.EventOpen:
		s.state = StateOpen
		s.lastOpen = now
		s.lastRecv = now
		s.lastHeartbeat = now
		s.logger.WithFields(logrus.Fields{
			"url":        netutil.CleanURL(s.target.URL),
			"generation": s.generation,
		}).Info("Connected to backend")
	case transport.EventMessage:
		s.lastRecv = now
		s.logger.WithField("size", len(ev.Data)).Debug("Received frame")
		return ev.Data, true
	case transport.EventControl:
		s.lastRecv = now
	case transport.EventError:
		err := &TransportError{Op: "receive", Err: ev.Err}
		if s.state == StateConnecting {
			err.Op = "connect"
		}
		s.logger.WithError(err).Warn("Backend connection failed")
		s.dropLocked(StateIdle)
	case transport.EventClose:
		s.logger.Info("Backend connection ended")
		s.conn = nil
		s.state = StateIdle
	}
	return nil, false
}

// handleStaleEventLocked deals with events from a connection that is no
// longer current, e.g. an attempt that completes after credentials changed.
func (s *Supervisor) handleStaleEventLocked(ev transport.Event) {
	if ev.Conn != nil && ev.Conn == s.closing && ev.Kind == transport.EventClose {
		s.closing = nil
		if s.state == StateClosing {
			s.state = StateIdle
		}
		return
	}
	if ev.Kind == transport.EventOpen && ev.Conn != nil {
		// never resurrect a superseded attempt
		ev.Conn.Close()
	}
	s.logger.WithField("event", ev.Kind.String()).Debug("Discarding event of superseded connection")
}

func (s *Supervisor) maintainLocked(now time.Duration) {
	s.logStatusLocked(now)

	if s.state == StateClosing {
		if s.closeRequested < 0 {
			s.closeRequested = now
		}
		if s.closing == nil || now-s.closeRequested >= closeGrace {
			s.closing = nil
			s.state = StateIdle
		}
	}

	if s.cfg.BackendURL == "" {
		if s.conn != nil {
			s.logger.Info("Closing backend connection")
			s.dropLocked(StateClosing)
		}
		return
	}

	if s.state == StateOpen && s.opts.PingInterval > 0 && now-s.lastHeartbeat >= s.opts.PingInterval {
		s.lastHeartbeat = now
		if err := s.conn.Ping(); err != nil {
			s.logger.WithError(&TransportError{Op: "ping", Err: err}).Debug("Heartbeat not sent")
		}
	}

	if s.state == StateOpen && s.opts.StaleTimeout > 0 && now-s.lastRecv >= s.opts.StaleTimeout {
		s.logger.WithField("silent_for", now-s.lastRecv).Warn("Backend connection stale, closing")
		s.dropLocked(StateIdle)
	}

	if s.conn != nil {
		return
	}

	if s.dirty {
		s.reloadCredentialsLocked()
		s.dirty = false
	}

	if s.target.URL == "" {
		return
	}

	if s.attempted && now-s.lastAttempt < s.opts.ReconnectInterval {
		return
	}

	s.attempted = true
	s.lastAttempt = now
	s.logger.WithFields(logrus.Fields{
		"url":        netutil.CleanURL(s.target.URL),
		"generation": s.generation,
	}).Debug("(re-)connect")

	conn, err := s.dialer.Dial(s.target, s.events)
	if err != nil {
		s.logger.WithError(&TransportError{Op: "connect", Err: err}).Warn("Backend connection attempt failed")
		return
	}
	s.conn = conn
	s.closing = nil
	s.state = StateConnecting
}

func (s *Supervisor) reloadCredentialsLocked() {
	target, err := deriveTarget(s.cfg)
	s.target = target
	s.configErr = err
	if err != nil {
		s.logger.WithError(err).Error("Invalid backend credentials, staying idle")
		return
	}
	if s.cfg.BackendURL == "" {
		s.logger.Debug("Empty backend URL, no connection")
		return
	}
	if s.cfg.AuthKey == "" {
		s.logger.Debug("No authentication")
	}
}

// dropLocked releases the current handle and enters next. The Closing
// grace period starts at the next Tick.
func (s *Supervisor) dropLocked(next State) {
	if s.conn != nil {
		s.conn.Close()
		if next == StateClosing {
			s.closing = s.conn
			s.closeRequested = -1
		}
		s.conn = nil
	}
	s.state = next
}

func (s *Supervisor) logStatusLocked(now time.Duration) {
	if s.lastStatusLog != 0 && now-s.lastStatusLog < config.StatusLogInterval {
		return
	}
	s.lastStatusLog = now

	if s.state != StateOpen {
		s.logger.WithField("state", s.state.String()).Debug("Backend unconnected")
		return
	}
	threshold := config.UnresponsiveSlack
	if s.opts.PingInterval > 0 {
		threshold += s.opts.PingInterval
	}
	if now-s.lastRecv >= threshold {
		s.logger.WithField("silent_for", now-s.lastRecv).Debug("Backend unresponsive")
	}
}

// Send writes one frame if the link is Open. It fails fast otherwise and
// never queues or retries.
func (s *Supervisor) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen || s.conn == nil {
		return ErrNotConnected
	}
	n, err := s.conn.Send(frame)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	if n < len(frame) {
		s.logger.WithFields(logrus.Fields{
			"accepted": n,
			"size":     len(frame),
		}).Warn("Transport accepted partial frame, dropping it")
		return ErrShortWrite
	}
	return nil
}

// Apply swaps the credentials, bumps the generation and tears down the
// current connection so the next Tick reconnects. Identical credentials
// still force a reconnect cycle.
func (s *Supervisor) Apply(cfg ConnectionConfig) Generation {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.generation++
	s.dirty = true
	if s.conn != nil {
		s.dropLocked(StateClosing)
	}

	s.logger.WithFields(logrus.Fields{
		"backend_url":   netutil.CleanURL(cfg.BackendURL),
		"charge_box_id": cfg.ChargeBoxID,
		"auth":          cfg.AuthKey != "",
		"generation":    s.generation,
	}).Info("Backend credentials updated")
	return s.generation
}

// SetCredentials is Apply without the generation.
func (s *Supervisor) SetCredentials(cfg ConnectionConfig) {
	s.Apply(cfg)
}

// Credentials returns the current credential set.
func (s *Supervisor) Credentials() ConnectionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Reconnect drops the current connection; the next Tick dials again once
// the reconnect interval allows.
func (s *Supervisor) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.logger.Info("Reconnect requested")
		s.dropLocked(StateClosing)
	}
}

func (s *Supervisor) SetPingInterval(d time.Duration) {
	s.mu.Lock()
	s.opts.PingInterval = d
	s.mu.Unlock()
}

func (s *Supervisor) SetReconnectInterval(d time.Duration) {
	s.mu.Lock()
	s.opts.ReconnectInterval = d
	s.mu.Unlock()
}

func (s *Supervisor) SetStaleTimeout(d time.Duration) {
	s.mu.Lock()
	s.opts.StaleTimeout = d
	s.mu.Unlock()
}

// Options returns the current timings.
func (s *Supervisor) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// State returns the current link state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether frames can be sent.
func (s *Supervisor) IsConnected() bool {
	return s.State() == StateOpen
}

// Status returns a snapshot of the runtime state for the facade.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:         s.state.String(),
		URL:           netutil.CleanURL(s.target.URL),
		Generation:    s.generation,
		LastAttempt:   s.lastAttempt,
		LastOpen:      s.lastOpen,
		LastReceived:  s.lastRecv,
		LastHeartbeat: s.lastHeartbeat,
	}
	if s.configErr != nil {
		st.ConfigError = s.configErr.Error()
	}
	return st
}
