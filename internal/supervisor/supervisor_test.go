package supervisor

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jkaberg/evse-sim/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	target  transport.Target
	sent    [][]byte
	pings   int
	closed  bool
	accept  func(frame []byte) int
	sendErr error
}

func (c *fakeConn) Send(frame []byte) (int, error) {
	if c.sendErr != nil {
		return 0, c.sendErr
	}
	n := len(frame)
	if c.accept != nil {
		n = c.accept(frame)
	}
	c.sent = append(c.sent, frame)
	return n, nil
}

func (c *fakeConn) Ping() error {
	c.pings++
	return nil
}

func (c *fakeConn) Close() { c.closed = true }

type fakeDialer struct {
	now    *time.Duration
	conns  []*fakeConn
	dialAt []time.Duration
	events chan<- transport.Event
}

func (d *fakeDialer) Dial(target transport.Target, events chan<- transport.Event) (transport.Conn, error) {
	c := &fakeConn{target: target}
	d.conns = append(d.conns, c)
	d.dialAt = append(d.dialAt, *d.now)
	d.events = events
	return c, nil
}

func (d *fakeDialer) last() *fakeConn { return d.conns[len(d.conns)-1] }

func (d *fakeDialer) emit(c *fakeConn, kind transport.EventKind, data []byte) {
	var err error
	if kind == transport.EventError {
		err = errors.New("connection refused")
	}
	d.events <- transport.Event{Conn: c, Kind: kind, Data: data, Err: err}
}

type harness struct {
	now    time.Duration
	dialer *fakeDialer
	sup    *Supervisor
}

func newHarness(cfg ConnectionConfig, opts Options) *harness {
	h := &harness{}
	h.dialer = &fakeDialer{now: &h.now}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h.sup = New(cfg, opts, h.dialer, logger)
	return h
}

func (h *harness) tickAt(t time.Duration) {
	h.now = t
	h.sup.Tick(t)
}

var testCreds = ConnectionConfig{
	BackendURL:  "ws://csms.example.com/ocpp",
	ChargeBoxID: "cp1",
	AuthKey:     "secret",
}

func (h *harness) open(t time.Duration) *fakeConn {
	h.tickAt(t)
	c := h.dialer.last()
	h.dialer.emit(c, transport.EventOpen, nil)
	h.tickAt(t)
	return c
}

func TestReconnectBackoffExample(t *testing.T) {
	h := newHarness(testCreds, Options{ReconnectInterval: 30 * time.Second})

	h.tickAt(0)
	require.Len(t, h.dialer.conns, 1)
	assert.Equal(t, StateConnecting, h.sup.State())

	h.dialer.emit(h.dialer.last(), transport.EventError, nil)
	h.dialer.emit(h.dialer.last(), transport.EventClose, nil)

	h.tickAt(10 * time.Second)
	assert.Len(t, h.dialer.conns, 1)
	assert.Equal(t, StateIdle, h.sup.State())

	h.tickAt(31 * time.Second)
	assert.Len(t, h.dialer.conns, 2)
	assert.Equal(t, StateConnecting, h.sup.State())
}

func TestAttemptsNeverCloserThanReconnectInterval(t *testing.T) {
	interval := 7 * time.Second
	h := newHarness(testCreds, Options{ReconnectInterval: interval, StaleTimeout: 3 * time.Second})

	// fail every other attempt, let the rest open and go stale
	for ms := 0; ms <= 120000; ms += 250 {
		now := time.Duration(ms) * time.Millisecond
		if ms%1000 == 0 && len(h.dialer.conns) > 0 {
			c := h.dialer.last()
			if !c.closed {
				if len(h.dialer.conns)%2 == 0 {
					h.dialer.emit(c, transport.EventError, nil)
				} else if h.sup.State() == StateConnecting {
					h.dialer.emit(c, transport.EventOpen, nil)
				}
			}
		}
		if ms%9000 == 0 {
			h.sup.Reconnect()
		}
		h.tickAt(now)
	}

	require.Greater(t, len(h.dialer.dialAt), 3)
	for i := 1; i < len(h.dialer.dialAt); i++ {
		assert.GreaterOrEqual(t, h.dialer.dialAt[i]-h.dialer.dialAt[i-1], interval)
	}
}

func TestOnlyOneAttemptAtATime(t *testing.T) {
	h := newHarness(testCreds, Options{ReconnectInterval: time.Second})
	for s := 0; s < 20; s++ {
		h.tickAt(time.Duration(s) * time.Second)
	}
	assert.Len(t, h.dialer.conns, 1, "an outstanding attempt blocks new ones")
}

func TestHeartbeat(t *testing.T) {
	t.Run("sent every ping interval while open", func(t *testing.T) {
		h := newHarness(testCreds, Options{PingInterval: 5 * time.Second, ReconnectInterval: time.Minute})
		c := h.open(0)
		for s := 1; s <= 12; s++ {
			h.tickAt(time.Duration(s) * time.Second)
		}
		assert.Equal(t, 2, c.pings)
	})

	t.Run("disabled with zero interval", func(t *testing.T) {
		h := newHarness(testCreds, Options{ReconnectInterval: time.Minute})
		c := h.open(0)
		for s := 1; s <= 60; s++ {
			h.tickAt(time.Duration(s) * time.Second)
		}
		assert.Zero(t, c.pings)
	})

	t.Run("not sent while connecting", func(t *testing.T) {
		h := newHarness(testCreds, Options{PingInterval: time.Second, ReconnectInterval: time.Minute})
		h.tickAt(0)
		for s := 1; s <= 10; s++ {
			h.tickAt(time.Duration(s) * time.Second)
		}
		assert.Zero(t, h.dialer.last().pings)
	})
}

func TestStaleConnectionIsClosed(t *testing.T) {
	h := newHarness(testCreds, Options{StaleTimeout: 10 * time.Second, ReconnectInterval: time.Hour})
	c := h.open(0)

	h.now = 4 * time.Second
	h.dialer.emit(c, transport.EventMessage, []byte("[3,\"1\",{}]"))
	h.tickAt(4 * time.Second)

	h.tickAt(13 * time.Second)
	assert.Equal(t, StateOpen, h.sup.State())
	assert.False(t, c.closed)

	h.tickAt(14 * time.Second)
	assert.True(t, c.closed)
	assert.Equal(t, StateIdle, h.sup.State())
}

func TestPongKeepsConnectionFresh(t *testing.T) {
	h := newHarness(testCreds, Options{StaleTimeout: 10 * time.Second, PingInterval: 5 * time.Second, ReconnectInterval: time.Hour})
	c := h.open(0)
	for s := 1; s <= 60; s++ {
		if c.pings > 0 {
			h.dialer.emit(c, transport.EventControl, nil)
		}
		h.tickAt(time.Duration(s) * time.Second)
	}
	assert.Equal(t, StateOpen, h.sup.State())
	assert.False(t, c.closed)
}

func TestCredentialChangeWhileConnectingDiscardsStaleAttempt(t *testing.T) {
	h := newHarness(testCreds, Options{ReconnectInterval: 5 * time.Second})
	h.tickAt(0)
	old := h.dialer.last()

	rotated := testCreds
	rotated.ChargeBoxID = "cp2"
	gen := h.sup.Apply(rotated)
	assert.Equal(t, Generation(2), gen)
	assert.True(t, old.closed)
	assert.Equal(t, StateClosing, h.sup.State())

	h.tickAt(5 * time.Second)
	require.Len(t, h.dialer.conns, 2)
	fresh := h.dialer.last()
	assert.Equal(t, "ws://csms.example.com/ocpp/cp2", fresh.target.URL)

	// the old attempt completes late
	h.dialer.emit(old, transport.EventOpen, nil)
	h.tickAt(6 * time.Second)
	assert.Equal(t, StateConnecting, h.sup.State())
	assert.Error(t, h.sup.Send([]byte("x")))

	h.dialer.emit(fresh, transport.EventOpen, nil)
	h.tickAt(7 * time.Second)
	assert.Equal(t, StateOpen, h.sup.State())
	require.NoError(t, h.sup.Send([]byte("x")))
	assert.Empty(t, old.sent)
	assert.Len(t, fresh.sent, 1)
}

func TestIdenticalCredentialsStillForceReconnect(t *testing.T) {
	h := newHarness(testCreds, Options{ReconnectInterval: time.Second})
	c := h.open(0)

	h.sup.SetCredentials(h.sup.Credentials())
	assert.True(t, c.closed)
	assert.Equal(t, StateClosing, h.sup.State())
	assert.Equal(t, Generation(2), h.sup.Status().Generation)

	h.dialer.emit(c, transport.EventClose, nil)
	h.tickAt(500 * time.Millisecond)
	assert.Equal(t, StateIdle, h.sup.State())

	h.tickAt(time.Second)
	assert.Len(t, h.dialer.conns, 2)
}

func TestClosingFallsBackToIdle(t *testing.T) {
	h := newHarness(testCreds, Options{ReconnectInterval: time.Hour})
	h.open(0)
	h.sup.Reconnect()
	h.tickAt(time.Second)
	assert.Equal(t, StateClosing, h.sup.State())
	h.tickAt(time.Second + closeGrace)
	assert.Equal(t, StateIdle, h.sup.State())
}

func TestEmptyBackendTearsDown(t *testing.T) {
	h := newHarness(testCreds, Options{ReconnectInterval: time.Second})
	c := h.open(0)

	h.sup.Apply(ConnectionConfig{ChargeBoxID: "cp1"})
	h.tickAt(time.Second)
	assert.True(t, c.closed)
	for s := 2; s < 30; s++ {
		h.tickAt(time.Duration(s) * time.Second)
	}
	assert.Len(t, h.dialer.conns, 1)
	assert.Equal(t, StateIdle, h.sup.State())
}

func TestInvalidBackendStaysIdle(t *testing.T) {
	h := newHarness(ConnectionConfig{BackendURL: "http://csms.example.com"}, Options{ReconnectInterval: time.Second})
	h.tickAt(0)
	h.tickAt(5 * time.Second)
	assert.Empty(t, h.dialer.conns)
	assert.Equal(t, StateIdle, h.sup.State())
	assert.Contains(t, h.sup.Status().ConfigError, "backendUrl")

	h.sup.Apply(testCreds)
	h.tickAt(6 * time.Second)
	assert.Len(t, h.dialer.conns, 1)
	assert.Empty(t, h.sup.Status().ConfigError)
}

func TestSend(t *testing.T) {
	h := newHarness(testCreds, Options{ReconnectInterval: time.Hour})
	assert.ErrorIs(t, h.sup.Send([]byte("x")), ErrNotConnected)

	c := h.open(0)
	require.NoError(t, h.sup.Send([]byte("hello")))

	c.accept = func(frame []byte) int { return len(frame) - 1 }
	assert.ErrorIs(t, h.sup.Send([]byte("hello")), ErrShortWrite)

	c.sendErr = transport.ErrQueueFull
	err := h.sup.Send([]byte("hello"))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "send", te.Op)
	assert.ErrorIs(t, err, transport.ErrQueueFull)
}

func TestReceiveHandler(t *testing.T) {
	h := newHarness(testCreds, Options{ReconnectInterval: time.Hour})
	var got [][]byte
	h.sup.SetReceiveHandler(func(frame []byte) error {
		got = append(got, frame)
		if string(frame) == "garbage" {
			return errors.New("not a JSON array")
		}
		// replying from inside the handler must not deadlock
		return h.sup.Send([]byte("reply"))
	})
	c := h.open(0)

	h.dialer.emit(c, transport.EventMessage, []byte("[2,\"7\",\"Reset\",{}]"))
	h.dialer.emit(c, transport.EventMessage, []byte("garbage"))
	h.tickAt(time.Second)

	require.Len(t, got, 2)
	assert.Equal(t, StateOpen, h.sup.State(), "a bad frame does not drop the link")
	assert.Len(t, c.sent, 1)
	assert.Equal(t, time.Second, h.sup.Status().LastReceived)
}

func TestOpenResetsTimers(t *testing.T) {
	h := newHarness(testCreds, Options{ReconnectInterval: time.Hour})
	h.tickAt(0)
	h.dialer.emit(h.dialer.last(), transport.EventOpen, nil)
	h.tickAt(3 * time.Second)

	st := h.sup.Status()
	assert.Equal(t, "Open", st.State)
	assert.Equal(t, 3*time.Second, st.LastOpen)
	assert.Equal(t, 3*time.Second, st.LastReceived)
	assert.Equal(t, 3*time.Second, st.LastHeartbeat)
}
