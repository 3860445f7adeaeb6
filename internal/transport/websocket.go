package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jkaberg/evse-sim/internal/config"
	"github.com/jkaberg/evse-sim/internal/netutil"
	"github.com/sirupsen/logrus"
)

const (
	sendQueueSize = 64
	writeWait     = 10 * time.Second
)

// WebSocketDialer opens gorilla/websocket connections in the background.
type WebSocketDialer struct {
	logger           *logrus.Logger
	handshakeTimeout time.Duration
}

// NewWebSocketDialer creates a dialer that uses system DNS and the
// configured handshake timeout.
func NewWebSocketDialer(logger *logrus.Logger) *WebSocketDialer {
	return &WebSocketDialer{
		logger:           logger,
		handshakeTimeout: config.HandshakeTimeout,
	}
}

// Dial validates the target and starts the handshake in a goroutine.
func (d *WebSocketDialer) Dial(target Target, events chan<- Event) (Conn, error) {
	u, err := url.Parse(target.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		events:  events,
		out:     make(chan outFrame, sendQueueSize),
		closing: make(chan struct{}),
		cancel:  cancel,
		logger:  d.logger,
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		NetDialContext:   netutil.DialContext(d.logger),
		HandshakeTimeout: d.handshakeTimeout,
		TLSClientConfig:  target.TLS,
		Subprotocols:     target.Subprotocols,
	}
	go c.run(ctx, dialer, target)
	return c, nil
}

type outFrame struct {
	ping bool
	data []byte
}

type wsConn struct {
	events chan<- Event
	out    chan outFrame
	logger *logrus.Logger

	mu   sync.Mutex
	open bool

	closeOnce sync.Once
	closing   chan struct{}
	cancel    context.CancelFunc
}

func (c *wsConn) Send(frame []byte) (int, error) {
	if !c.isOpen() {
		return 0, ErrNotOpen
	}
	select {
	case c.out <- outFrame{data: frame}:
		return len(frame), nil
	default:
		return 0, ErrQueueFull
	}
}

func (c *wsConn) Ping() error {
	if !c.isOpen() {
		return ErrNotOpen
	}
	select {
	case c.out <- outFrame{ping: true}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.cancel()
	})
}

func (c *wsConn) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *wsConn) setOpen(open bool) {
	c.mu.Lock()
	c.open = open
	c.mu.Unlock()
}

// emit hands an event to the owner. Once Close was requested the owner has
// already forgotten this connection, so undeliverable events are dropped
// instead of pinning the goroutine.
func (c *wsConn) emit(kind EventKind, data []byte, err error) {
	ev := Event{Conn: c, Kind: kind, Data: data, Err: err}
	select {
	case c.events <- ev:
	case <-c.closing:
		select {
		case c.events <- ev:
		default:
		}
	}
}

func (c *wsConn) run(ctx context.Context, dialer *websocket.Dialer, target Target) {
	ws, resp, err := dialer.DialContext(ctx, target.URL, target.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		c.emit(EventError, nil, err)
		c.emit(EventClose, nil, nil)
		return
	}

	select {
	case <-c.closing:
		ws.Close()
		c.emit(EventClose, nil, nil)
		return
	default:
	}

	if target.TLS == nil {
		c.logger.Warn("Insecure connection (WS)")
	}
	if proto := ws.Subprotocol(); proto == "" && len(target.Subprotocols) > 0 {
		c.logger.WithField("requested", target.Subprotocols).Warn("Backend did not confirm a subprotocol")
	}

	ws.SetPongHandler(func(string) error {
		c.emit(EventControl, nil, nil)
		return nil
	})
	ws.SetPingHandler(func(appData string) error {
		c.emit(EventControl, nil, nil)
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	c.setOpen(true)
	c.emit(EventOpen, nil, nil)

	readerDone := make(chan struct{})
	go c.writer(ws, readerDone)

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.emit(EventError, nil, err)
				}
			}
			break
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			c.emit(EventMessage, data, nil)
		}
	}

	c.setOpen(false)
	close(readerDone)
	ws.Close()
	c.emit(EventClose, nil, nil)
}

func (c *wsConn) writer(ws *websocket.Conn, readerDone <-chan struct{}) {
	for {
		select {
		case <-readerDone:
			return
		case <-c.closing:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			ws.Close()
			return
		case f := <-c.out:
			var err error
			if f.ping {
				err = ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			} else {
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				err = ws.WriteMessage(websocket.TextMessage, f.data)
			}
			if err != nil {
				c.emit(EventError, nil, fmt.Errorf("write: %w", err))
				ws.Close()
				return
			}
		}
	}
}
