// Package transport defines the non-blocking connection contract the
// supervisor drives, and a WebSocket implementation of it.
package transport

import (
	"crypto/tls"
	"errors"
	"net/http"
)

// EventKind identifies a lifecycle or data event raised by a Conn.
type EventKind int

const (
	EventOpen    EventKind = iota // handshake completed
	EventMessage                  // application frame received
	EventControl                  // ping/pong received
	EventError                    // dial, read or write failure
	EventClose                    // connection is gone; last event for a Conn
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventControl:
		return "control"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is delivered on the channel handed to Dial. Conn identifies which
// connection raised it so that events of superseded connections can be
// told apart from the current one.
type Event struct {
	Conn Conn
	Kind EventKind
	Data []byte
	Err  error
}

// Target is everything needed to open one connection.
type Target struct {
	URL          string
	Header       http.Header
	Subprotocols []string
	TLS          *tls.Config
}

// Conn is an opaque connection handle. None of its methods block on the
// network.
type Conn interface {
	// Send queues one complete frame. It returns the number of bytes
	// accepted; anything short of len(frame) means the frame was dropped.
	Send(frame []byte) (int, error)
	// Ping queues a liveness probe.
	Ping() error
	// Close requests teardown. Safe to call more than once.
	Close()
}

// Dialer starts connection attempts. Dial returns immediately; the outcome
// arrives later as EventOpen or EventError+EventClose on events.
type Dialer interface {
	Dial(target Target, events chan<- Event) (Conn, error)
}

var (
	ErrNotOpen   = errors.New("connection not open")
	ErrQueueFull = errors.New("send queue full")
)
