// Package engine is the seam to the charge-point protocol engine. The
// engine owns OCPP semantics; the simulator only asks it whether a
// connector may draw power and hands it raw inbound frames.
package engine

import (
	"sync"
	"time"

	"github.com/jkaberg/evse-sim/internal/config"
	"github.com/jkaberg/evse-sim/internal/evse"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"
)

// Engine is ticked once per control-loop iteration, right after the
// supervisor and before the connectors.
type Engine interface {
	Tick(now time.Duration)
	ChargePermitted(connectorID int) bool
	Receive(frame []byte) error
}

// SessionSource exposes whether a connector has an authorized session and
// its meter samples.
type SessionSource interface {
	evse.Sensor
	Session() (tag string, txID int, active bool)
	MeterValue(ts time.Time) types.MeterValue
}

// Local is a stand-in engine for running without an OCPP stack. Charging
// is permitted exactly while a connector holds a session, meter values are
// sampled every config.MeterSampleInterval during a session, and inbound
// frames are counted and logged.
type Local struct {
	mu             sync.Mutex
	connectors     map[int]SessionSource
	permitted      map[int]bool
	sampleInterval time.Duration
	sampledAt      map[int]time.Duration
	samples        map[int]types.MeterValue
	received       int
	logger         *logrus.Logger
}

// NewLocal wires the engine to the connectors it samples.
func NewLocal(connectors map[int]SessionSource, logger *logrus.Logger) *Local {
	return &Local{
		connectors:     connectors,
		permitted:      make(map[int]bool, len(connectors)),
		sampleInterval: config.MeterSampleInterval,
		sampledAt:      make(map[int]time.Duration, len(connectors)),
		samples:        make(map[int]types.MeterValue, len(connectors)),
		logger:         logger,
	}
}

func (l *Local) Tick(now time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, c := range l.connectors {
		_, _, active := c.Session()
		if active != l.permitted[id] {
			l.logger.WithFields(logrus.Fields{
				"connector_id": id,
				"permitted":    active,
				"plugged":      c.IsPlugged(),
			}).Debug("Charge permission changed")
		}
		l.permitted[id] = active

		if !active {
			delete(l.sampledAt, id)
			continue
		}
		if last, ok := l.sampledAt[id]; ok && now-last < l.sampleInterval {
			continue
		}
		l.sampledAt[id] = now
		l.sample(id, c)
	}
}

func (l *Local) sample(id int, c SessionSource) {
	mv := c.MeterValue(time.Now())
	l.samples[id] = mv

	fields := logrus.Fields{"connector_id": id}
	for _, sv := range mv.SampledValue {
		fields[string(sv.Measurand)] = sv.Value + " " + string(sv.Unit)
	}
	l.logger.WithFields(fields).Debug("Meter values sampled")
}

// LastMeterValue returns the most recent sample taken during a session.
func (l *Local) LastMeterValue(connectorID int) (types.MeterValue, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	mv, ok := l.samples[connectorID]
	return mv, ok
}

func (l *Local) ChargePermitted(connectorID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.permitted[connectorID]
}

func (l *Local) Receive(frame []byte) error {
	l.mu.Lock()
	l.received++
	n := l.received
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"size":  len(frame),
		"count": n,
	}).Debug("Inbound frame (no protocol engine attached)")
	return nil
}

// Received returns how many frames were handed in.
func (l *Local) Received() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.received
}
