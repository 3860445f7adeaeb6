// Package fleet is the simulator's context object: one backend link and a
// fixed set of connectors, built once at startup and shared by the control
// loop and the REST facade.
package fleet

import (
	"errors"
	"fmt"
	"time"

	"github.com/jkaberg/evse-sim/internal/clock"
	"github.com/jkaberg/evse-sim/internal/domain"
	"github.com/jkaberg/evse-sim/internal/engine"
	"github.com/jkaberg/evse-sim/internal/evse"
	"github.com/jkaberg/evse-sim/internal/store"
	"github.com/jkaberg/evse-sim/internal/supervisor"
	"github.com/jkaberg/evse-sim/internal/transport"
	"github.com/sirupsen/logrus"
)

// Persisted setting keys.
const (
	KeyBackendURL        = "AO_BackendUrl"
	KeyChargeBoxID       = "AO_ChargeBoxId"
	KeyAuthKey           = "AuthorizationKey"
	KeyCACert            = "AO_CaCert"
	KeyPingInterval      = "WebSocketPingInterval"
	KeyReconnectInterval = "MO_ReconnectInterval"
	KeyStaleTimeout      = "MO_StaleTimeout"
)

// ErrUnknownConnector is returned for connector ids outside 1..N.
var ErrUnknownConnector = errors.New("unknown connector")

// Options are the startup defaults. Persisted values take precedence.
type Options struct {
	Credentials    supervisor.ConnectionConfig
	Timing         supervisor.Options
	Connectors     int
	RatedPowerW    float64
	MinimumViableW float64
}

// Fleet owns the supervisor, the protocol engine and the connectors.
type Fleet struct {
	supervisor *supervisor.Supervisor
	engine     engine.Engine
	connectors []*evse.Simulator
	store      store.Store
	clock      clock.Clock
	logger     *logrus.Logger
}

// New restores persisted settings, builds every connector and wires the
// built-in Local engine to the supervisor's receive path.
func New(opts Options, st store.Store, dialer transport.Dialer, clk clock.Clock, logger *logrus.Logger) *Fleet {
	creds := supervisor.ConnectionConfig{
		BackendURL:  store.GetString(st, KeyBackendURL, opts.Credentials.BackendURL),
		ChargeBoxID: store.GetString(st, KeyChargeBoxID, opts.Credentials.ChargeBoxID),
		AuthKey:     store.GetString(st, KeyAuthKey, opts.Credentials.AuthKey),
		CACert:      store.GetString(st, KeyCACert, opts.Credentials.CACert),
	}
	timing := supervisor.Options{
		PingInterval:      store.GetSeconds(st, KeyPingInterval, opts.Timing.PingInterval),
		ReconnectInterval: store.GetSeconds(st, KeyReconnectInterval, opts.Timing.ReconnectInterval),
		StaleTimeout:      store.GetSeconds(st, KeyStaleTimeout, opts.Timing.StaleTimeout),
	}

	f := &Fleet{
		supervisor: supervisor.New(creds, timing, dialer, logger),
		store:      st,
		clock:      clk,
		logger:     logger,
	}

	sources := make(map[int]engine.SessionSource, opts.Connectors)
	for id := 1; id <= opts.Connectors; id++ {
		c := evse.New(evse.Config{
			ConnectorID:    id,
			RatedPowerW:    opts.RatedPowerW,
			MinimumViableW: opts.MinimumViableW,
		}, st, logger)
		f.connectors = append(f.connectors, c)
		sources[id] = c
	}
	f.SetEngine(engine.NewLocal(sources, logger))

	logger.WithFields(logrus.Fields{
		"connectors":    opts.Connectors,
		"charge_box_id": creds.ChargeBoxID,
		"ping":          timing.PingInterval,
		"reconnect":     timing.ReconnectInterval,
		"stale":         timing.StaleTimeout,
	}).Info("Fleet ready")
	return f
}

// SetEngine replaces the protocol engine and routes inbound frames to it.
func (f *Fleet) SetEngine(e engine.Engine) {
	f.engine = e
	f.supervisor.SetReceiveHandler(e.Receive)
}

// Supervisor exposes the backend link for the protocol engine's sends.
func (f *Fleet) Supervisor() *supervisor.Supervisor { return f.supervisor }

// Tick runs one control-loop iteration: link, engine, then every connector.
func (f *Fleet) Tick() time.Duration {
	now := f.clock.Now()
	f.supervisor.Tick(now)
	f.engine.Tick(now)
	for _, c := range f.connectors {
		c.Tick(now, f.engine.ChargePermitted(c.ID()))
	}
	return now
}

// Connector returns connector id (1-based).
func (f *Fleet) Connector(id int) (*evse.Simulator, error) {
	if id < 1 || id > len(f.connectors) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownConnector, id)
	}
	return f.connectors[id-1], nil
}

// ConnectorIDs lists 1..N.
func (f *Fleet) ConnectorIDs() []int {
	ids := make([]int, len(f.connectors))
	for i, c := range f.connectors {
		ids[i] = c.ID()
	}
	return ids
}

// Snapshots captures every connector for telemetry.
func (f *Fleet) Snapshots(ts time.Time) []domain.Snapshot {
	out := make([]domain.Snapshot, 0, len(f.connectors))
	for _, c := range f.connectors {
		out = append(out, domain.Snapshot{
			Timestamp: ts,
			Connector: c.ConnectorSnapshot(),
			Meter:     c.MeterSnapshot(),
		})
	}
	return out
}
