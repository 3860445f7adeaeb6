// Package evse simulates one charging connector: plug and readiness flags,
// an RFID-style session toggle and a small physical model that ramps power
// and integrates energy under a smart-charging limit.
package evse

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jkaberg/evse-sim/internal/clock"
	"github.com/jkaberg/evse-sim/internal/domain"
	"github.com/jkaberg/evse-sim/internal/store"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/sirupsen/logrus"
)

const (
	noiseFloorW    = 1.0 // below this, power does not accumulate energy
	nominalVoltage = 228.0
	gridVoltage    = 230.0
	phaseCount     = 3.0
	socCharging    = 44.0
)

// ErrEmptyTag is returned when no tag was presented.
var ErrEmptyTag = errors.New("empty id tag")

// Sensor is what the protocol engine samples from a connector.
type Sensor interface {
	IsPlugged() bool
	IsReady() bool
	MeterEnergyWh() float64
	MeterPowerW() float64
}

// Config describes one connector.
type Config struct {
	ConnectorID    int
	RatedPowerW    float64
	MinimumViableW float64
}

// Simulator is one connector. It is safe for concurrent use, but Tick is
// expected to be called from a single control loop.
type Simulator struct {
	mu     sync.Mutex
	cfg    Config
	store  store.Store
	logger *logrus.Entry

	plugged   bool
	evReady   bool
	evseReady bool

	sessionTag string
	active     bool
	txID       int
	nextTxID   int
	finishing  bool
	permitted  bool
	charging   bool

	power      float64
	energy     float64
	limit      float64
	lastUpdate time.Duration
	now        time.Duration
	status     core.ChargePointStatus
}

var _ Sensor = (*Simulator)(nil)

// New restores the persisted flags of cfg.ConnectorID from st.
func New(cfg Config, st store.Store, logger *logrus.Logger) *Simulator {
	s := &Simulator{
		cfg:    cfg,
		store:  st,
		logger: logger.WithField("connector_id", cfg.ConnectorID),
		limit:  cfg.RatedPowerW,
		status: core.ChargePointStatusAvailable,
	}
	s.plugged = store.GetBool(st, s.key("evPlugged"), false)
	s.evReady = store.GetBool(st, s.key("evReady"), false)
	s.evseReady = store.GetBool(st, s.key("evseReady"), false)
	s.status = s.inferStatusLocked()
	return s
}

func (s *Simulator) key(flag string) string {
	return fmt.Sprintf("%s_cId_%d", flag, s.cfg.ConnectorID)
}

// ID returns the connector number.
func (s *Simulator) ID() int { return s.cfg.ConnectorID }

// Tick advances the physical model to now. chargePermitted is the protocol
// engine's verdict for this connector.
func (s *Simulator) Tick(now time.Duration, chargePermitted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.permitted = chargePermitted
	s.charging = chargePermitted && s.plugged && s.evReady && s.evseReady && s.limit >= s.cfg.MinimumViableW

	if s.charging {
		if s.power >= noiseFloorW && now > s.lastUpdate {
			s.energy += float64(now-s.lastUpdate) / float64(time.Hour) * s.power
		}
		p := s.cfg.RatedPowerW
		if p > s.limit {
			p = s.limit
		}
		p += loadJitter(now)
		s.power = clamp(p, 0, s.limit)
	} else {
		s.power = 0
	}
	s.lastUpdate = now
	s.now = now

	if st := s.inferStatusLocked(); st != s.status {
		s.logger.WithFields(logrus.Fields{
			"from": s.status,
			"to":   st,
		}).Debug("Connector status changed")
		s.status = st
	}
}

// loadJitter is a deterministic +/-10W wobble that changes every 5s.
func loadJitter(now time.Duration) float64 {
	step := clock.Millis(now) / 5000
	return float64((step*3483947)%20000)*0.001 - 10
}

func voltageJitter(now time.Duration) float64 {
	step := clock.Millis(now) / 5000
	return float64((step*7484311)%4000) * 0.001
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PresentToken toggles the session. Presenting the active tag ends the
// session; any other tag starts a new one and replaces the current tag.
// Accepting or rejecting tags is the protocol engine's business, so a
// different tag during an active session is not refused here. Whether it
// should be is an open product decision.
func (s *Simulator) PresentToken(tag string) error {
	if tag == "" {
		return ErrEmptyTag
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active && s.sessionTag == tag {
		s.logger.WithFields(logrus.Fields{
			"id_tag":         tag,
			"transaction_id": s.txID,
		}).Info("Session ended")
		s.active = false
		s.sessionTag = ""
		s.txID = 0
		s.finishing = s.plugged
	} else {
		if s.active {
			s.logger.WithFields(logrus.Fields{
				"id_tag":   tag,
				"previous": s.sessionTag,
			}).Info("Different tag presented, replacing session")
		}
		s.nextTxID++
		s.active = true
		s.sessionTag = tag
		s.txID = s.nextTxID
		s.finishing = false
		s.logger.WithFields(logrus.Fields{
			"id_tag":         tag,
			"transaction_id": s.txID,
		}).Info("Session started")
	}
	s.status = s.inferStatusLocked()
	return nil
}

// SetPlugged persists the J1772 "vehicle connected" flag.
func (s *Simulator) SetPlugged(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plugged = v
	if !v {
		s.finishing = false
	}
	s.status = s.inferStatusLocked()
	return s.persistLocked("evPlugged", v)
}

// SetReady persists the "vehicle requests energy" flag.
func (s *Simulator) SetReady(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evReady = v
	s.status = s.inferStatusLocked()
	return s.persistLocked("evReady", v)
}

// SetEvseReady persists the "EVSE energized" flag.
func (s *Simulator) SetEvseReady(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evseReady = v
	s.status = s.inferStatusLocked()
	return s.persistLocked("evseReady", v)
}

func (s *Simulator) persistLocked(flag string, v bool) error {
	if err := store.SetBool(s.store, s.key(flag), v); err != nil {
		s.logger.WithError(err).WithField("flag", flag).Warn("Failed to persist connector flag")
		return fmt.Errorf("persist %s: %w", flag, err)
	}
	return nil
}

// SetSmartChargingLimit caps future power output. A negative value removes
// the cap.
func (s *Simulator) SetSmartChargingLimit(watts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if watts < 0 {
		watts = s.cfg.RatedPowerW
	}
	s.limit = watts
	s.logger.WithField("limit_w", watts).Debug("Smart charging limit set")
}

func (s *Simulator) IsPlugged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plugged
}

// IsReady reports whether the vehicle requests energy.
func (s *Simulator) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evReady
}

func (s *Simulator) IsEvseReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evseReady
}

func (s *Simulator) MeterEnergyWh() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.energy
}

func (s *Simulator) MeterPowerW() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power
}

// Session returns the active tag and transaction id.
func (s *Simulator) Session() (tag string, txID int, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionTag, s.txID, s.active
}

func (s *Simulator) Limit() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

func (s *Simulator) Status() core.ChargePointStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Simulator) Voltage() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voltageLocked()
}

func (s *Simulator) Current() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *Simulator) voltageLocked() float64 {
	if s.power <= noiseFloorW {
		return 0
	}
	return nominalVoltage + voltageJitter(s.now)
}

func (s *Simulator) currentLocked() float64 {
	v := s.voltageLocked()
	if v == 0 {
		return 0
	}
	return s.power / v / phaseCount
}

// ConnectorSnapshot returns plug, readiness and session state.
func (s *Simulator) ConnectorSnapshot() domain.ConnectorSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := domain.ConnectorSnapshot{
		ConnectorID: s.cfg.ConnectorID,
		Plugged:     s.plugged,
		EvReady:     s.evReady,
		EvseReady:   s.evseReady,
		Status:      string(s.status),
		SessionTag:  s.sessionTag,
	}
	if s.active {
		tx := s.txID
		snap.TransactionID = &tx
	}
	return snap
}

// MeterSnapshot returns the simulated meter.
func (s *Simulator) MeterSnapshot() domain.MeterSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.MeterSnapshot{
		EnergyWh: s.energy,
		PowerW:   s.power,
		CurrentA: s.currentLocked(),
		VoltageV: s.voltageLocked(),
	}
}

// SmartChargingSnapshot returns the current ceiling in watts and amps.
func (s *Simulator) SmartChargingSnapshot() domain.SmartChargingSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxPower := s.limit
	if maxPower > s.cfg.RatedPowerW {
		maxPower = s.cfg.RatedPowerW
	}
	return domain.SmartChargingSnapshot{
		LimitW:      s.limit,
		MaxPowerW:   maxPower,
		MaxCurrentA: maxPower / gridVoltage / phaseCount,
	}
}
