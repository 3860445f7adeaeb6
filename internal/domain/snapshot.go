package domain

import (
	"math"
	"time"
)

// ConnectorSnapshot is the plug/session view of one connector.
type ConnectorSnapshot struct {
	ConnectorID   int    `json:"connectorId"`
	Plugged       bool   `json:"evPlugged"`
	EvReady       bool   `json:"evReady"`
	EvseReady     bool   `json:"evseReady"`
	Status        string `json:"chargePointStatus"`
	SessionTag    string `json:"idTag"`
	TransactionID *int   `json:"transactionId"`
}

// MeterSnapshot is the simulated meter of one connector.
type MeterSnapshot struct {
	EnergyWh float64 `json:"energy"`
	PowerW   float64 `json:"power"`
	CurrentA float64 `json:"current"`
	VoltageV float64 `json:"voltage"`
}

// SmartChargingSnapshot reports the active power ceiling.
type SmartChargingSnapshot struct {
	LimitW      float64 `json:"limit"`
	MaxPowerW   float64 `json:"maxPower"`
	MaxCurrentA float64 `json:"maxCurrent"`
}

// Snapshot bundles everything published about a connector at one instant.
type Snapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	Connector ConnectorSnapshot `json:"connector"`
	Meter     MeterSnapshot     `json:"meter"`
}

const (
	powerJitterW   = 25.0 // simulated load variation
	voltageJitterV = 5.0
	energyStepWh   = 10.0
)

// Changed returns true if *cur* differs from *prev* beyond tolerated jitter.
// Timestamps are ignored, and the meter only counts as changed when power
// or voltage moves more than the simulated noise or energy advanced by a
// meaningful step.
func Changed(prev, cur *Snapshot) bool {
	if prev == nil && cur == nil {
		return false
	}
	if prev == nil || cur == nil {
		return true
	}

	if !sameConnector(prev.Connector, cur.Connector) {
		return true
	}

	p, c := prev.Meter, cur.Meter
	if (p.PowerW == 0) != (c.PowerW == 0) {
		return true
	}
	if math.Abs(p.PowerW-c.PowerW) > powerJitterW {
		return true
	}
	if math.Abs(p.VoltageV-c.VoltageV) > voltageJitterV {
		return true
	}
	return c.EnergyWh-p.EnergyWh >= energyStepWh
}

func sameConnector(a, b ConnectorSnapshot) bool {
	if a.ConnectorID != b.ConnectorID || a.Plugged != b.Plugged || a.EvReady != b.EvReady ||
		a.EvseReady != b.EvseReady || a.Status != b.Status || a.SessionTag != b.SessionTag {
		return false
	}
	if (a.TransactionID == nil) != (b.TransactionID == nil) {
		return false
	}
	return a.TransactionID == nil || *a.TransactionID == *b.TransactionID
}
