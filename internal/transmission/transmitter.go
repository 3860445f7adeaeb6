package transmission

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/jkaberg/evse-sim/internal/domain"
)

// Transmitter publishes connector snapshots to one telemetry sink.
type Transmitter interface {
	Name() string
	Transmit(ctx context.Context, snap *domain.Snapshot) error
	IsConnected() bool
	Close()
}

// statePayload is the flat JSON document every sink receives.
type statePayload struct {
	Timestamp     string  `json:"timestamp"`
	ConnectorID   int     `json:"connector_id"`
	Status        string  `json:"status"`
	Plugged       bool    `json:"ev_plugged"`
	EvReady       bool    `json:"ev_ready"`
	EvseReady     bool    `json:"evse_ready"`
	IDTag         string  `json:"id_tag,omitempty"`
	TransactionID *int    `json:"transaction_id,omitempty"`
	EnergyWh      float64 `json:"energy_wh"`
	PowerW        float64 `json:"power_w"`
	CurrentA      float64 `json:"current_a"`
	VoltageV      float64 `json:"voltage_v"`
}

func buildStatePayload(snap *domain.Snapshot) ([]byte, error) {
	payload, err := json.Marshal(statePayload{
		Timestamp:     snap.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		ConnectorID:   snap.Connector.ConnectorID,
		Status:        snap.Connector.Status,
		Plugged:       snap.Connector.Plugged,
		EvReady:       snap.Connector.EvReady,
		EvseReady:     snap.Connector.EvseReady,
		IDTag:         snap.Connector.SessionTag,
		TransactionID: snap.Connector.TransactionID,
		EnergyWh:      round(snap.Meter.EnergyWh, 1),
		PowerW:        round(snap.Meter.PowerW, 1),
		CurrentA:      round(snap.Meter.CurrentA, 2),
		VoltageV:      round(snap.Meter.VoltageV, 1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state payload: %w", err)
	}
	return payload, nil
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
