package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func snap() *Snapshot {
	tx := 3
	return &Snapshot{
		Timestamp: time.Unix(1700000000, 0),
		Connector: ConnectorSnapshot{ConnectorID: 1, Plugged: true, EvReady: true, EvseReady: true, Status: "Charging", SessionTag: "A", TransactionID: &tx},
		Meter:     MeterSnapshot{EnergyWh: 100, PowerW: 11000, CurrentA: 16, VoltageV: 229},
	}
}

func TestChanged(t *testing.T) {
	assert.False(t, Changed(nil, nil))
	assert.True(t, Changed(nil, snap()))
	assert.True(t, Changed(snap(), nil))

	base := snap()

	later := snap()
	later.Timestamp = base.Timestamp.Add(time.Minute)
	later.Meter.PowerW = 10990
	later.Meter.EnergyWh = 105
	assert.False(t, Changed(base, later), "timestamp, jitter and small energy steps are ignored")

	stepped := snap()
	stepped.Meter.EnergyWh = 110
	assert.True(t, Changed(base, stepped))

	stopped := snap()
	stopped.Meter.PowerW = 0
	assert.True(t, Changed(base, stopped))

	status := snap()
	status.Connector.Status = "SuspendedEV"
	assert.True(t, Changed(base, status))

	otherTx := snap()
	tx := 4
	otherTx.Connector.TransactionID = &tx
	assert.True(t, Changed(base, otherTx))

	noTx := snap()
	noTx.Connector.TransactionID = nil
	assert.True(t, Changed(base, noTx))
}
