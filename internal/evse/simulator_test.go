package evse

import (
	"io"
	"testing"
	"time"

	"github.com/jkaberg/evse-sim/internal/store"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSim(t *testing.T, st store.Store) *Simulator {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(Config{ConnectorID: 1, RatedPowerW: 11000, MinimumViableW: 1380}, st, logger)
}

func readySim(t *testing.T) *Simulator {
	s := newSim(t, store.NewMemory())
	require.NoError(t, s.SetPlugged(true))
	require.NoError(t, s.SetReady(true))
	require.NoError(t, s.SetEvseReady(true))
	return s
}

func TestChargingScenario(t *testing.T) {
	s := readySim(t)
	s.SetSmartChargingLimit(11000)

	s.Tick(10*time.Second, true)
	p := s.MeterPowerW()
	assert.Greater(t, p, 0.0)
	assert.LessOrEqual(t, p, 11000.0)
	assert.Equal(t, 0.0, s.MeterEnergyWh(), "energy only accrues from the previous power")

	s.Tick(11*time.Second, true)
	e1 := s.MeterEnergyWh()
	assert.Greater(t, e1, 0.0)
	assert.InDelta(t, p/3600, e1, 0.01)

	s.Tick(12*time.Second, true)
	assert.Greater(t, s.MeterEnergyWh(), e1)
	assert.Equal(t, core.ChargePointStatusCharging, s.Status())
}

func TestPowerForcedToZero(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *Simulator)
		allow bool
	}{
		{"not permitted", func(s *Simulator) {}, false},
		{"unplugged", func(s *Simulator) { require.NoError(t, s.SetPlugged(false)) }, true},
		{"ev not ready", func(s *Simulator) { require.NoError(t, s.SetReady(false)) }, true},
		{"evse not ready", func(s *Simulator) { require.NoError(t, s.SetEvseReady(false)) }, true},
		{"limit below minimum", func(s *Simulator) { s.SetSmartChargingLimit(1000) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := readySim(t)
			s.Tick(time.Second, true)
			require.Greater(t, s.MeterPowerW(), 0.0)

			tt.setup(s)
			s.Tick(2*time.Second, tt.allow)
			assert.Equal(t, 0.0, s.MeterPowerW())
			assert.Equal(t, 0.0, s.Voltage())
			assert.Equal(t, 0.0, s.Current())
		})
	}
}

func TestEnergyMonotonicAndPowerWithinLimit(t *testing.T) {
	s := readySim(t)
	limits := []float64{11000, 7400, -1, 1380, 500, 3000, 11000, 0}
	prev := 0.0
	for i := 0; i < 400; i++ {
		if i%50 == 0 {
			s.SetSmartChargingLimit(limits[(i/50)%len(limits)])
		}
		permitted := i%37 != 0
		s.Tick(time.Duration(i)*1700*time.Millisecond, permitted)

		e := s.MeterEnergyWh()
		assert.GreaterOrEqual(t, e, prev)
		prev = e

		p := s.MeterPowerW()
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, s.Limit())
	}
	assert.Greater(t, prev, 0.0)
}

func TestSmartChargingLimit(t *testing.T) {
	s := readySim(t)
	s.SetSmartChargingLimit(3680)
	for i := 0; i < 20; i++ {
		s.Tick(time.Duration(i)*5*time.Second, true)
		assert.LessOrEqual(t, s.MeterPowerW(), 3680.0)
		assert.GreaterOrEqual(t, s.MeterPowerW(), 3670.0)
	}

	s.SetSmartChargingLimit(-1)
	assert.Equal(t, 11000.0, s.Limit())

	snap := s.SmartChargingSnapshot()
	assert.Equal(t, 11000.0, snap.MaxPowerW)
	assert.InDelta(t, 15.94, snap.MaxCurrentA, 0.01)
}

func TestElectricalQuantities(t *testing.T) {
	s := readySim(t)
	s.Tick(7*time.Second, true)

	v := s.Voltage()
	assert.GreaterOrEqual(t, v, 228.0)
	assert.Less(t, v, 232.0)
	assert.InDelta(t, s.MeterPowerW()/v/3, s.Current(), 1e-9)

	m := s.MeterSnapshot()
	assert.Equal(t, s.MeterPowerW(), m.PowerW)
	assert.Equal(t, v, m.VoltageV)
}

func TestJitterIsDeterministic(t *testing.T) {
	for _, now := range []time.Duration{0, 4999 * time.Millisecond, 5 * time.Second, time.Hour} {
		j := loadJitter(now)
		assert.Equal(t, j, loadJitter(now))
		assert.GreaterOrEqual(t, j, -10.0)
		assert.Less(t, j, 10.0)
	}
	assert.Equal(t, loadJitter(0), loadJitter(4999*time.Millisecond))
}

func TestPresentToken(t *testing.T) {
	t.Run("same tag round trip", func(t *testing.T) {
		s := newSim(t, store.NewMemory())
		require.NoError(t, s.PresentToken("A"))
		tag, tx, active := s.Session()
		assert.True(t, active)
		assert.Equal(t, "A", tag)
		assert.Equal(t, 1, tx)

		require.NoError(t, s.PresentToken("A"))
		tag, tx, active = s.Session()
		assert.False(t, active)
		assert.Empty(t, tag)
		assert.Zero(t, tx)
		assert.Nil(t, s.ConnectorSnapshot().TransactionID)
	})

	t.Run("different tag replaces session", func(t *testing.T) {
		s := newSim(t, store.NewMemory())
		require.NoError(t, s.PresentToken("A"))
		require.NoError(t, s.PresentToken("B"))
		tag, tx, active := s.Session()
		assert.True(t, active)
		assert.Equal(t, "B", tag)
		assert.Equal(t, 2, tx)
	})

	t.Run("empty tag", func(t *testing.T) {
		s := newSim(t, store.NewMemory())
		assert.ErrorIs(t, s.PresentToken(""), ErrEmptyTag)
		_, _, active := s.Session()
		assert.False(t, active)
	})
}

func TestStatusInference(t *testing.T) {
	s := newSim(t, store.NewMemory())
	assert.Equal(t, core.ChargePointStatusAvailable, s.Status())

	require.NoError(t, s.SetPlugged(true))
	s.Tick(time.Second, false)
	assert.Equal(t, core.ChargePointStatusPreparing, s.Status())

	require.NoError(t, s.PresentToken("A"))
	s.Tick(2*time.Second, true)
	assert.Equal(t, core.ChargePointStatusSuspendedEVSE, s.Status())

	require.NoError(t, s.SetEvseReady(true))
	s.Tick(3*time.Second, true)
	assert.Equal(t, core.ChargePointStatusSuspendedEV, s.Status())

	require.NoError(t, s.SetReady(true))
	s.Tick(4*time.Second, true)
	assert.Equal(t, core.ChargePointStatusCharging, s.Status())

	require.NoError(t, s.PresentToken("A"))
	s.Tick(5*time.Second, false)
	assert.Equal(t, core.ChargePointStatusFinishing, s.Status())

	require.NoError(t, s.SetPlugged(false))
	s.Tick(6*time.Second, false)
	assert.Equal(t, core.ChargePointStatusAvailable, s.Status())
}

func TestFlagsPersist(t *testing.T) {
	st := store.NewMemory()
	s := newSim(t, st)
	require.NoError(t, s.SetPlugged(true))
	require.NoError(t, s.SetEvseReady(true))

	v, ok := st.Get("evPlugged_cId_1")
	require.True(t, ok)
	assert.Equal(t, "true", v)

	restored := newSim(t, st)
	assert.True(t, restored.IsPlugged())
	assert.False(t, restored.IsReady())
	assert.True(t, restored.IsEvseReady())
	_, _, active := restored.Session()
	assert.False(t, active, "sessions are volatile")
}

func TestMeterValue(t *testing.T) {
	s := readySim(t)
	s.Tick(0, true)
	s.Tick(time.Hour, true)

	mv := s.MeterValue(time.Unix(1700000000, 0))
	require.NotNil(t, mv.Timestamp)
	require.Len(t, mv.SampledValue, 5)

	byMeasurand := map[types.Measurand]types.SampledValue{}
	for _, sv := range mv.SampledValue {
		byMeasurand[sv.Measurand] = sv
	}
	assert.Equal(t, types.UnitOfMeasureWh, byMeasurand[types.MeasurandEnergyActiveImportRegister].Unit)
	assert.Equal(t, types.LocationOutlet, byMeasurand[types.MeasurandCurrentImport].Location)
	assert.Equal(t, "44.0", byMeasurand[types.MeasurandSoC].Value)
}
