package engine

import (
	"io"
	"testing"
	"time"

	"github.com/jkaberg/evse-sim/internal/evse"
	"github.com/jkaberg/evse-sim/internal/store"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPermitsWhileSessionActive(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c1 := evse.New(evse.Config{ConnectorID: 1, RatedPowerW: 11000}, store.NewMemory(), logger)
	c2 := evse.New(evse.Config{ConnectorID: 2, RatedPowerW: 11000}, store.NewMemory(), logger)
	e := NewLocal(map[int]SessionSource{1: c1, 2: c2}, logger)

	e.Tick(0)
	assert.False(t, e.ChargePermitted(1))

	require.NoError(t, c1.PresentToken("A"))
	e.Tick(time.Second)
	assert.True(t, e.ChargePermitted(1))
	assert.False(t, e.ChargePermitted(2))
	assert.False(t, e.ChargePermitted(9))

	require.NoError(t, e.Receive([]byte("[2,\"1\",\"Reset\",{}]")))
	assert.Equal(t, 1, e.Received())
}

func TestLocalSamplesMeterValuesDuringSession(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c := evse.New(evse.Config{ConnectorID: 1, RatedPowerW: 11000}, store.NewMemory(), logger)
	e := NewLocal(map[int]SessionSource{1: c}, logger)

	e.Tick(0)
	_, ok := e.LastMeterValue(1)
	assert.False(t, ok, "no sample without a session")

	require.NoError(t, c.SetPlugged(true))
	require.NoError(t, c.SetReady(true))
	require.NoError(t, c.SetEvseReady(true))
	require.NoError(t, c.PresentToken("A"))

	e.Tick(time.Second)
	first, ok := e.LastMeterValue(1)
	require.True(t, ok)
	require.Len(t, first.SampledValue, 5)
	assert.Equal(t, types.MeasurandEnergyActiveImportRegister, first.SampledValue[0].Measurand)

	c.Tick(2*time.Second, e.ChargePermitted(1))
	c.Tick(3*time.Second, e.ChargePermitted(1))
	e.Tick(3 * time.Second)
	again, _ := e.LastMeterValue(1)
	assert.Equal(t, first.SampledValue[1].Value, again.SampledValue[1].Value, "within the sample interval")

	e.Tick(time.Second + e.sampleInterval)
	later, _ := e.LastMeterValue(1)
	assert.NotEqual(t, first.SampledValue[1].Value, later.SampledValue[1].Value)
}
