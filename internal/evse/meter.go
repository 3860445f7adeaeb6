package evse

import (
	"strconv"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

func format(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

// MeterValue samples the connector the way a MeterValues.req reports it.
func (s *Simulator) MeterValue(ts time.Time) types.MeterValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	soc := 0.0
	if s.power > noiseFloorW {
		soc = socCharging
	}

	return types.MeterValue{
		Timestamp: types.NewDateTime(ts),
		SampledValue: []types.SampledValue{
			{
				Value:     format(s.energy),
				Context:   types.ReadingContextSamplePeriodic,
				Measurand: types.MeasurandEnergyActiveImportRegister,
				Unit:      types.UnitOfMeasureWh,
			},
			{
				Value:     format(s.power),
				Context:   types.ReadingContextSamplePeriodic,
				Measurand: types.MeasurandPowerActiveImport,
				Unit:      types.UnitOfMeasureW,
			},
			{
				Value:     format(s.currentLocked()),
				Context:   types.ReadingContextSamplePeriodic,
				Measurand: types.MeasurandCurrentImport,
				Location:  types.LocationOutlet,
				Unit:      types.UnitOfMeasureA,
			},
			{
				Value:     format(s.voltageLocked()),
				Context:   types.ReadingContextSamplePeriodic,
				Measurand: types.MeasurandVoltage,
				Unit:      types.UnitOfMeasureV,
			},
			{
				Value:     format(soc),
				Context:   types.ReadingContextSamplePeriodic,
				Measurand: types.MeasurandSoC,
				Unit:      types.UnitOfMeasurePercent,
			},
		},
	}
}
