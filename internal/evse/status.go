package evse

import "github.com/lorenzodonini/ocpp-go/ocpp1.6/core"

// inferStatusLocked maps the simulator state onto the OCPP 1.6 connector
// status the protocol engine would report.
func (s *Simulator) inferStatusLocked() core.ChargePointStatus {
	switch {
	case s.charging && s.power > 0:
		return core.ChargePointStatusCharging
	case s.active && s.plugged:
		if !s.evseReady || !s.permitted || s.limit <= 0 || s.limit < s.cfg.MinimumViableW {
			return core.ChargePointStatusSuspendedEVSE
		}
		if !s.evReady {
			return core.ChargePointStatusSuspendedEV
		}
		return core.ChargePointStatusCharging
	case s.active:
		return core.ChargePointStatusPreparing
	case s.plugged && s.finishing:
		return core.ChargePointStatusFinishing
	case s.plugged:
		return core.ChargePointStatusPreparing
	default:
		return core.ChargePointStatusAvailable
	}
}
