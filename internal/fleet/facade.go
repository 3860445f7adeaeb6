package fleet

import (
	"errors"
	"time"

	"github.com/jkaberg/evse-sim/internal/domain"
	"github.com/jkaberg/evse-sim/internal/store"
	"github.com/jkaberg/evse-sim/internal/supervisor"
)

// SetCredentials persists and applies a new credential set. The CA material
// is kept. The link is always rebuilt, even for identical values.
func (f *Fleet) SetCredentials(backendURL, chargeBoxID, authKey string) (supervisor.Generation, error) {
	cfg := f.supervisor.Credentials()
	cfg.BackendURL = backendURL
	cfg.ChargeBoxID = chargeBoxID
	cfg.AuthKey = authKey
	return f.applyCredentials(cfg)
}

// SetCACert persists and applies new CA material.
func (f *Fleet) SetCACert(pem string) (supervisor.Generation, error) {
	cfg := f.supervisor.Credentials()
	cfg.CACert = pem
	return f.applyCredentials(cfg)
}

func (f *Fleet) applyCredentials(cfg supervisor.ConnectionConfig) (supervisor.Generation, error) {
	err := errors.Join(
		f.store.Set(KeyBackendURL, cfg.BackendURL),
		f.store.Set(KeyChargeBoxID, cfg.ChargeBoxID),
		f.store.Set(KeyAuthKey, cfg.AuthKey),
		f.store.Set(KeyCACert, cfg.CACert),
	)
	if err != nil {
		f.logger.WithError(err).Warn("Failed to persist credentials")
	}
	return f.supervisor.Apply(cfg), err
}

// GetCredentials returns the active credential set.
func (f *Fleet) GetCredentials() supervisor.ConnectionConfig {
	return f.supervisor.Credentials()
}

// SetPingInterval persists and applies the heartbeat interval (0 disables).
func (f *Fleet) SetPingInterval(d time.Duration) error {
	f.supervisor.SetPingInterval(d)
	return store.SetSeconds(f.store, KeyPingInterval, d)
}

// SetReconnectInterval persists and applies the minimum attempt spacing.
func (f *Fleet) SetReconnectInterval(d time.Duration) error {
	f.supervisor.SetReconnectInterval(d)
	return store.SetSeconds(f.store, KeyReconnectInterval, d)
}

// SetStaleTimeout persists and applies the staleness threshold (0 disables).
func (f *Fleet) SetStaleTimeout(d time.Duration) error {
	f.supervisor.SetStaleTimeout(d)
	return store.SetSeconds(f.store, KeyStaleTimeout, d)
}

// Timing returns the active connection timings.
func (f *Fleet) Timing() supervisor.Options {
	return f.supervisor.Options()
}

// LinkStatus reports the backend link state.
func (f *Fleet) LinkStatus() supervisor.Status {
	return f.supervisor.Status()
}

func (f *Fleet) SetPlugged(id int, v bool) error {
	c, err := f.Connector(id)
	if err != nil {
		return err
	}
	return c.SetPlugged(v)
}

func (f *Fleet) SetReady(id int, v bool) error {
	c, err := f.Connector(id)
	if err != nil {
		return err
	}
	return c.SetReady(v)
}

func (f *Fleet) SetEvseReady(id int, v bool) error {
	c, err := f.Connector(id)
	if err != nil {
		return err
	}
	return c.SetEvseReady(v)
}

func (f *Fleet) PresentToken(id int, tag string) error {
	c, err := f.Connector(id)
	if err != nil {
		return err
	}
	return c.PresentToken(tag)
}

func (f *Fleet) SetSmartChargingLimit(id int, watts float64) error {
	c, err := f.Connector(id)
	if err != nil {
		return err
	}
	c.SetSmartChargingLimit(watts)
	return nil
}

func (f *Fleet) ConnectorSnapshot(id int) (domain.ConnectorSnapshot, error) {
	c, err := f.Connector(id)
	if err != nil {
		return domain.ConnectorSnapshot{}, err
	}
	return c.ConnectorSnapshot(), nil
}

func (f *Fleet) MeterSnapshot(id int) (domain.MeterSnapshot, error) {
	c, err := f.Connector(id)
	if err != nil {
		return domain.MeterSnapshot{}, err
	}
	return c.MeterSnapshot(), nil
}

func (f *Fleet) SmartChargingSnapshot(id int) (domain.SmartChargingSnapshot, error) {
	c, err := f.Connector(id)
	if err != nil {
		return domain.SmartChargingSnapshot{}, err
	}
	return c.SmartChargingSnapshot(), nil
}
