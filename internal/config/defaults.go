package config

import "time"

// Central place for all application-wide timing constants and other defaults.
// Changing a value here immediately affects all components that import
// github.com/jkaberg/evse-sim/internal/config.

const (
	// Control loop
	TickInterval = 100 * time.Millisecond // supervisor + engine + connectors

	// Connection supervision
	DefaultPingInterval      = 5 * time.Second  // WebSocketPingInterval
	DefaultReconnectInterval = 30 * time.Second // spacing between connect attempts
	DefaultStaleTimeout      = 0                // disabled
	StatusLogInterval        = 5 * time.Second  // "unconnected"/"unresponsive" debug line
	UnresponsiveSlack        = 15 * time.Second // added to ping interval before "unresponsive"
	HandshakeTimeout         = 10 * time.Second

	// Simulator
	MeterSampleInterval      = 10 * time.Second // MeterValueSampleInterval while a session is active
	DefaultRatedPowerW       = 11000.0
	DefaultMinimumViableW    = 0.0
	DefaultNumConnectors     = 2
	DefaultBackendURL        = "ws://echo.websocket.events"
	DefaultChargeBoxID       = "charger-01"
	DefaultHTTPListenAddress = "0.0.0.0:8000"
	DefaultWebRoot           = "./public"
	DefaultStore             = "file:./mo_store/simulator.jsn"

	// Telemetry
	TelemetryInterval      = 10 * time.Second
	TelemetryForceInterval = 5 * time.Minute
	MQTTTimeout            = 5 * time.Second
	NATSTimeout            = 5 * time.Second

	// Store
	StoreWriteTimeout = 3 * time.Second
	StoreRetryDelay   = 5 * time.Second // after a failed write-behind flush
	ShutdownTimeout   = 10 * time.Second
)
