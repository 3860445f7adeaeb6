package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration options for the simulator
type Config struct {
	// Backend connection
	BackendURL        string        `json:"backend_url" validate:"omitempty,url"`
	ChargeBoxID       string        `json:"charge_box_id" validate:"max=128"`
	AuthKey           string        `json:"authorization_key" validate:"max=256"`
	CACertFile        string        `json:"ca_cert_file"`
	PingInterval      time.Duration `json:"ping_interval" validate:"gte=0"`      // 0 disables heartbeats
	ReconnectInterval time.Duration `json:"reconnect_interval" validate:"gte=0"` // spacing between connect attempts
	StaleTimeout      time.Duration `json:"stale_timeout" validate:"gte=0"`      // 0 disables staleness detection

	// Simulator
	NumConnectors  int     `json:"num_connectors" validate:"gte=1,lte=16"`
	RatedPowerW    float64 `json:"rated_power_watts" validate:"gt=0"`
	MinimumViableW float64 `json:"minimum_viable_charge_power_watts" validate:"gte=0"`

	// Persistence & HTTP
	StoreLocation  string `json:"store"` // "memory", "file:<path>" or a postgres:// DSN
	HTTPListenAddr string `json:"http_listen" validate:"required"`
	WebRoot        string `json:"web_root"`

	// Telemetry
	MQTTUrl           string        `json:"mqtt_url"`
	NATSUrl           string        `json:"nats_url"`
	TelemetryInterval time.Duration `json:"telemetry_interval" validate:"gte=0"`

	// Application
	Verbose bool `json:"verbose"`
}

// GetDefaultConfig returns a configuration with sensible defaults
func GetDefaultConfig() *Config {
	return &Config{
		BackendURL:        DefaultBackendURL,
		ChargeBoxID:       DefaultChargeBoxID,
		PingInterval:      DefaultPingInterval,
		ReconnectInterval: DefaultReconnectInterval,
		StaleTimeout:      DefaultStaleTimeout,
		NumConnectors:     DefaultNumConnectors,
		RatedPowerW:       DefaultRatedPowerW,
		MinimumViableW:    DefaultMinimumViableW,
		StoreLocation:     DefaultStore,
		HTTPListenAddr:    DefaultHTTPListenAddress,
		WebRoot:           DefaultWebRoot,
		TelemetryInterval: TelemetryInterval,
	}
}

var validate = validator.New()

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.BackendURL != "" {
		if err := CheckBackendURL(c.BackendURL); err != nil {
			return err
		}
	}

	if c.MQTTUrl != "" {
		if !strings.HasPrefix(c.MQTTUrl, "ws://") &&
			!strings.HasPrefix(c.MQTTUrl, "wss://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtt://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtts://") {
			return fmt.Errorf("MQTT URL must use supported protocol (ws://, wss://, mqtt://, or mqtts://)")
		}
	}

	if c.NATSUrl != "" && !strings.HasPrefix(c.NATSUrl, "nats://") && !strings.HasPrefix(c.NATSUrl, "tls://") {
		return fmt.Errorf("NATS URL must use nats:// or tls://")
	}

	if c.MinimumViableW > c.RatedPowerW {
		return fmt.Errorf("minimum viable charge power %.0fW exceeds rated power %.0fW", c.MinimumViableW, c.RatedPowerW)
	}

	return nil
}

// CheckBackendURL verifies that a backend URL can be dialled as a WebSocket.
func CheckBackendURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid backend URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("unsupported backend URL scheme %q (supported: ws, wss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("backend URL %q has no host", raw)
	}
	return nil
}

// HasMQTT returns true if MQTT is configured
func (c *Config) HasMQTT() bool {
	return c.MQTTUrl != ""
}

// HasNATS returns true if NATS is configured
func (c *Config) HasNATS() bool {
	return c.NATSUrl != ""
}

// ParseInterval accepts either a Go duration ("10s") or a bare number of
// seconds ("10"). Negative values are rejected.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative interval %q", s)
		}
		return d, nil
	}
	secs, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	if secs < 0 {
		return 0, fmt.Errorf("negative interval %q", s)
	}
	return time.Duration(secs) * time.Second, nil
}

// LoadEnvFile merges KEY=VALUE pairs from path into the process
// environment. Variables already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
