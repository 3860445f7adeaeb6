package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jkaberg/evse-sim/internal/api"
	"github.com/jkaberg/evse-sim/internal/app"
	"github.com/jkaberg/evse-sim/internal/clock"
	"github.com/jkaberg/evse-sim/internal/config"
	"github.com/jkaberg/evse-sim/internal/fleet"
	"github.com/jkaberg/evse-sim/internal/mqtt"
	"github.com/jkaberg/evse-sim/internal/netutil"
	"github.com/jkaberg/evse-sim/internal/store"
	"github.com/jkaberg/evse-sim/internal/supervisor"
	"github.com/jkaberg/evse-sim/internal/transmission"
	"github.com/jkaberg/evse-sim/internal/transport"
	"github.com/sirupsen/logrus"
)

// version is injected at build time via ldflags
var version = "dev"

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := parseFlags()
	logger := setupLogger(cfg.Verbose)

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	logger.WithFields(logrus.Fields{
		"version":       version,
		"backend":       netutil.CleanURL(cfg.BackendURL),
		"charge_box_id": cfg.ChargeBoxID,
		"connectors":    cfg.NumConnectors,
		"rated_w":       cfg.RatedPowerW,
		"store":         netutil.CleanURL(cfg.StoreLocation),
	}).Info("Starting EVSE simulator")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Persistence -----------------------------------------------------------------
	st, err := store.Open(ctx, cfg.StoreLocation, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close store")
		}
	}()

	var caPEM string
	if cfg.CACertFile != "" {
		b, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			logger.WithError(err).Fatal("Failed to read CA certificate")
		}
		caPEM = string(b)
	}

	// Core ------------------------------------------------------------------------
	fl := fleet.New(fleet.Options{
		Credentials: supervisor.ConnectionConfig{
			BackendURL:  cfg.BackendURL,
			ChargeBoxID: cfg.ChargeBoxID,
			AuthKey:     cfg.AuthKey,
			CACert:      caPEM,
		},
		Timing: supervisor.Options{
			PingInterval:      cfg.PingInterval,
			ReconnectInterval: cfg.ReconnectInterval,
			StaleTimeout:      cfg.StaleTimeout,
		},
		Connectors:     cfg.NumConnectors,
		RatedPowerW:    cfg.RatedPowerW,
		MinimumViableW: cfg.MinimumViableW,
	}, st, transport.NewWebSocketDialer(logger), clock.NewSystem(), logger)

	// Transmitters ----------------------------------------------------------------
	chargeBoxID := fl.GetCredentials().ChargeBoxID
	var transmitters []transmission.Transmitter
	if cfg.HasMQTT() {
		client, err := mqtt.NewClient(cfg.MQTTUrl, chargeBoxID, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create MQTT client")
		}
		transmitters = append(transmitters, transmission.NewMQTTTransmitter(client, logger))
		logger.Info("MQTT transmitter ready")
	}
	if cfg.HasNATS() {
		nc, err := transmission.ConnectNATS(cfg.NATSUrl, chargeBoxID, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to NATS")
		}
		transmitters = append(transmitters, transmission.NewNATSTransmitter(nc, chargeBoxID, logger))
		logger.Info("NATS transmitter ready")
	}

	server := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           api.New(fl, cfg.WebRoot, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Run application ------------------------------------------------------------
	if err := app.Run(ctx, cfg, fl, server, transmitters, logger); err != nil {
		logger.WithError(err).Error("EVSE simulator stopped with error")
		return
	}
	logger.Info("EVSE simulator stopped")
}

// -----------------------------------------------------------------------------
// Helpers & Flags
// -----------------------------------------------------------------------------

func parseFlags() *config.Config {
	cfg := config.GetDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.StringVar(&cfg.BackendURL, "backend-url", getEnv("EVSE_SIM_BACKEND_URL", cfg.BackendURL), "OCPP backend WebSocket URL (ws:// or wss://)")
	flag.StringVar(&cfg.ChargeBoxID, "charge-box-id", getEnv("EVSE_SIM_CHARGE_BOX_ID", cfg.ChargeBoxID), "Charge box identity")
	flag.StringVar(&cfg.AuthKey, "auth-key", getEnv("EVSE_SIM_AUTH_KEY", cfg.AuthKey), "HTTP Basic authorization key")
	flag.StringVar(&cfg.CACertFile, "ca-cert", getEnv("EVSE_SIM_CA_CERT", cfg.CACertFile), "PEM file with CA certificates for wss://")
	flag.StringVar(&cfg.StoreLocation, "store", getEnv("EVSE_SIM_STORE", cfg.StoreLocation), "Settings store: memory, file:<path> or postgres:// DSN")
	flag.StringVar(&cfg.HTTPListenAddr, "http-listen", getEnv("EVSE_SIM_HTTP_LISTEN", cfg.HTTPListenAddr), "REST API listen address")
	flag.StringVar(&cfg.WebRoot, "web-root", getEnv("EVSE_SIM_WEB_ROOT", cfg.WebRoot), "Dashboard directory (empty disables)")
	flag.StringVar(&cfg.MQTTUrl, "mqtt-url", getEnv("EVSE_SIM_MQTT_URL", cfg.MQTTUrl), "MQTT URL")
	flag.StringVar(&cfg.NATSUrl, "nats-url", getEnv("EVSE_SIM_NATS_URL", cfg.NATSUrl), "NATS URL")
	flag.BoolVar(&cfg.Verbose, "verbose", getEnv("EVSE_SIM_VERBOSE", "false") == "true", "Verbose logging")

	connectors := flag.String("connectors", getEnv("EVSE_SIM_CONNECTORS", strconv.Itoa(cfg.NumConnectors)), "Number of connectors")
	ratedPower := flag.String("rated-power", getEnv("EVSE_SIM_RATED_POWER", ""), "Rated power per connector in W")
	minPower := flag.String("min-power", getEnv("EVSE_SIM_MIN_POWER", ""), "Minimum viable charge power in W")

	pingStr := flag.String("ping-interval", getEnv("EVSE_SIM_PING_INTERVAL", ""), "WebSocket ping interval (e.g. 5s, 0 = disabled)")
	reconnectStr := flag.String("reconnect-interval", getEnv("EVSE_SIM_RECONNECT_INTERVAL", ""), "Minimum spacing between connect attempts (e.g. 30s)")
	staleStr := flag.String("stale-timeout", getEnv("EVSE_SIM_STALE_TIMEOUT", ""), "Close links silent for this long (e.g. 2m, 0 = disabled)")
	telemetryStr := flag.String("telemetry-interval", getEnv("EVSE_SIM_TELEMETRY_INTERVAL", ""), "Telemetry interval (e.g. 10s)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("evse-sim %s\n", version)
		os.Exit(0)
	}

	if v, err := strconv.Atoi(*connectors); err == nil {
		cfg.NumConnectors = v
	}
	if v, err := strconv.ParseFloat(*ratedPower, 64); err == nil {
		cfg.RatedPowerW = v
	}
	if v, err := strconv.ParseFloat(*minPower, 64); err == nil {
		cfg.MinimumViableW = v
	}

	// Duration overrides
	overrides := []struct {
		raw *string
		dst *time.Duration
	}{
		{pingStr, &cfg.PingInterval},
		{reconnectStr, &cfg.ReconnectInterval},
		{staleStr, &cfg.StaleTimeout},
		{telemetryStr, &cfg.TelemetryInterval},
	}
	for _, o := range overrides {
		if *o.raw == "" {
			continue
		}
		d, err := config.ParseInterval(*o.raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ignoring %v\n", err)
			continue
		}
		*o.dst = d
	}

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setupLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
