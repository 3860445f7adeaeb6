package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jkaberg/evse-sim/internal/bus"
	"github.com/jkaberg/evse-sim/internal/config"
	"github.com/jkaberg/evse-sim/internal/fleet"
	"github.com/jkaberg/evse-sim/internal/transmission"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Run drives the control loop, the telemetry scheduler and the HTTP facade
// until ctx is cancelled. server may be nil.
func Run(
	ctx context.Context,
	cfg *config.Config,
	fl *fleet.Fleet,
	server *http.Server,
	transmitters []transmission.Transmitter,
	logger *logrus.Logger,
) error {
	messageBus := bus.New()
	grp, ctx := errgroup.WithContext(ctx)

	// Control loop ---------------------------------------------------------
	grp.Go(func() error {
		ticker := time.NewTicker(config.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				fl.Tick()
				messageBus.Publish(fl.Snapshots(time.Now()))
			}
		}
	})

	// Telemetry scheduler --------------------------------------------------
	if len(transmitters) > 0 {
		sub := messageBus.Subscribe()
		sched := newScheduler(transmitters, cfg.TelemetryInterval, config.TelemetryForceInterval, logger)
		grp.Go(func() error {
			defer messageBus.Unsubscribe(sub)
			return sched.run(ctx, sub)
		})
	} else {
		logger.Warn("No transmitters configured; telemetry disabled")
	}

	// HTTP facade ----------------------------------------------------------
	if server != nil {
		grp.Go(func() error {
			logger.WithField("addr", server.Addr).Info("HTTP server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		grp.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("HTTP server shutdown failed")
			}
			return nil
		})
	}

	err := grp.Wait()
	for _, tx := range transmitters {
		tx.Close()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Warn("app: background group exited")
		return err
	}
	return nil
}
