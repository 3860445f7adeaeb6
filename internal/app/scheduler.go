package app

import (
	"context"
	"time"

	"github.com/jkaberg/evse-sim/internal/domain"
	"github.com/jkaberg/evse-sim/internal/transmission"
	"github.com/sirupsen/logrus"
)

const schedulerTick = time.Second

type sinkState struct {
	tx       transmission.Transmitter
	lastSent map[int]time.Time
	lastSnap map[int]*domain.Snapshot
}

// scheduler forwards the newest snapshot batch to every transmitter,
// per connector, no more often than interval and only when it changed
// (or force has elapsed).
type scheduler struct {
	sinks    []*sinkState
	interval time.Duration
	force    time.Duration
	logger   *logrus.Logger
}

func newScheduler(txs []transmission.Transmitter, interval, force time.Duration, logger *logrus.Logger) *scheduler {
	s := &scheduler{interval: interval, force: force, logger: logger}
	for _, tx := range txs {
		s.sinks = append(s.sinks, &sinkState{
			tx:       tx,
			lastSent: make(map[int]time.Time),
			lastSnap: make(map[int]*domain.Snapshot),
		})
	}
	return s
}

func (s *scheduler) run(ctx context.Context, sub <-chan []domain.Snapshot) error {
	var latest []domain.Snapshot
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snaps, ok := <-sub:
			if !ok {
				return nil
			}
			latest = snaps
		case <-ticker.C:
			s.step(ctx, time.Now(), latest)
		}
	}
}

func (s *scheduler) step(ctx context.Context, now time.Time, snaps []domain.Snapshot) {
	for _, sink := range s.sinks {
		for i := range snaps {
			snap := &snaps[i]
			id := snap.Connector.ConnectorID

			last, sent := sink.lastSent[id]
			if sent && now.Sub(last) < s.interval {
				continue
			}
			forced := s.force > 0 && sent && now.Sub(last) >= s.force
			if !forced && !domain.Changed(sink.lastSnap[id], snap) {
				continue
			}

			if err := sink.tx.Transmit(ctx, snap); err != nil {
				s.logger.WithError(err).WithField("connector_id", id).Warn(sink.tx.Name() + " transmit failed")
				// retry on the next interval even without a change
				delete(sink.lastSnap, id)
				sink.lastSent[id] = now
				continue
			}
			cp := *snap
			sink.lastSnap[id] = &cp
			sink.lastSent[id] = now
		}
	}
}
