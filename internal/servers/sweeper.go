package servers

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Sweeper periodically transitions servers that stopped announcing to
// offline, purges long-offline records, and expires stale tracked errors.
// It runs on an injected clock so tests can drive time.
type Sweeper struct {
	store     Store
	publisher *Publisher
	tracker   *ErrorTracker
	clk       clock.Clock
	log       zerolog.Logger

	// Interval between sweeps.
	Interval time.Duration
	// Online servers that have not announced for this long go offline.
	// Servers announce every 5 minutes by default, so keep this above that.
	PurgeTimeout time.Duration
	// Offline records older than this are dropped entirely.
	OfflineRetention time.Duration
}

func NewSweeper(store Store, publisher *Publisher, tracker *ErrorTracker,
	clk clock.Clock, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:            store,
		publisher:        publisher,
		tracker:          tracker,
		clk:              clk,
		log:              log.With().Str("component", "sweeper").Logger(),
		Interval:         time.Minute,
		PurgeTimeout:     6 * time.Minute,
		OfflineRetention: 7 * 24 * time.Hour,
	}
}

// Run sweeps on every tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clk.Ticker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep performs one pass. Safe to run concurrently with announce
// processing: all record access goes through the store's critical section.
func (s *Sweeper) Sweep() {
	now := s.clk.Now()
	cutoff := now.Add(-s.PurgeTimeout)

	expired := 0
	for _, rec := range s.store.Online() {
		if rec.LastUpdate.Before(cutoff) {
			if s.store.MarkOffline(rec.Identity(), now) {
				expired++
			}
		}
	}

	purged := s.store.PurgeOffline(now.Add(-s.OfflineRetention))
	s.tracker.Cleanup()

	if expired > 0 || purged > 0 {
		s.log.Info().Int("expired", expired).Int("purged", purged).Msg("swept stale servers")
		if err := s.publisher.Publish(); err != nil {
			s.log.Error().Err(err).Msg("publish after sweep failed")
		}
	}
}
