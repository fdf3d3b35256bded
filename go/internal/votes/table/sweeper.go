package table

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livevote/go/internal/models"
)

// OwnedKey is a live record together with the gateway holding its connection.
type OwnedKey struct {
	Room  string
	Key   models.ParticipantID
	Owner string
}

// OwnershipIndex lists records by owning gateway and removes them.
type OwnershipIndex interface {
	Owned(ctx context.Context) ([]OwnedKey, error)
	Remove(ctx context.Context, room string, key models.ParticipantID) error
}

// LeaseChecker reports whether a gateway instance is still alive.
type LeaseChecker interface {
	Alive(ctx context.Context, instanceID string) (bool, error)
}

// Sweeper removes records whose owning gateway stopped heartbeating. A
// gateway runs disconnect actions for its own connections; the sweeper covers
// the case where the gateway itself dies and cannot run them.
type Sweeper struct {
	index    OwnershipIndex
	leases   LeaseChecker
	clock    clockwork.Clock
	interval time.Duration
	onSwept  func(n int)
}

// NewSweeper creates a sweeper that checks every interval.
func NewSweeper(index OwnershipIndex, leases LeaseChecker, clock clockwork.Clock, interval time.Duration, onSwept func(n int)) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if onSwept == nil {
		onSwept = func(int) {}
	}
	return &Sweeper{
		index:    index,
		leases:   leases,
		clock:    clock,
		interval: interval,
		onSwept:  onSwept,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("stale record sweeper started")

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stale record sweeper shutting down")
			return
		case <-ticker.Chan():
			if _, err := s.SweepOnce(ctx); err != nil {
				log.Error().Err(err).Msg("failed to sweep stale vote records")
			}
		}
	}
}

// SweepOnce removes every record owned by a dead gateway and returns how many
// were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	owned, err := s.index.Owned(ctx)
	if err != nil {
		return 0, err
	}

	alive := make(map[string]bool)
	removed := 0
	for _, k := range owned {
		ok, checked := alive[k.Owner]
		if !checked {
			ok, err = s.leases.Alive(ctx, k.Owner)
			if err != nil {
				log.Warn().Err(err).Str("owner", k.Owner).Msg("could not check gateway lease")
				continue
			}
			alive[k.Owner] = ok
		}
		if ok {
			continue
		}

		if err := s.index.Remove(ctx, k.Room, k.Key); err != nil {
			log.Error().
				Err(err).
				Str("room", k.Room).
				Str("participant_id", string(k.Key)).
				Msg("failed to remove stale vote record")
			continue
		}
		removed++
		log.Info().
			Str("room", k.Room).
			Str("participant_id", string(k.Key)).
			Str("owner", k.Owner).
			Msg("removed vote record of dead gateway")
	}

	if removed > 0 {
		s.onSwept(removed)
	}
	return removed, nil
}
