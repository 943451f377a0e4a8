package consent

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ScopeFunc prepares the context a sweep runs in, such as a tenant-pinned
// database connection, and returns a release function.
type ScopeFunc func(ctx context.Context) (context.Context, func(), error)

// Sweeper periodically reclaims sessions that can no longer change state.
// Expiry itself is computed on read, so sweeping only bounds storage.
type Sweeper struct {
	store    SessionStore
	interval time.Duration
	scopes   []ScopeFunc
	logger   zerolog.Logger
}

// NewSweeper returns a sweeper over store. With no scopes it sweeps with the
// context passed to Start.
func NewSweeper(store SessionStore, interval time.Duration, logger zerolog.Logger, scopes ...ScopeFunc) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		scopes:   scopes,
		logger:   logger.With().Str("component", "consent_sweeper").Logger(),
	}
}

// Start runs the sweep loop in a goroutine until ctx is cancelled. The
// returned channel is closed when the loop has exited.
func (s *Sweeper) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepOnce(ctx)
			}
		}
	}()
	return done
}

// SweepOnce runs one pass and returns the number of sessions removed.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	if len(s.scopes) == 0 {
		return s.sweep(ctx)
	}
	total := 0
	for _, scope := range s.scopes {
		scoped, release, err := scope(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("prepare sweep scope")
			continue
		}
		total += s.sweep(scoped)
		release()
	}
	return total
}

func (s *Sweeper) sweep(ctx context.Context) int {
	n, err := s.store.Sweep(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("consent session sweep failed")
		return 0
	}
	if n > 0 {
		s.logger.Debug().Int("removed", n).Msg("consent sessions swept")
	}
	return n
}
