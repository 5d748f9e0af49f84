package supervisor

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/couplet/go/internal/cache"
	"github.com/mcdev12/couplet/go/internal/eventstream"
)

// Lifecycle is an app foreground/background transition
type Lifecycle string

const (
	Foreground Lifecycle = "foreground"
	Background Lifecycle = "background"
)

// Stream defines what the supervisor needs from the event stream client
type Stream interface {
	State() eventstream.State
	Reconnect(ctx context.Context) error
}

// Refetcher defines what the supervisor needs from the cache
type Refetcher interface {
	Refetch(ctx context.Context, keys ...cache.Key) error
}

// Supervisor reconciles the stream and cache after the app returns to the
// foreground.
type Supervisor struct {
	stream       Stream
	cache        Refetcher
	criticalKeys []cache.Key

	mu         sync.Mutex
	background bool
	syncing    bool
}

func New(stream Stream, refetcher Refetcher, criticalKeys []cache.Key) *Supervisor {
	return &Supervisor{
		stream:       stream,
		cache:        refetcher,
		criticalKeys: append([]cache.Key(nil), criticalKeys...),
	}
}

// Syncing reports whether a foreground reconciliation is in progress
func (s *Supervisor) Syncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}

// HandleLifecycle processes one transition. A foreground after a background
// reconnects the stream if needed and refetches every critical key; it
// returns once the refetch is done.
func (s *Supervisor) HandleLifecycle(ctx context.Context, l Lifecycle) error {
	s.mu.Lock()
	switch l {
	case Background:
		s.background = true
		s.mu.Unlock()
		log.Debug().Msg("app moved to background")
		return nil
	case Foreground:
		if !s.background {
			s.mu.Unlock()
			return nil
		}
		s.background = false
		s.syncing = true
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		log.Warn().Str("lifecycle", string(l)).Msg("unknown lifecycle transition - ignoring")
		return nil
	}

	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	if state := s.stream.State(); state != eventstream.StateConnected {
		log.Info().Str("state", string(state)).Msg("foregrounded while not connected, reconnecting")
		if err := s.stream.Reconnect(ctx); err != nil {
			log.Warn().Err(err).Msg("foreground reconnect failed")
		}
	}

	// one failing key must not cancel the others
	var g errgroup.Group
	for _, key := range s.criticalKeys {
		g.Go(func() error {
			return s.cache.Refetch(ctx, key)
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Msg("foreground refetch incomplete")
		return err
	}

	log.Info().Int("keys", len(s.criticalKeys)).Msg("foreground refetch complete")
	return nil
}

// Run drives the supervisor from a lifecycle source until ctx is done or the
// source closes.
func (s *Supervisor) Run(ctx context.Context, transitions <-chan Lifecycle) {
	for {
		select {
		case <-ctx.Done():
			return
		case l, ok := <-transitions:
			if !ok {
				return
			}
			s.HandleLifecycle(ctx, l)
		}
	}
}
