package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/couplet/go/clients"
	"github.com/mcdev12/couplet/go/internal/cache"
	"github.com/mcdev12/couplet/go/internal/config"
	"github.com/mcdev12/couplet/go/internal/eventstream"
	"github.com/mcdev12/couplet/go/internal/invite"
	"github.com/mcdev12/couplet/go/internal/metrics"
	"github.com/mcdev12/couplet/go/internal/models"
	"github.com/mcdev12/couplet/go/internal/profile"
	"github.com/mcdev12/couplet/go/internal/session"
	"github.com/mcdev12/couplet/go/internal/socket"
	"github.com/mcdev12/couplet/go/internal/supervisor"
)

// cacheEndpoints maps each cache key to the REST resource that fills it
var cacheEndpoints = map[cache.Key]cache.Endpoint{
	cache.KeyUnseenInteractions: {Path: clients.UnseenInteractionsEndpoint, List: true},
	cache.KeyRecentActivities:   {Path: clients.RecentActivitiesEndpoint, List: true},
	cache.KeyPartnerStatus:      {Path: clients.PartnerStatusEndpoint},
	cache.KeyPartnerMood:        {Path: clients.PartnerMoodEndpoint},
	cache.KeyVentMessages:       {Path: clients.VentMessagesEndpoint, List: true},
	cache.KeySweetMessages:      {Path: clients.SweetMessagesEndpoint, List: true},
	cache.KeyReceivedGifts:      {Path: clients.ReceivedGiftsEndpoint, List: true},
	cache.KeyUnreadCounts:       {Path: clients.UnreadCountsEndpoint},
}

type Services struct {
	Store        *cache.Store
	Router       *cache.Router
	Stream       *eventstream.Client
	Socket       *socket.Channel
	Launcher     *session.Launcher
	Invites      *invite.Coordinator
	Supervisor   *supervisor.Supervisor
	Redis        *redis.Client
	Metrics      *http.Server
	CriticalKeys []cache.Key
}

func setupServices(ctx context.Context, cfg config.Config) (*Services, error) {
	// Wire up leaf-first:
	// cache → router → event stream → socket → launcher → coordinator → supervisor
	clock := clockwork.NewRealClock()
	svc := &Services{}

	for _, k := range cfg.Cache.CriticalKeys {
		svc.CriticalKeys = append(svc.CriticalKeys, cache.Key(k))
	}

	// Cache
	api := clients.NewAPIClient(cfg.API.BaseURL, cfg.Token, cfg.API.Timeout)
	svc.Store = cache.NewStore(clock)
	cache.RegisterHTTPFetchers(svc.Store, api, cacheEndpoints)
	svc.Store.Subscribe(func(key cache.Key, entry cache.Entry) {
		log.Debug().Str("key", string(key)).Bool("stale", entry.Stale).Msg("cache entry changed")
	})

	if cfg.Redis.Addr != "" {
		svc.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		mirror := cache.NewRedisMirror(svc.Redis, cfg.UserID, cfg.Redis.TTL)
		keys := make([]cache.Key, 0, len(cacheEndpoints))
		for k := range cacheEndpoints {
			keys = append(keys, k)
		}
		if err := svc.Store.Warm(ctx, mirror, keys...); err != nil {
			log.Warn().Err(err).Msg("failed to warm cache from redis")
		}
		svc.Store.Subscribe(mirror.Observe)
		go mirror.Run(ctx)
	}

	svc.Router = cache.NewRouter(svc.Store)

	// Push events
	dialer, err := eventstream.NewDialer(cfg.Stream, cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream dialer: %w", err)
	}
	svc.Stream = eventstream.NewClient(dialer, clock, eventstream.OptionsFromConfig(cfg.Stream))
	svc.Stream.OnEvent(svc.Router.Route)
	svc.Stream.OnStatus(func(st eventstream.Status) {
		ev := log.Info().
			Str("state", string(st.State)).
			Int("attempt", st.Attempt)
		if st.NextDelay > 0 {
			ev = ev.Dur("next_delay", st.NextDelay)
		}
		if st.LastError != nil {
			ev = ev.AnErr("last_error", st.LastError)
		}
		ev.Bool("exhausted", st.Exhausted).Msg("event stream status")
	})

	// Invite/session socket
	svc.Socket, err = socket.Dial(ctx, cfg.Socket.URL, cfg.UserID, socket.OptionsFromConfig(cfg.Socket))
	if err != nil {
		return nil, fmt.Errorf("failed to open invite socket: %w", err)
	}

	notifier := models.NotifierFunc(func(n models.Notification) {
		log.Info().
			Str("kind", string(n.Kind)).
			Str("invite_id", n.InviteID).
			Str("room_id", n.RoomID).
			Msg(n.Message)
	})
	svc.Launcher = session.NewLauncher(svc.Socket, session.HandoffFunc(logHandoff), notifier, clock, session.OptionsFromConfig(cfg.Session))
	svc.Launcher.OnCountdown(func(remaining int) {
		log.Info().Int("remaining", remaining).Msg("countdown")
	})

	profiles := profile.NewClient(cfg.API.ProfileURL, cfg.Token, cfg.API.Timeout)
	inviteOpts := invite.DefaultOptions()
	inviteOpts.InviteTTL = cfg.Socket.InviteTTL
	svc.Invites = invite.NewCoordinator(svc.Socket, profiles, svc.Launcher, notifier, clock, inviteOpts)

	// Lifecycle
	svc.Supervisor = supervisor.New(svc.Stream, svc.Store, svc.CriticalKeys)

	if cfg.Metrics.Enabled {
		svc.Metrics = metrics.StartServer(cfg.Metrics.Addr, cfg.Metrics.Path, healthHandler(svc))
	}

	return svc, nil
}

// logHandoff records a launched room; gameplay lives outside this process
func logHandoff(_ context.Context, start session.SessionStart) error {
	players := make([]string, 0, len(start.Players))
	for _, p := range start.Players {
		players = append(players, p.ID)
	}
	log.Info().
		Str("room_id", start.RoomID).
		Str("game", start.GameName).
		Str("host_id", start.Host.ID).
		Str("host_name", start.Host.Name).
		Strs("players", players).
		Msg("session started")
	return nil
}

// Close releases everything setupServices opened
func (s *Services) Close(ctx context.Context) {
	s.Invites.Close()
	s.Stream.Disconnect()
	if err := s.Socket.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close invite socket")
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if s.Metrics != nil {
		if err := s.Metrics.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown failed")
		}
	}
}
