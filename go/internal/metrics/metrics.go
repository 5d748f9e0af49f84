package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// Event stream metrics
	StreamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "couplet_stream_state",
		Help: "1 for the current push-event connection state, 0 otherwise.",
	}, []string{"state"})
	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "couplet_stream_reconnects_scheduled_total",
		Help: "The total number of reconnect timers scheduled.",
	})
	StreamFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couplet_stream_frames_total",
		Help: "The total number of push-event frames received, by event type.",
	}, []string{"type"})
	StreamMalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "couplet_stream_malformed_frames_total",
		Help: "The total number of frames dropped because they could not be parsed.",
	})

	// Cache metrics
	CacheActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couplet_cache_actions_total",
		Help: "The total number of cache actions applied, by action kind.",
	}, []string{"action"})
	CacheRefetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couplet_cache_refetches_total",
		Help: "The total number of cache refetches, by outcome.",
	}, []string{"outcome"})

	// Invite and session metrics
	Invites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couplet_invites_total",
		Help: "The total number of invites, by direction and outcome.",
	}, []string{"direction", "outcome"})
	SessionLaunches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "couplet_session_launches_total",
		Help: "The total number of sessions handed off to gameplay.",
	})
	RoomTeardowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "couplet_room_teardowns_total",
		Help: "The total number of rooms torn down before launch, by reason.",
	}, []string{"reason"})

	// Relay metrics
	RelayConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "couplet_relay_connections_active",
		Help: "The current number of relay WebSocket connections, by endpoint.",
	}, []string{"endpoint"})
)

// SetStreamState marks exactly one state as current
func SetStreamState(current string, all ...string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		StreamState.WithLabelValues(s).Set(v)
	}
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer serves the scrape endpoint in the background. A non-nil health
// handler is mounted at /health.
func StartServer(addr, path string, health http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, Handler())
	if health != nil {
		mux.Handle("/health", health)
	}
	srv := &http.Server{Addr: addr, Handler: mux}

	log.Info().Str("addr", addr).Str("path", path).Msg("starting metrics server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}
