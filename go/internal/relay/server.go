package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/couplet/go/internal/events"
	"github.com/mcdev12/couplet/go/internal/metrics"
	"github.com/mcdev12/couplet/go/internal/profile"
)

const maxPushBody = 64 * 1024

// Server bundles the relay components behind one HTTP handler
type Server struct {
	Directory *Directory
	Hub       *InviteHub
	Push      *PushGateway
	Publisher Publisher
}

// NewServer wires a relay with in-process delivery. Replace Publisher to
// route through a broker.
func NewServer(directory *Directory, config ConnectionConfig) *Server {
	push := NewPushGateway(directory, config)
	return &Server{
		Directory: directory,
		Hub:       NewInviteHub(config),
		Push:      push,
		Publisher: push,
	}
}

// Handler returns the relay mux wrapped in CORS and h2c
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// RegisterRoutes registers every relay route with mux
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/invite", s.Hub.HandleConnection)
	mux.HandleFunc("/ws/events", s.Push.HandleWebSocket)
	mux.HandleFunc("/sse/events", s.Push.HandleSSE)
	mux.HandleFunc("POST /push/{userID}", s.handlePublish)
	mux.HandleFunc("GET /stats", s.handleStats)

	profilePath, profileHandler := profile.NewProfileServiceHandler(profile.NewService(s.Directory))
	mux.Handle(profilePath, profileHandler)

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

// handlePublish accepts a raw event frame for a user
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	frame, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := s.Publisher.Publish(r.Context(), userID, frame); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("rejected push publish")
		status := http.StatusBadGateway
		if errors.Is(err, events.ErrMalformedFrame) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Hub.Stats()); err != nil {
		log.Error().Err(err).Msg("failed to write stats")
	}
}
