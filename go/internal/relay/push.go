package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/couplet/go/internal/events"
	"github.com/mcdev12/couplet/go/internal/metrics"
)

const (
	endpointEventsWS  = "events_ws"
	endpointEventsSSE = "events_sse"
)

// Publisher hands an event frame to the delivery path for a user
type Publisher interface {
	Publish(ctx context.Context, userID string, frame []byte) error
}

// PushGateway fans push-event frames out to every open stream of a user,
// over WebSocket or SSE.
type PushGateway struct {
	auth     Authenticator
	config   ConnectionConfig
	upgrader websocket.Upgrader

	// Keepalive is the interval of ping events on every push stream
	Keepalive time.Duration

	mu      sync.RWMutex
	sockets map[string]map[*Connection]bool
	streams map[string]map[chan []byte]bool
}

// NewPushGateway creates a gateway that authenticates subscribers with auth
func NewPushGateway(auth Authenticator, config ConnectionConfig) *PushGateway {
	return &PushGateway{
		auth:      auth,
		config:    config,
		upgrader:  config.upgrader(),
		sockets:   make(map[string]map[*Connection]bool),
		streams:   make(map[string]map[chan []byte]bool),
		Keepalive: config.PingInterval,
	}
}

// Publish delivers in-process. It satisfies Publisher when no broker is configured.
func (g *PushGateway) Publish(_ context.Context, userID string, frame []byte) error {
	if _, err := events.Parse(frame); err != nil {
		return err
	}
	g.Deliver(userID, frame)
	return nil
}

// Deliver sends the frame to each of the user's open streams and returns
// how many accepted it.
func (g *PushGateway) Deliver(userID string, frame []byte) int {
	g.mu.RLock()
	var sockets []*Connection
	for c := range g.sockets[userID] {
		sockets = append(sockets, c)
	}
	var streams []chan []byte
	for ch := range g.streams[userID] {
		streams = append(streams, ch)
	}
	g.mu.RUnlock()

	delivered := 0
	for _, c := range sockets {
		if c.enqueue(frame) {
			delivered++
		}
	}
	for _, ch := range streams {
		select {
		case ch <- frame:
			delivered++
		default:
			log.Warn().Str("user_id", userID).Msg("sse buffer full, dropping event")
		}
	}

	log.Debug().Str("user_id", userID).Int("delivered", delivered).Msg("push event delivered")
	return delivered
}

// Subscribers returns the number of open streams for the user
func (g *PushGateway) Subscribers(userID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sockets[userID]) + len(g.streams[userID])
}

// HandleWebSocket serves the WebSocket push transport
func (g *PushGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.authenticate(w, r)
	if !ok {
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to upgrade push socket")
		return
	}

	c := newConnection(conn, userID, g.config, g.handleClientMessage, g.unregisterSocket)
	g.mu.Lock()
	if g.sockets[userID] == nil {
		g.sockets[userID] = make(map[*Connection]bool)
	}
	g.sockets[userID][c] = true
	g.mu.Unlock()
	metrics.RelayConnections.WithLabelValues(endpointEventsWS).Inc()

	c.start()
	if frame, err := events.Encode(events.TypeConnected, events.ConnectedPayload{UserID: userID}); err == nil {
		c.enqueue(frame)
	}
	go g.pingSocket(c)

	log.Info().
		Str("connection_id", c.ID).
		Str("user_id", userID).
		Msg("push socket connected")
}

// pingSocket sends ping events until the socket closes
func (g *PushGateway) pingSocket(c *Connection) {
	frame, err := events.Encode(events.TypePing, nil)
	if err != nil {
		return
	}
	ticker := time.NewTicker(g.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.enqueue(frame) {
				return
			}
		}
	}
}

func (g *PushGateway) handleClientMessage(c *Connection, message []byte) {
	log.Debug().
		Str("connection_id", c.ID).
		Str("user_id", c.UserID).
		Int("bytes", len(message)).
		Msg("ignoring client message on push socket")
}

func (g *PushGateway) unregisterSocket(c *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if conns, ok := g.sockets[c.UserID]; ok && conns[c] {
		delete(conns, c)
		if len(conns) == 0 {
			delete(g.sockets, c.UserID)
		}
		metrics.RelayConnections.WithLabelValues(endpointEventsWS).Dec()
		log.Info().Str("connection_id", c.ID).Str("user_id", c.UserID).Msg("push socket closed")
	}
}

// HandleSSE serves the server-sent-events push transport
func (g *PushGateway) HandleSSE(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.authenticate(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan []byte, g.config.SendBuffer)
	g.mu.Lock()
	if g.streams[userID] == nil {
		g.streams[userID] = make(map[chan []byte]bool)
	}
	g.streams[userID][ch] = true
	g.mu.Unlock()
	metrics.RelayConnections.WithLabelValues(endpointEventsSSE).Inc()

	defer func() {
		g.mu.Lock()
		delete(g.streams[userID], ch)
		if len(g.streams[userID]) == 0 {
			delete(g.streams, userID)
		}
		g.mu.Unlock()
		metrics.RelayConnections.WithLabelValues(endpointEventsSSE).Dec()
		log.Info().Str("user_id", userID).Msg("sse stream closed")
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	write := func(frame []byte) bool {
		for _, line := range strings.Split(string(frame), "\n") {
			if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
				return false
			}
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if frame, err := events.Encode(events.TypeConnected, events.ConnectedPayload{UserID: userID}); err == nil {
		if !write(frame) {
			return
		}
	}
	log.Info().Str("user_id", userID).Msg("sse stream opened")

	ping := time.NewTicker(g.Keepalive)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-ch:
			if !write(frame) {
				return
			}
		case <-ping.C:
			frame, _ := events.Encode(events.TypePing, nil)
			if !write(frame) {
				return
			}
		}
	}
}

func (g *PushGateway) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	userID, err := g.auth.Authenticate(r.Context(), token)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejected push subscriber")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}
