package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/couplet/go/internal/eventstream"
)

type HealthStatus struct {
	Healthy        bool     `json:"healthy"`
	StreamState    string   `json:"streamState"`
	SocketOpen     bool     `json:"socketOpen"`
	RedisConnected *bool    `json:"redisConnected,omitempty"`
	Errors         []string `json:"errors"`
}

// healthTarget is the part of Services the health check reads
type healthTarget struct {
	stream interface{ Status() eventstream.Status }
	socket interface{ Done() <-chan struct{} }
	redis  *redis.Client
}

func checkHealth(ctx context.Context, t healthTarget) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}

	st := t.stream.Status()
	status.StreamState = string(st.State)
	if st.Exhausted {
		status.Healthy = false
		status.Errors = append(status.Errors, "event stream gave up reconnecting")
	}

	select {
	case <-t.socket.Done():
		status.Healthy = false
		status.Errors = append(status.Errors, "invite socket closed")
	default:
		status.SocketOpen = true
	}

	if t.redis != nil {
		ok := t.redis.Ping(ctx).Err() == nil
		status.RedisConnected = &ok
		if !ok {
			// the mirror is optional; report without failing
			status.Errors = append(status.Errors, "redis unreachable")
		}
	}

	return status
}

func healthHandler(svc *Services) http.Handler {
	target := healthTarget{stream: svc.Stream, socket: svc.Socket, redis: svc.Redis}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := checkHealth(ctx, target)
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Error().Err(err).Msg("failed to write health response")
		}
	})
}
