package eventstream

import (
	"fmt"
	"net/http"

	"github.com/mcdev12/couplet/go/internal/config"
)

// NewDialer builds the dialer for the configured transport
func NewDialer(cfg config.StreamConfig, userID string) (Dialer, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return &WebSocketDialer{URL: cfg.URL, HandshakeTimeout: cfg.HandshakeLimit}, nil
	case config.TransportSSE:
		// no client timeout: the response body is the long-lived stream
		return &SSEDialer{URL: cfg.URL, Client: &http.Client{}}, nil
	case config.TransportNATS:
		if userID == "" {
			return nil, fmt.Errorf("nats transport requires a user id")
		}
		return &NATSDialer{
			URL:          cfg.URL,
			Subject:      UserSubject(cfg.NATSSubject, userID),
			Timeout:      cfg.HandshakeLimit,
			PingInterval: cfg.StaleAfter / 2,
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", cfg.Transport)
	}
}
