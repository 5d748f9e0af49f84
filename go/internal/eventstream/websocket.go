package eventstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxFrameSize     = 64 * 1024
	controlWriteWait = 10 * time.Second
)

// WebSocketDialer opens the push channel over a WebSocket, passing the
// credential as a bearer token.
type WebSocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
}

func (d *WebSocketDialer) Dial(ctx context.Context, credential string) (Stream, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	s := &wsStream{conn: conn, alive: make(chan struct{}, 1)}
	conn.SetPingHandler(s.handlePing)
	conn.SetPongHandler(func(string) error {
		s.signal()
		return nil
	})
	return s, nil
}

// wsStream surfaces data frames. Control frames are handled inside Recv and
// reported through Keepalive.
type wsStream struct {
	conn  *websocket.Conn
	alive chan struct{}
}

func (s *wsStream) Keepalive() <-chan struct{} {
	return s.alive
}

func (s *wsStream) signal() {
	select {
	case s.alive <- struct{}{}:
	default:
	}
}

// handlePing answers like the gorilla default handler and records liveness
func (s *wsStream) handlePing(appData string) error {
	s.signal()
	err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWriteWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	return err
}

func (s *wsStream) Recv() ([]byte, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
