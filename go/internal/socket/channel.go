package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/couplet/go/internal/config"
)

// ErrClosed is returned when sending on a closed channel
var ErrClosed = errors.New("socket channel closed")

// Conn is what invite and session logic need from the socket
type Conn interface {
	Send(ctx context.Context, t MessageType, payload interface{}) error
	Subscribe(h Handler) func()
}

// Options holds connection settings for a Channel
type Options struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func DefaultOptions() Options {
	return Options{
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 16 * 1024,
		SendBuffer:     64,
	}
}

func OptionsFromConfig(cfg config.SocketConfig) Options {
	opts := DefaultOptions()
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.PingInterval > 0 {
		opts.PingInterval = cfg.PingInterval
	}
	return opts
}

// Channel is the bidirectional invite/session socket for one user. It is
// owned by the host and shared by the invite coordinator and the launcher.
type Channel struct {
	conn   *websocket.Conn
	userID string
	opts   Options

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
}

// Dial connects and registers userID with the server
func Dial(ctx context.Context, url, userID string, opts Options) (*Channel, error) {
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: opts.WriteTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial socket: %w", err)
	}

	c := newChannel(conn, userID, opts)
	go c.writePump()
	go c.readPump()

	if err := c.Send(ctx, TypeRegisterUser, RegisterUserPayload{UserID: userID}); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to register user: %w", err)
	}

	log.Info().Str("user_id", userID).Str("url", url).Msg("socket channel connected")
	return c, nil
}

func newChannel(conn *websocket.Conn, userID string, opts Options) *Channel {
	defaults := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaults.SendBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}
	return &Channel{
		conn:     conn,
		userID:   userID,
		opts:     opts,
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
		handlers: make(map[int]Handler),
	}
}

// Send queues a message for the write pump
func (c *Channel) Send(ctx context.Context, t MessageType, payload interface{}) error {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for incoming messages
func (c *Channel) Subscribe(h Handler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Done is closed once the channel is closed for any reason
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close shuts the channel down. Subscribers are not told; channel_closed is
// only emitted when the remote side drops.
func (c *Channel) Close() error {
	c.shutdown(true)
	return nil
}

func (c *Channel) shutdown(local bool) {
	c.closeOnce.Do(func() {
		close(c.done)
		if local {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		c.conn.Close()

		if !local {
			log.Warn().Str("user_id", c.userID).Msg("socket channel dropped")
			c.dispatch(Envelope{Type: TypeChannelClosed})
		}
	})
}

func (c *Channel) dispatch(env Envelope) {
	c.mu.RLock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

// writePump serialises all writes to the connection
func (c *Channel) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("user_id", c.userID).Msg("failed to write socket message")
				c.shutdown(false)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("user_id", c.userID).Msg("failed to send ping")
				c.shutdown(false)
				return
			}
		}
	}
}

func (c *Channel) readPump() {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("user_id", c.userID).Msg("unexpected socket close error")
			}
			c.shutdown(false)
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
			log.Warn().Str("user_id", c.userID).Msg("dropping malformed socket message")
			continue
		}
		if env.Type == TypeChannelClosed {
			continue
		}

		c.dispatch(env)
	}
}
