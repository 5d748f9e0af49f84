package eventstream

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/couplet/go/internal/config"
	"github.com/mcdev12/couplet/go/internal/events"
	"github.com/mcdev12/couplet/go/internal/metrics"
)

// State is the connection state of the push-event stream
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

var allStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateConnected),
	string(StateReconnecting),
}

// Status is a snapshot of the client for UI indicators
type Status struct {
	State     State
	Attempt   int
	NextDelay time.Duration
	Exhausted bool
	LastError error
}

// Handler receives parsed events
type Handler func(events.Event)

// StatusListener receives a status snapshot on every transition
type StatusListener func(Status)

// Options tunes reconnect behaviour
type Options struct {
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	MaxAttempts   int
	StaleAfter    time.Duration
}

func DefaultOptions() Options {
	return Options{
		ReconnectBase: time.Second,
		ReconnectCap:  30 * time.Second,
		MaxAttempts:   10,
	}
}

func OptionsFromConfig(cfg config.StreamConfig) Options {
	opts := Options{
		ReconnectBase: cfg.ReconnectBase,
		ReconnectCap:  cfg.ReconnectCap,
		MaxAttempts:   cfg.MaxAttempts,
		StaleAfter:    cfg.StaleAfter,
	}
	if cfg.Transport == config.TransportNATS {
		// the NATS connection pings the server itself, see NATSDialer
		opts.StaleAfter = 0
	}
	return opts
}

// Client holds the single long-lived push-event connection for a session and
// keeps it alive with exponential backoff.
type Client struct {
	dialer Dialer
	clock  clockwork.Clock
	opts   Options

	mu         sync.Mutex
	state      State
	credential string
	// gen changes on every dial attempt and teardown; callbacks carrying an
	// older gen are ignored.
	gen       uint64
	runCtx    context.Context
	cancel    context.CancelFunc
	stream    Stream
	connDone  chan struct{}
	lastFrame time.Time

	reconnectTimer clockwork.Timer
	timerStop      chan struct{}
	backoff        backoff.BackOff
	attempt        int
	nextDelay      time.Duration
	exhausted      bool
	lastErr        error

	listenersMu     sync.RWMutex
	handlers        map[int]Handler
	statusListeners map[int]StatusListener
	nextListenerID  int
}

// NewClient creates a disconnected client
func NewClient(dialer Dialer, clock clockwork.Clock, opts Options) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		dialer:          dialer,
		clock:           clock,
		opts:            opts,
		state:           StateDisconnected,
		backoff:         newReconnectBackOff(opts.ReconnectBase, opts.ReconnectCap, opts.MaxAttempts, clock),
		handlers:        make(map[int]Handler),
		statusListeners: make(map[int]StatusListener),
	}
}

// OnEvent registers a handler for every parsed event. Handlers survive
// reconnects; call the returned function to remove it.
func (c *Client) OnEvent(h Handler) func() {
	c.listenersMu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.handlers[id] = h
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.handlers, id)
		c.listenersMu.Unlock()
	}
}

// OnStatus registers a listener for status transitions
func (c *Client) OnStatus(l StatusListener) func() {
	c.listenersMu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.statusListeners[id] = l
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.statusListeners, id)
		c.listenersMu.Unlock()
	}
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the full status snapshot
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Connect opens the stream with the session credential. An empty credential
// leaves the client disconnected. Connecting again with the same credential
// while already active is a no-op.
func (c *Client) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		log.Debug().Msg("no credential, staying disconnected")
		return nil
	}

	c.mu.Lock()
	if c.state != StateDisconnected && c.credential == credential {
		c.mu.Unlock()
		return nil
	}

	c.teardownLocked()
	c.credential = credential
	c.runCtx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	gen := c.beginAttemptLocked()
	st := c.statusLocked()
	c.mu.Unlock()

	c.publish(st)
	go c.dial(gen)
	return nil
}

// Disconnect closes the stream and cancels any pending reconnect. Safe to call
// repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected && c.reconnectTimer == nil && c.stream == nil && c.credential == "" {
		c.mu.Unlock()
		return
	}

	c.teardownLocked()
	c.credential = ""
	st := c.statusLocked()
	c.mu.Unlock()

	log.Info().Msg("event stream disconnected")
	c.publish(st)
}

// Reconnect forces an immediate fresh attempt with the backoff reset. It is a
// no-op while connected or connecting.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if c.credential == "" {
		c.mu.Unlock()
		return ErrNoCredential
	}

	c.cancelTimerLocked()
	c.backoff.Reset()
	c.attempt = 0
	c.exhausted = false
	if c.runCtx == nil || c.runCtx.Err() != nil {
		c.runCtx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	gen := c.beginAttemptLocked()
	st := c.statusLocked()
	c.mu.Unlock()

	log.Info().Msg("forced event stream reconnect")
	c.publish(st)
	go c.dial(gen)
	return nil
}

// beginAttemptLocked moves to Connecting under a fresh generation
func (c *Client) beginAttemptLocked() uint64 {
	c.gen++
	c.state = StateConnecting
	c.nextDelay = 0
	return c.gen
}

func (c *Client) dial(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	ctx := c.runCtx
	credential := c.credential
	c.mu.Unlock()

	stream, err := c.dialer.Dial(ctx, credential)

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		return
	}

	if err != nil {
		c.lastErr = err
		log.Warn().Err(err).Int("attempt", c.attempt).Msg("event stream dial failed")
		c.scheduleReconnectLocked()
		st := c.statusLocked()
		c.mu.Unlock()
		c.publish(st)
		return
	}

	c.stream = stream
	c.connDone = make(chan struct{})
	c.lastFrame = c.clock.Now()
	c.state = StateConnected
	c.attempt = 0
	c.backoff.Reset()
	c.exhausted = false
	c.lastErr = nil
	done := c.connDone
	st := c.statusLocked()
	c.mu.Unlock()

	log.Info().Msg("event stream connected")
	c.publish(st)

	if c.opts.StaleAfter > 0 {
		var alive <-chan struct{}
		if k, ok := stream.(Keepaliver); ok {
			alive = k.Keepalive()
		}
		go c.watch(gen, done, alive)
	}
	go c.readLoop(gen, stream)
}

func (c *Client) readLoop(gen uint64, stream Stream) {
	for {
		frame, err := stream.Recv()
		if err != nil {
			c.handleFailure(gen, err)
			return
		}

		if !c.touch(gen) {
			return
		}

		ev, err := events.Parse(frame)
		if err != nil {
			metrics.StreamMalformedFrames.Inc()
			log.Warn().Err(err).Int("frame_bytes", len(frame)).Msg("dropping malformed frame")
			continue
		}

		label := string(ev.Type)
		if !ev.Type.IsKnown() {
			label = "unknown"
		}
		metrics.StreamFrames.WithLabelValues(label).Inc()

		c.dispatch(ev)
	}
}

// watch treats a connection that stays silent for StaleAfter as failed.
// Signals on alive count as activity.
func (c *Client) watch(gen uint64, done, alive <-chan struct{}) {
	timer := c.clock.NewTimer(c.opts.StaleAfter)
	defer stopAndDrainTimer(timer)

	for {
		select {
		case <-done:
			return
		case <-alive:
			if !c.touch(gen) {
				return
			}
			continue
		case <-timer.Chan():
		}

		c.mu.Lock()
		if gen != c.gen || c.state != StateConnected {
			c.mu.Unlock()
			return
		}
		idle := c.clock.Since(c.lastFrame)
		c.mu.Unlock()

		if idle >= c.opts.StaleAfter {
			log.Warn().Dur("idle", idle).Msg("event stream went stale")
			c.handleFailure(gen, ErrStaleStream)
			return
		}
		timer.Reset(c.opts.StaleAfter - idle)
	}
}

// touch records activity on the connection of gen
func (c *Client) touch(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.lastFrame = c.clock.Now()
	return true
}

func (c *Client) dispatch(ev events.Event) {
	c.listenersMu.RLock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.listenersMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event_type", string(ev.Type)).
						Msg("event handler panicked")
				}
			}()
			h(ev)
		}()
	}
}

// handleFailure records a transport failure for the connection of gen.
// Failures from superseded connections are ignored.
func (c *Client) handleFailure(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}

	log.Warn().Err(err).Msg("event stream failed")
	c.lastErr = err
	c.closeStreamLocked()
	c.scheduleReconnectLocked()
	st := c.statusLocked()
	c.mu.Unlock()

	c.publish(st)
}

// scheduleReconnectLocked arms the single reconnect timer. A pending timer
// absorbs any further failure signals.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		return
	}

	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		c.gen++
		c.state = StateDisconnected
		c.exhausted = true
		c.nextDelay = 0
		log.Error().Int("attempts", c.attempt).Msg("event stream reconnect attempts exhausted")
		return
	}

	c.attempt++
	c.gen++
	token := c.gen
	c.state = StateReconnecting
	c.nextDelay = delay

	timer := c.clock.NewTimer(delay)
	stop := make(chan struct{})
	c.reconnectTimer = timer
	c.timerStop = stop

	go func() {
		select {
		case <-timer.Chan():
			c.fireReconnect(token)
		case <-stop:
		}
	}()

	metrics.StreamReconnects.Inc()
	log.Info().
		Int("attempt", c.attempt).
		Dur("delay", delay).
		Msg("scheduled event stream reconnect")
}

func (c *Client) fireReconnect(token uint64) {
	c.mu.Lock()
	if token != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.timerStop = nil
	gen := c.beginAttemptLocked()
	st := c.statusLocked()
	c.mu.Unlock()

	c.publish(st)
	c.dial(gen)
}

func (c *Client) cancelTimerLocked() {
	if c.reconnectTimer == nil {
		return
	}
	stopAndDrainTimer(c.reconnectTimer)
	close(c.timerStop)
	c.reconnectTimer = nil
	c.timerStop = nil
}

func (c *Client) closeStreamLocked() {
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	if c.stream != nil {
		if err := c.stream.Close(); err != nil {
			log.Debug().Err(err).Msg("error closing event stream")
		}
		c.stream = nil
	}
}

// teardownLocked returns the client to a clean Disconnected state
func (c *Client) teardownLocked() {
	c.gen++
	c.cancelTimerLocked()
	c.closeStreamLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.runCtx = nil
	c.state = StateDisconnected
	c.attempt = 0
	c.nextDelay = 0
	c.exhausted = false
	c.lastErr = nil
	c.backoff.Reset()
}

func (c *Client) statusLocked() Status {
	return Status{
		State:     c.state,
		Attempt:   c.attempt,
		NextDelay: c.nextDelay,
		Exhausted: c.exhausted,
		LastError: c.lastErr,
	}
}

func (c *Client) publish(st Status) {
	metrics.SetStreamState(string(st.State), allStates...)

	c.listenersMu.RLock()
	listeners := make([]StatusListener, 0, len(c.statusListeners))
	for _, l := range c.statusListeners {
		listeners = append(listeners, l)
	}
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		l(st)
	}
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
