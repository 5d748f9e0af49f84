package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/couplet/go/internal/config"
	"github.com/mcdev12/couplet/go/internal/metrics"
	"github.com/mcdev12/couplet/go/internal/models"
	"github.com/mcdev12/couplet/go/internal/socket"
)

// State is the launcher lifecycle for one room
type State string

const (
	StateIdle      State = "idle"
	StateWaiting   State = "waiting"
	StateLaunching State = "launching"
)

// Teardown reasons passed to OnTeardown observers
const (
	TeardownLeft          = "left"
	TeardownPlayerLeft    = "player_left"
	TeardownError         = "error"
	TeardownChannelClosed = "channel_closed"
)

// ErrRoomActive is returned when entering a room while another is open
var ErrRoomActive = errors.New("a room is already active")

// RoomSpec describes the room being entered. Peer is set on the acceptor side,
// where the host is already known to be present.
type RoomSpec struct {
	RoomID   string
	GameName string
	Host     models.Player
	Local    models.Player
	Peer     *models.Player
}

// SessionStart is handed to gameplay exactly once per room
type SessionStart struct {
	RoomID   string
	Players  []models.Player
	GameName string
	Host     models.Player
}

// Handoff starts gameplay for a launched room
type Handoff interface {
	Launch(ctx context.Context, start SessionStart) error
}

// HandoffFunc adapts a function to Handoff
type HandoffFunc func(ctx context.Context, start SessionStart) error

func (f HandoffFunc) Launch(ctx context.Context, start SessionStart) error { return f(ctx, start) }

// Options tunes the countdown
type Options struct {
	CountdownFrom int
	Tick          time.Duration
}

func DefaultOptions() Options {
	return Options{CountdownFrom: 5, Tick: time.Second}
}

func OptionsFromConfig(cfg config.SessionConfig) Options {
	return Options{CountdownFrom: cfg.CountdownFrom, Tick: cfg.Tick}
}

// Launcher gathers both players in a room, runs the pre-game countdown and
// hands the session to gameplay.
type Launcher struct {
	conn     socket.Conn
	handoff  Handoff
	notifier models.Notifier
	clock    clockwork.Clock
	opts     Options

	mu    sync.Mutex
	state State
	room  *models.Room
	host  models.Player
	local models.Player
	// token changes whenever a room is entered or torn down
	token       uint64
	ctx         context.Context
	armed       bool
	remaining   int
	timer       clockwork.Timer
	timerStop   chan struct{}
	unsubscribe func()

	observersMu sync.RWMutex
	observers   map[int]func(remaining int)
	teardowns   map[int]func(roomID, reason string)
	nextObs     int
}

func NewLauncher(conn socket.Conn, handoff Handoff, notifier models.Notifier, clock clockwork.Clock, opts Options) *Launcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.CountdownFrom < 1 {
		opts.CountdownFrom = DefaultOptions().CountdownFrom
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultOptions().Tick
	}
	return &Launcher{
		conn:      conn,
		handoff:   handoff,
		notifier:  notifier,
		clock:     clock,
		opts:      opts,
		state:     StateIdle,
		observers: make(map[int]func(int)),
		teardowns: make(map[int]func(string, string)),
	}
}

// OnCountdown registers an observer called with the remaining count on every tick
func (l *Launcher) OnCountdown(fn func(remaining int)) func() {
	l.observersMu.Lock()
	id := l.nextObs
	l.nextObs++
	l.observers[id] = fn
	l.observersMu.Unlock()

	return func() {
		l.observersMu.Lock()
		delete(l.observers, id)
		l.observersMu.Unlock()
	}
}

// OnTeardown registers an observer called when a waiting room closes without
// launching, either through Leave or because the server dropped it.
func (l *Launcher) OnTeardown(fn func(roomID, reason string)) func() {
	l.observersMu.Lock()
	id := l.nextObs
	l.nextObs++
	l.teardowns[id] = fn
	l.observersMu.Unlock()

	return func() {
		l.observersMu.Lock()
		delete(l.teardowns, id)
		l.observersMu.Unlock()
	}
}

func (l *Launcher) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Active reports whether a room is open and waiting to launch
func (l *Launcher) Active() bool {
	return l.State() == StateWaiting
}

// Room returns a snapshot of the current room
func (l *Launcher) Room() (models.Room, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.room == nil {
		return models.Room{}, false
	}
	return l.room.Snapshot(), true
}

// Enter opens a room with the local player and announces it on the socket.
func (l *Launcher) Enter(ctx context.Context, spec RoomSpec) error {
	l.mu.Lock()
	if l.state == StateWaiting {
		l.mu.Unlock()
		return ErrRoomActive
	}

	l.token++
	token := l.token
	l.state = StateWaiting
	l.host = spec.Host
	l.local = spec.Local
	l.ctx = context.WithoutCancel(ctx)
	l.armed = false
	l.room = models.NewRoom(spec.RoomID, spec.Host.ID, spec.GameName, spec.Local)
	if spec.Peer != nil {
		if _, err := l.room.AddPlayer(*spec.Peer); err != nil {
			log.Warn().Err(err).Str("room_id", spec.RoomID).Msg("failed to seed peer")
		}
	}
	l.unsubscribe = l.conn.Subscribe(func(env socket.Envelope) { l.handle(token, env) })

	var first bool
	if l.room.Full() {
		first = l.armCountdownLocked(token)
	}
	l.mu.Unlock()

	log.Info().
		Str("room_id", spec.RoomID).
		Str("host_id", spec.Host.ID).
		Bool("host", spec.Host.ID == spec.Local.ID).
		Msg("entered room")

	if first {
		l.publishCountdown(l.opts.CountdownFrom)
	}

	err := l.conn.Send(ctx, socket.TypeJoinRoom, socket.JoinRoomPayload{RoomID: spec.RoomID, Player: spec.Local})
	if err != nil {
		l.mu.Lock()
		if l.token == token {
			l.teardownLocked(StateIdle)
		}
		l.mu.Unlock()
		return fmt.Errorf("failed to join room: %w", err)
	}
	return nil
}

// Leave announces departure and closes the room. It is a no-op when no room
// is waiting.
func (l *Launcher) Leave(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateWaiting {
		l.mu.Unlock()
		return nil
	}
	roomID := l.room.RoomID
	playerID := l.local.ID
	l.teardownLocked(StateIdle)
	l.mu.Unlock()

	metrics.RoomTeardowns.WithLabelValues(TeardownLeft).Inc()
	log.Info().Str("room_id", roomID).Msg("left room")

	err := l.conn.Send(ctx, socket.TypeLeaveRoom, socket.LeaveRoomPayload{RoomID: roomID, PlayerID: playerID})
	l.publishTeardown(roomID, TeardownLeft)
	if err != nil {
		return fmt.Errorf("failed to send leave_room: %w", err)
	}
	return nil
}

func (l *Launcher) handle(token uint64, env socket.Envelope) {
	l.mu.Lock()
	if token != l.token || l.state != StateWaiting {
		l.mu.Unlock()
		return
	}

	switch env.Type {
	case socket.TypePlayersUpdate:
		update, err := socket.Decode[socket.PlayersUpdatePayload](env)
		if err != nil || update.RoomID != l.room.RoomID {
			break
		}
		for _, p := range update.Players {
			l.addPlayerLocked(p)
		}
		l.maybeArmAndUnlock(token)
		return

	case socket.TypeInviteAccepted:
		accepted, err := socket.Decode[socket.InviteAcceptedPayload](env)
		if err != nil || accepted.RoomID != l.room.RoomID {
			break
		}
		l.addPlayerLocked(accepted.PartnerInfo)
		l.maybeArmAndUnlock(token)
		return

	case socket.TypePlayerLeft:
		left, err := socket.Decode[socket.PlayerLeftPayload](env)
		if err != nil || left.RoomID != l.room.RoomID || left.PlayerID == l.local.ID {
			break
		}
		l.abortAndUnlock(TeardownPlayerLeft, models.Notification{
			Kind:    models.NotificationPlayerLeft,
			Message: "your partner left the room",
		})
		return

	case socket.TypeError:
		msg := "the game server reported an error"
		if payload, err := socket.Decode[socket.ErrorPayload](env); err == nil && payload.Message != "" {
			msg = payload.Message
		}
		l.abortAndUnlock(TeardownError, models.Notification{
			Kind:    models.NotificationRoomError,
			Message: msg,
		})
		return

	case socket.TypeChannelClosed:
		l.abortAndUnlock(TeardownChannelClosed, models.Notification{
			Kind:    models.NotificationRoomError,
			Message: "connection to the game server was lost",
		})
		return
	}
	l.mu.Unlock()
}

func (l *Launcher) addPlayerLocked(p models.Player) {
	if p.ID == "" {
		return
	}
	added, err := l.room.AddPlayer(p)
	if err != nil {
		log.Warn().Err(err).Str("room_id", l.room.RoomID).Str("player_id", p.ID).Msg("ignoring extra player")
		return
	}
	if added {
		log.Info().Str("room_id", l.room.RoomID).Str("player_id", p.ID).Msg("player joined room")
	}
}

func (l *Launcher) maybeArmAndUnlock(token uint64) {
	var first bool
	if l.room.Full() {
		first = l.armCountdownLocked(token)
	}
	l.mu.Unlock()

	if first {
		l.publishCountdown(l.opts.CountdownFrom)
	}
}

func (l *Launcher) abortAndUnlock(reason string, n models.Notification) {
	roomID := l.room.RoomID
	l.teardownLocked(StateIdle)
	l.mu.Unlock()

	metrics.RoomTeardowns.WithLabelValues(reason).Inc()
	log.Info().Str("room_id", roomID).Str("reason", reason).Msg("room torn down before launch")

	n.RoomID = roomID
	if l.notifier != nil {
		l.notifier.Notify(n)
	}
	l.publishTeardown(roomID, reason)
}

// armCountdownLocked starts the countdown once per room. It reports whether
// this call armed it.
func (l *Launcher) armCountdownLocked(token uint64) bool {
	if l.armed {
		return false
	}
	l.armed = true
	l.remaining = l.opts.CountdownFrom
	remaining := l.remaining
	l.room.Countdown = &remaining
	l.scheduleTickLocked(token)

	log.Info().
		Str("room_id", l.room.RoomID).
		Int("countdown", l.remaining).
		Msg("countdown armed")
	return true
}

func (l *Launcher) scheduleTickLocked(token uint64) {
	timer := l.clock.NewTimer(l.opts.Tick)
	stop := make(chan struct{})
	l.timer = timer
	l.timerStop = stop

	go func() {
		select {
		case <-timer.Chan():
			l.tick(token)
		case <-stop:
		}
	}()
}

func (l *Launcher) tick(token uint64) {
	l.mu.Lock()
	if token != l.token || l.state != StateWaiting {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.timerStop = nil

	l.remaining--
	remaining := l.remaining
	l.room.Countdown = &remaining

	if remaining > 0 {
		l.mu.Unlock()
		l.publishCountdown(remaining)

		l.mu.Lock()
		if token == l.token && l.state == StateWaiting && l.timer == nil {
			l.scheduleTickLocked(token)
		}
		l.mu.Unlock()
		return
	}

	start := SessionStart{
		RoomID:   l.room.RoomID,
		Players:  append([]models.Player(nil), l.room.Players...),
		GameName: l.room.GameName,
		Host:     l.host,
	}
	ctx := l.ctx
	l.teardownLocked(StateLaunching)
	l.mu.Unlock()

	l.publishCountdown(0)
	metrics.SessionLaunches.Inc()
	log.Info().
		Str("room_id", start.RoomID).
		Str("game", start.GameName).
		Msg("launching session")

	if l.handoff == nil {
		return
	}
	if err := l.handoff.Launch(ctx, start); err != nil {
		log.Error().Err(err).Str("room_id", start.RoomID).Msg("session hand-off failed")
	}
}

// teardownLocked releases the room's timer and listener. The room snapshot is
// kept only for a launched room.
func (l *Launcher) teardownLocked(next State) {
	l.token++
	if l.timer != nil {
		stopAndDrainTimer(l.timer)
		close(l.timerStop)
		l.timer = nil
		l.timerStop = nil
	}
	if l.unsubscribe != nil {
		l.unsubscribe()
		l.unsubscribe = nil
	}
	l.armed = false
	l.state = next
	if next != StateLaunching {
		l.room = nil
	}
}

func (l *Launcher) publishCountdown(remaining int) {
	l.observersMu.RLock()
	observers := make([]func(int), 0, len(l.observers))
	for _, fn := range l.observers {
		observers = append(observers, fn)
	}
	l.observersMu.RUnlock()

	for _, fn := range observers {
		fn(remaining)
	}
}

func (l *Launcher) publishTeardown(roomID, reason string) {
	l.observersMu.RLock()
	observers := make([]func(string, string), 0, len(l.teardowns))
	for _, fn := range l.teardowns {
		observers = append(observers, fn)
	}
	l.observersMu.RUnlock()

	for _, fn := range observers {
		fn(roomID, reason)
	}
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
