package invite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/couplet/go/internal/metrics"
	"github.com/mcdev12/couplet/go/internal/models"
	"github.com/mcdev12/couplet/go/internal/session"
	"github.com/mcdev12/couplet/go/internal/socket"
)

// State is the invite lifecycle of one client
type State string

const (
	StateIdle           State = "idle"
	StateInvitePending  State = "invite_pending"
	StateInviteReceived State = "invite_received"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the current state
	ErrInvalidState = errors.New("invalid invite state")
	// ErrAcceptInProgress is returned by a second concurrent Accept
	ErrAcceptInProgress = errors.New("accept already in progress")
)

// ProfileFetcher defines what the coordinator needs to describe the local user
type ProfileFetcher interface {
	FetchProfile(ctx context.Context) (models.Player, error)
}

// RoomLauncher defines what the coordinator needs from the session launcher
type RoomLauncher interface {
	Enter(ctx context.Context, spec session.RoomSpec) error
	Leave(ctx context.Context) error
	Active() bool
	OnTeardown(fn func(roomID, reason string)) func()
}

// Options tunes invite handling
type Options struct {
	// InviteTTL auto-declines a received invite left unanswered; 0 disables
	InviteTTL time.Duration
	NewID     func() string
}

func DefaultOptions() Options {
	return Options{
		InviteTTL: 30 * time.Second,
		NewID:     func() string { return uuid.New().String() },
	}
}

// Coordinator runs the two-party invite handshake over the socket.
type Coordinator struct {
	conn     socket.Conn
	profiles ProfileFetcher
	launcher RoomLauncher
	notifier models.Notifier
	clock    clockwork.Clock
	opts     Options

	mu        sync.Mutex
	state     State
	invite    *models.Invite
	accepting bool
	// token changes on every transition; expiry timers carry the token they
	// were armed with.
	token       uint64
	expiry      clockwork.Timer
	expiryStop  chan struct{}
	unsubscribe func()
	unwatchRoom func()
}

// NewCoordinator creates an idle coordinator and subscribes it to conn.
func NewCoordinator(conn socket.Conn, profiles ProfileFetcher, launcher RoomLauncher, notifier models.Notifier, clock clockwork.Clock, opts Options) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.NewID == nil {
		opts.NewID = DefaultOptions().NewID
	}
	c := &Coordinator{
		conn:     conn,
		profiles: profiles,
		launcher: launcher,
		notifier: notifier,
		clock:    clock,
		opts:     opts,
		state:    StateIdle,
	}
	c.unsubscribe = conn.Subscribe(c.handle)
	c.unwatchRoom = launcher.OnTeardown(c.handleRoomTeardown)
	return c
}

// Close stops listening to the socket and drops any invite state
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.resetLocked()
	unsubscribe, unwatchRoom := c.unsubscribe, c.unwatchRoom
	c.unsubscribe, c.unwatchRoom = nil, nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if unwatchRoom != nil {
		unwatchRoom()
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// idle reports whether a new invite may be sent
func (c *Coordinator) idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateIdle && !c.launcher.Active()
}

// Current returns the outstanding invite, if any
func (c *Coordinator) Current() (models.Invite, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invite == nil {
		return models.Invite{}, false
	}
	return *c.invite, true
}

// SendInvite invites partnerID to a game and opens the room as host.
func (c *Coordinator) SendInvite(ctx context.Context, partnerID, gameName string) (models.Invite, error) {
	if partnerID == "" {
		return models.Invite{}, fmt.Errorf("partner id is required")
	}

	if !c.idle() {
		return models.Invite{}, ErrInvalidState
	}

	self, err := c.profiles.FetchProfile(ctx)
	if err != nil {
		return models.Invite{}, fmt.Errorf("failed to fetch profile: %w", err)
	}

	// the state may have moved while the profile was loading
	c.mu.Lock()
	if c.state != StateIdle || c.launcher.Active() {
		c.mu.Unlock()
		return models.Invite{}, ErrInvalidState
	}
	inv := models.Invite{
		InviteID:    c.opts.NewID(),
		InviterID:   self.ID,
		InviterName: self.Name,
		GameName:    gameName,
		RoomID:      c.opts.NewID(),
		PartnerID:   partnerID,
	}
	c.token++
	token := c.token
	c.state = StateInvitePending
	c.invite = &inv
	c.mu.Unlock()

	if err := c.launcher.Enter(ctx, session.RoomSpec{
		RoomID:   inv.RoomID,
		GameName: gameName,
		Host:     self,
		Local:    self,
	}); err != nil {
		c.resetIfCurrent(token)
		return models.Invite{}, fmt.Errorf("failed to open room: %w", err)
	}

	if err := c.conn.Send(ctx, socket.TypeSendInvite, inv); err != nil {
		c.resetIfCurrent(token)
		c.launcher.Leave(ctx)
		return models.Invite{}, fmt.Errorf("failed to send invite: %w", err)
	}

	metrics.Invites.WithLabelValues("outgoing", "sent").Inc()
	log.Info().
		Str("invite_id", inv.InviteID).
		Str("room_id", inv.RoomID).
		Str("partner_id", partnerID).
		Msg("invite sent")
	return inv, nil
}

// CancelInvite withdraws the outgoing invite, tells the partner and leaves the room
func (c *Coordinator) CancelInvite(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInvitePending {
		c.mu.Unlock()
		return ErrInvalidState
	}
	inv := *c.invite
	c.resetLocked()
	c.mu.Unlock()

	metrics.Invites.WithLabelValues("outgoing", "cancelled").Inc()
	log.Info().Str("invite_id", inv.InviteID).Msg("invite cancelled")

	sendErr := c.conn.Send(ctx, socket.TypeCancelInvite, socket.CancelInvitePayload{
		InviteID:  inv.InviteID,
		PartnerID: inv.PartnerID,
	})
	if sendErr != nil {
		sendErr = fmt.Errorf("failed to send cancel_invite: %w", sendErr)
	}
	return errors.Join(sendErr, c.launcher.Leave(ctx))
}

// Accept takes the received invite: it snapshots the local profile, enters the
// inviter's room and confirms on the socket.
func (c *Coordinator) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInviteReceived {
		c.mu.Unlock()
		return ErrInvalidState
	}
	if c.accepting {
		c.mu.Unlock()
		return ErrAcceptInProgress
	}
	c.accepting = true
	inv := *c.invite
	token := c.token
	c.mu.Unlock()

	profile, err := c.profiles.FetchProfile(ctx)

	c.mu.Lock()
	if token != c.token {
		// cancelled or disconnected while fetching
		c.mu.Unlock()
		return ErrInvalidState
	}
	if err != nil {
		c.resetLocked()
		c.mu.Unlock()
		c.failAccept(ctx, inv, "could not load your profile")
		return fmt.Errorf("failed to fetch profile: %w", err)
	}
	c.mu.Unlock()

	// stay busy until the room is entered so newer invites are declined
	defer c.resetIfCurrent(token)

	host := inv.Inviter()
	if err := c.launcher.Enter(ctx, session.RoomSpec{
		RoomID:   inv.RoomID,
		GameName: inv.GameName,
		Host:     host,
		Local:    profile,
		Peer:     &host,
	}); err != nil {
		c.failAccept(ctx, inv, "could not join the room")
		return fmt.Errorf("failed to join room: %w", err)
	}

	if err := c.conn.Send(ctx, socket.TypeAcceptInvite, socket.AcceptInvitePayload{
		InviteID:    inv.InviteID,
		RoomID:      inv.RoomID,
		PartnerInfo: profile,
	}); err != nil {
		c.launcher.Leave(ctx)
		c.failAccept(ctx, inv, "could not reach the game server")
		return fmt.Errorf("failed to send accept_invite: %w", err)
	}

	metrics.Invites.WithLabelValues("incoming", "accepted").Inc()
	log.Info().Str("invite_id", inv.InviteID).Str("room_id", inv.RoomID).Msg("invite accepted")
	return nil
}

// failAccept surfaces the failure and declines so the inviter is not left waiting
func (c *Coordinator) failAccept(ctx context.Context, inv models.Invite, reason string) {
	metrics.Invites.WithLabelValues("incoming", "accept_failed").Inc()
	log.Warn().Str("invite_id", inv.InviteID).Str("reason", reason).Msg("accept failed")

	c.sendDecline(ctx, inv)
	c.notify(models.Notification{
		Kind:     models.NotificationAcceptFailed,
		Message:  "couldn't accept the invite: " + reason,
		InviteID: inv.InviteID,
		RoomID:   inv.RoomID,
	})
}

// Decline refuses the received invite
func (c *Coordinator) Decline(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInviteReceived || c.accepting {
		c.mu.Unlock()
		return ErrInvalidState
	}
	inv := *c.invite
	c.resetLocked()
	c.mu.Unlock()

	metrics.Invites.WithLabelValues("incoming", "declined").Inc()
	log.Info().Str("invite_id", inv.InviteID).Msg("invite declined")

	if err := c.conn.Send(ctx, socket.TypeDeclineInvite, socket.DeclineInvitePayload{
		InviteID:  inv.InviteID,
		PartnerID: inv.InviterID,
	}); err != nil {
		return fmt.Errorf("failed to send decline_invite: %w", err)
	}
	return nil
}

func (c *Coordinator) handle(env socket.Envelope) {
	switch env.Type {
	case socket.TypeReceiveInvite:
		inv, err := socket.Decode[models.Invite](env)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed invite")
			return
		}
		c.handleReceiveInvite(inv)

	case socket.TypeInviteDeclined:
		payload, err := socket.Decode[socket.InviteDeclinedPayload](env)
		if err != nil {
			return
		}
		if inv, ok := c.endOutgoing(payload.InviteID); ok {
			metrics.Invites.WithLabelValues("outgoing", "declined").Inc()
			c.launcher.Leave(context.Background())
			c.notify(models.Notification{
				Kind:     models.NotificationInviteDeclined,
				Message:  "your invite was declined",
				InviteID: inv.InviteID,
				RoomID:   inv.RoomID,
			})
		}

	case socket.TypeInviteAccepted:
		payload, err := socket.Decode[socket.InviteAcceptedPayload](env)
		if err != nil {
			return
		}
		// the launcher owns the room from here
		if _, ok := c.endOutgoing(payload.InviteID); ok {
			metrics.Invites.WithLabelValues("outgoing", "accepted").Inc()
			log.Info().Str("invite_id", payload.InviteID).Str("partner_id", payload.PartnerInfo.ID).Msg("invite accepted by partner")
		}

	case socket.TypeInviteCancelled:
		payload, err := socket.Decode[socket.InviteCancelledPayload](env)
		if err != nil {
			return
		}
		c.mu.Lock()
		if c.state != StateInviteReceived || c.invite.InviteID != payload.InviteID {
			c.mu.Unlock()
			return
		}
		inv := *c.invite
		c.resetLocked()
		c.mu.Unlock()

		metrics.Invites.WithLabelValues("incoming", "cancelled").Inc()
		c.notify(models.Notification{
			Kind:     models.NotificationInviteCancelled,
			Message:  inv.InviterName + " cancelled the invite",
			InviteID: inv.InviteID,
		})

	case socket.TypePeerDisconnected:
		payload, err := socket.Decode[socket.PeerDisconnectedPayload](env)
		if err != nil {
			return
		}
		c.handlePeerGone(payload.UserID)

	case socket.TypeChannelClosed:
		c.mu.Lock()
		prev := c.state
		var inv models.Invite
		if c.invite != nil {
			inv = *c.invite
		}
		c.resetLocked()
		c.mu.Unlock()

		// an outgoing invite's room belongs to the launcher, which reports the loss
		if prev == StateInviteReceived {
			c.notify(models.Notification{
				Kind:     models.NotificationPeerDisconnected,
				Message:  "connection lost, the invite is no longer valid",
				InviteID: inv.InviteID,
			})
		}
	}
}

func (c *Coordinator) handleReceiveInvite(inv models.Invite) {
	c.mu.Lock()
	if c.state != StateIdle || c.launcher.Active() {
		current := c.invite
		c.mu.Unlock()

		// the invite we already hold wins
		if current != nil && current.InviteID == inv.InviteID {
			return
		}
		metrics.Invites.WithLabelValues("incoming", "auto_declined").Inc()
		log.Info().Str("invite_id", inv.InviteID).Msg("busy, auto-declining invite")
		c.sendDecline(context.Background(), inv)
		return
	}

	c.token++
	token := c.token
	c.state = StateInviteReceived
	c.invite = &inv
	c.armExpiryLocked(token)
	c.mu.Unlock()

	metrics.Invites.WithLabelValues("incoming", "received").Inc()
	log.Info().
		Str("invite_id", inv.InviteID).
		Str("inviter_id", inv.InviterID).
		Str("game", inv.GameName).
		Msg("invite received")

	c.notify(models.Notification{
		Kind:     models.NotificationInviteReceived,
		Message:  fmt.Sprintf("%s invited you to play %s", inv.InviterName, inv.GameName),
		InviteID: inv.InviteID,
		RoomID:   inv.RoomID,
	})
}

func (c *Coordinator) handlePeerGone(userID string) {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	inv := *c.invite
	peer := inv.InviterID
	if c.state == StateInvitePending {
		peer = inv.PartnerID
	}
	if userID != "" && peer != "" && userID != peer {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.resetLocked()
	c.mu.Unlock()

	if prev == StateInvitePending {
		c.launcher.Leave(context.Background())
	}
	c.notify(models.Notification{
		Kind:     models.NotificationPeerDisconnected,
		Message:  "your partner disconnected",
		InviteID: inv.InviteID,
		RoomID:   inv.RoomID,
	})
}

// handleRoomTeardown drops an outgoing invite whose room closed before the
// partner answered. The launcher has already told the user why.
func (c *Coordinator) handleRoomTeardown(roomID, reason string) {
	c.mu.Lock()
	if c.state != StateInvitePending || c.invite.RoomID != roomID {
		c.mu.Unlock()
		return
	}
	inv := *c.invite
	c.resetLocked()
	c.mu.Unlock()

	metrics.Invites.WithLabelValues("outgoing", "room_closed").Inc()
	log.Info().
		Str("invite_id", inv.InviteID).
		Str("room_id", roomID).
		Str("reason", reason).
		Msg("room closed, dropping outgoing invite")

	if reason == session.TeardownChannelClosed {
		return
	}
	err := c.conn.Send(context.Background(), socket.TypeCancelInvite, socket.CancelInvitePayload{
		InviteID:  inv.InviteID,
		PartnerID: inv.PartnerID,
	})
	if err != nil {
		log.Warn().Err(err).Str("invite_id", inv.InviteID).Msg("failed to withdraw invite")
	}
}

// endOutgoing clears a matching outgoing invite
func (c *Coordinator) endOutgoing(inviteID string) (models.Invite, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInvitePending || c.invite.InviteID != inviteID {
		return models.Invite{}, false
	}
	inv := *c.invite
	c.resetLocked()
	return inv, true
}

func (c *Coordinator) armExpiryLocked(token uint64) {
	if c.opts.InviteTTL <= 0 {
		return
	}
	timer := c.clock.NewTimer(c.opts.InviteTTL)
	stop := make(chan struct{})
	c.expiry = timer
	c.expiryStop = stop

	go func() {
		select {
		case <-timer.Chan():
			c.expire(token)
		case <-stop:
		}
	}()
}

func (c *Coordinator) expire(token uint64) {
	c.mu.Lock()
	if token != c.token || c.state != StateInviteReceived || c.accepting {
		c.mu.Unlock()
		return
	}
	c.expiry = nil
	c.expiryStop = nil
	inv := *c.invite
	c.resetLocked()
	c.mu.Unlock()

	metrics.Invites.WithLabelValues("incoming", "expired").Inc()
	log.Info().Str("invite_id", inv.InviteID).Msg("invite expired")

	c.sendDecline(context.Background(), inv)
	c.notify(models.Notification{
		Kind:     models.NotificationInviteExpired,
		Message:  fmt.Sprintf("the invite from %s expired", inv.InviterName),
		InviteID: inv.InviteID,
	})
}

func (c *Coordinator) resetIfCurrent(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token == c.token {
		c.resetLocked()
	}
}

// resetLocked returns to Idle and releases the expiry timer
func (c *Coordinator) resetLocked() {
	c.token++
	if c.expiry != nil {
		stopAndDrainTimer(c.expiry)
		close(c.expiryStop)
		c.expiry = nil
		c.expiryStop = nil
	}
	c.state = StateIdle
	c.invite = nil
	c.accepting = false
}

func (c *Coordinator) sendDecline(ctx context.Context, inv models.Invite) {
	err := c.conn.Send(ctx, socket.TypeDeclineInvite, socket.DeclineInvitePayload{
		InviteID:  inv.InviteID,
		PartnerID: inv.InviterID,
	})
	if err != nil {
		log.Warn().Err(err).Str("invite_id", inv.InviteID).Msg("failed to send decline")
	}
}

func (c *Coordinator) notify(n models.Notification) {
	if c.notifier != nil {
		c.notifier.Notify(n)
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
