package invite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/couplet/go/internal/models"
	"github.com/mcdev12/couplet/go/internal/session"
	"github.com/mcdev12/couplet/go/internal/socket"
	"github.com/mcdev12/couplet/go/internal/socket/sockettest"
)

var (
	alice = models.Player{ID: "alice", Name: "Alice"}
	bob   = models.Player{ID: "bob", Name: "Bob", AvatarURL: "https://cdn/bob.png"}
)

type fakeProfiles struct {
	player models.Player
	err    error
	// when set, FetchProfile signals called and waits for release
	called  chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (p *fakeProfiles) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProfiles) FetchProfile(ctx context.Context) (models.Player, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.called != nil {
		p.called <- struct{}{}
		<-p.release
	}
	return p.player, p.err
}

type fakeLauncher struct {
	mu        sync.Mutex
	active    bool
	entered   []session.RoomSpec
	leaves    int
	enterErr  error
	teardowns []func(roomID, reason string)
}

func (l *fakeLauncher) OnTeardown(fn func(roomID, reason string)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.teardowns = append(l.teardowns, fn)
	return func() {}
}

func (l *fakeLauncher) Enter(ctx context.Context, spec session.RoomSpec) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enterErr != nil {
		return l.enterErr
	}
	l.entered = append(l.entered, spec)
	l.active = true
	return nil
}

func (l *fakeLauncher) Leave(ctx context.Context) error {
	l.mu.Lock()
	wasActive := l.active
	if wasActive {
		l.leaves++
	}
	l.active = false
	var roomID string
	if len(l.entered) > 0 {
		roomID = l.entered[len(l.entered)-1].RoomID
	}
	observers := append(([]func(string, string))(nil), l.teardowns...)
	l.mu.Unlock()

	if wasActive {
		for _, fn := range observers {
			fn(roomID, session.TeardownLeft)
		}
	}
	return nil
}

func (l *fakeLauncher) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *fakeLauncher) setActive(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = v
}

func (l *fakeLauncher) Entered() []session.RoomSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.RoomSpec(nil), l.entered...)
}

func (l *fakeLauncher) Leaves() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leaves
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []models.Notification
}

func (n *recordingNotifier) Notify(note models.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *recordingNotifier) All() []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Notification(nil), n.notes...)
}

type fixture struct {
	conn     *sockettest.Fake
	clock    *clockwork.FakeClock
	profiles *fakeProfiles
	launcher *fakeLauncher
	notifier *recordingNotifier
	coord    *Coordinator
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newFixture(t *testing.T, self models.Player, ttl time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		conn:     sockettest.New(),
		clock:    clockwork.NewFakeClock(),
		profiles: &fakeProfiles{player: self},
		launcher: &fakeLauncher{},
		notifier: &recordingNotifier{},
	}
	f.coord = NewCoordinator(f.conn, f.profiles, f.launcher, f.notifier, f.clock, Options{
		InviteTTL: ttl,
		NewID:     sequentialIDs(),
	})
	t.Cleanup(f.coord.Close)
	return f
}

func incoming(id string) models.Invite {
	return models.Invite{
		InviteID:    id,
		InviterID:   "alice",
		InviterName: "Alice",
		GameName:    "trivia",
		RoomID:      "room-" + id,
	}
}

func decodeDeclines(t *testing.T, conn *sockettest.Fake) []socket.DeclineInvitePayload {
	t.Helper()
	var out []socket.DeclineInvitePayload
	for _, env := range conn.SentOfType(socket.TypeDeclineInvite) {
		p, err := socket.Decode[socket.DeclineInvitePayload](env)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func TestCoordinator_SendInvite(t *testing.T) {
	f := newFixture(t, alice, 0)

	inv, err := f.coord.SendInvite(context.Background(), "bob", "trivia")
	require.NoError(t, err)

	assert.Equal(t, models.Invite{
		InviteID:    "id-1",
		InviterID:   "alice",
		InviterName: "Alice",
		GameName:    "trivia",
		RoomID:      "id-2",
		PartnerID:   "bob",
	}, inv)
	assert.Equal(t, StateInvitePending, f.coord.State())

	sent := f.conn.SentOfType(socket.TypeSendInvite)
	require.Len(t, sent, 1)
	payload, err := socket.Decode[models.Invite](sent[0])
	require.NoError(t, err)
	assert.Equal(t, inv, payload)

	entered := f.launcher.Entered()
	require.Len(t, entered, 1)
	assert.Equal(t, session.RoomSpec{RoomID: "id-2", GameName: "trivia", Host: alice, Local: alice}, entered[0])

	_, err = f.coord.SendInvite(context.Background(), "bob", "trivia")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCoordinator_SendInviteThenDeclined(t *testing.T) {
	f := newFixture(t, alice, 0)
	inv, err := f.coord.SendInvite(context.Background(), "bob", "trivia")
	require.NoError(t, err)

	// another invite id is ignored
	f.conn.Inject(socket.TypeInviteDeclined, socket.InviteDeclinedPayload{InviteID: "nope", PartnerID: "alice"})
	assert.Equal(t, StateInvitePending, f.coord.State())

	f.conn.Inject(socket.TypeInviteDeclined, socket.InviteDeclinedPayload{InviteID: inv.InviteID, PartnerID: "alice"})

	assert.Equal(t, StateIdle, f.coord.State())
	assert.Equal(t, 1, f.launcher.Leaves())
	notes := f.notifier.All()
	require.Len(t, notes, 1)
	assert.Equal(t, models.NotificationInviteDeclined, notes[0].Kind)
	assert.Equal(t, inv.InviteID, notes[0].InviteID)
}

func TestCoordinator_SendInviteThenCancel(t *testing.T) {
	f := newFixture(t, alice, 0)
	inv, err := f.coord.SendInvite(context.Background(), "bob", "trivia")
	require.NoError(t, err)

	require.NoError(t, f.coord.CancelInvite(context.Background()))

	assert.Equal(t, StateIdle, f.coord.State())
	assert.Equal(t, 1, f.launcher.Leaves())

	cancels := f.conn.SentOfType(socket.TypeCancelInvite)
	require.Len(t, cancels, 1)
	payload, err := socket.Decode[socket.CancelInvitePayload](cancels[0])
	require.NoError(t, err)
	assert.Equal(t, socket.CancelInvitePayload{InviteID: inv.InviteID, PartnerID: "bob"}, payload)

	assert.ErrorIs(t, f.coord.CancelInvite(context.Background()), ErrInvalidState)
}

func TestCoordinator_SendInviteFailures(t *testing.T) {
	t.Run("room busy", func(t *testing.T) {
		f := newFixture(t, alice, 0)
		f.launcher.setActive(true)
		_, err := f.coord.SendInvite(context.Background(), "bob", "trivia")
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("send fails", func(t *testing.T) {
		f := newFixture(t, alice, 0)
		f.conn.FailSends(errors.New("socket down"))
		_, err := f.coord.SendInvite(context.Background(), "bob", "trivia")
		require.Error(t, err)
		assert.Equal(t, StateIdle, f.coord.State())
		assert.False(t, f.launcher.Active())
	})

	t.Run("busy skips profile fetch", func(t *testing.T) {
		f := newFixture(t, bob, 0)
		f.conn.Inject(socket.TypeReceiveInvite, incoming("inv-1"))
		_, err := f.coord.SendInvite(context.Background(), "carol", "trivia")
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Zero(t, f.profiles.Calls())
	})

	t.Run("profile fails", func(t *testing.T) {
		f := newFixture(t, alice, 0)
		f.profiles.err = errors.New("unavailable")
		_, err := f.coord.SendInvite(context.Background(), "bob", "trivia")
		require.Error(t, err)
		assert.Equal(t, StateIdle, f.coord.State())
		assert.Empty(t, f.conn.Sent())
	})
}

func TestCoordinator_ReceiveInvite(t *testing.T) {
	f := newFixture(t, bob, 0)

	f.conn.Inject(socket.TypeReceiveInvite, incoming("inv-1"))

	assert.Equal(t, StateInviteReceived, f.coord.State())
	current, ok := f.coord.Current()
	require.True(t, ok)
	assert.Equal(t, "inv-1", current.InviteID)

	notes := f.notifier.All()
	require.Len(t, notes, 1)
	assert.Equal(t, models.NotificationInviteReceived, notes[0].Kind)
	assert.Equal(t, "Alice invited you to play trivia", notes[0].Message)
}

func TestCoordinator_SecondInviteAutoDeclined(t *testing.T) {
	f := newFixture(t, bob, 0)

	f.conn.Inject(socket.TypeReceiveInvite, incoming("inv-1"))
	second := incoming("inv-2")
	second.InviterID = "carol"
	f.conn.Inject(socket.TypeReceiveInvite, second)

	current, _ := f.coord.Current()
	assert.Equal(t, "inv-1", current.InviteID)
	assert.Equal(t, StateInviteReceived, f.coord.State())

	declines := decodeDeclines(t, f.conn)
	require.Len(t, declines, 1)
	assert.Equal(t, socket.DeclineInvitePayload{InviteID: "inv-2", PartnerID: "carol"}, declines[0])
	assert.Len(t, f.notifier.All(), 1)
}

func TestCoordinator_InviteDuringActiveRoomAutoDeclined(t *testing.T) {
	f := newFixture(t, bob, 0)
	f.launcher.setActive(true)

	f.conn.Inject(socket.TypeReceiveInvite, incoming("inv-1"))

	assert.Equal(t, StateIdle, f.coord.State())
	require.Len(t, decodeDeclines(t, f.conn), 1)
}

func TestCoordinator_Accept(t *testing.T) {
	f := newFixture(t, bob, 0)
	f.conn.Inject(socket.TypeReceiveInvite, incoming("inv-1"))

	require.NoError(t, f.coord.Accept(context.Background()))

	assert.Equal(t, StateIdle, f.coord.State())

	accepts := f.conn.SentOfType(socket.TypeAcceptInvite)
	require.Len(t, accepts, 1)
	payload, err := socket.Decode[socket.AcceptInvitePayload](accepts[0])
	require.NoError(t, err)
	assert.Equal(t, socket.AcceptInvitePayload{InviteID: "inv-1", RoomID: "room-inv-1", PartnerInfo: bob}, payload)

	entered := f.launcher.Entered()
	require.Len(t, entered, 1)
	assert.Equal(t, "room-inv-1", entered[0].RoomID)
	assert.Equal(t, alice, entered[0].Host)
	assert.Equal(t, bob, entered[0].Local)
	require.NotNil(t, entered[0].Peer)
	assert.Equal(t, alice, *entered[0].Peer)

	assert.ErrorIs(t, f.coord.Accept(context.Background()), ErrInvalidState)
}

func TestCoordinator_AcceptProfileFailure(t *testing.T) {
	f := newFixture(t, bob, 0)
	boom := errors.New("profile service down")
	f.profiles.err = boom
	f.conn.Inject(socket.TypeReceiveInvite, incoming("inv-1"))

	err := f.coord.Accept(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, StateIdle, f.coord.State())
	assert.Empty(t, f.launcher.Entered())
	assert.Empty(t, f.conn.SentOfType(socket.TypeAcceptInvite))

	declines := decodeDeclines(t, f.conn)
	require.Len(t, declines, 1)
	assert.Equal(t, "inv-1", declines[0].InviteID)

	notes := f.notifier.All()
	require.Len(t, notes, 2)
	assert.Equal(t, models.NotificationAcceptFailed, notes[1].Kind)
}

func TestCoordinator_ConcurrentAcceptRejected(t *testing.T) {
	f := newFixture(t, bob, 0)
	f.profiles.called = make(chan struct{}, 1)
	f.profiles.release = make(chan struct{})
	f.conn.Inject(socket.TypeReceiveInvite, incoming("inv-1"))

	firstErr := make(chan error, 1)
	go func() { firstErr <- f.coord.Accept(context.Background()) }()
	<-f.profiles.called

	assert.ErrorIs(t, f.coord.Accept(context.Background()), ErrAcceptInProgress)
	assert.ErrorIs(t, f.coord.Decline(context.Background()), ErrInvalidState)

	// a newer invite is declined while accepting
	f.conn.Inject(socket.TypeReceiveInvite, incoming("inv-2"))

	close(f.profiles.release)
	require.NoError(t, <-firstErr)
	assert.Len(t, f.conn.SentOfType(socket.TypeAcceptInvite), 1)
	assert.Len(t, f.launcher.Entered(), 1)

	declines := decodeDeclines(t, f.conn)
	require.Len(t, declines, 1)
	assert.Equal(t, "inv-2", declines[0].InviteID)
}

func TestCoordinator_Decline(t *testing.T) {
	f := newFixture(t, bob, 0)
	assert.ErrorIs(t, f.coord.Decline(context.Background()), ErrInvalidState)

	f.conn.Inject(socket.TypeReceiveInvite, incoming("inv-1"))
	require.NoError(t, f.coord.Decline(context.Background()))

	assert.Equal(t, StateIdle, f.coord.State())
	declines := decodeDeclines(t, f.conn)
	require.Len(t, declines, 1)
	assert.Equal(t, socket.DeclineInvitePayload{InviteID: "inv-1", PartnerID: "alice"}, declines[0])
}

func TestCoordinator_InviteCancelledByInviter(t *testing.T) {
	f := newFixture(t, bob, 0)
	f.conn.Inject(socket.TypeReceiveInvite, incoming("inv-1"))

	f.conn.Inject(socket.TypeInviteCancelled, socket.InviteCancelledPayload{InviteID: "other"})
	assert.Equal(t, StateInviteReceived, f.coord.State())

	f.conn.Inject(socket.TypeInviteCancelled, socket.InviteCancelledPayload{InviteID: "inv-1"})
	assert.Equal(t, StateIdle, f.coord.State())

	notes := f.notifier.All()
	require.Len(t, notes, 2)
	assert.Equal(t, models.NotificationInviteCancelled, notes[1].Kind)
}

func TestCoordinator_PeerDisconnected(t *testing.T) {
	t.Run("while pending", func(t *testing.T) {
		f := newFixture(t, alice, 0)
		_, err := f.coord.SendInvite(context.Background(), "bob", "trivia")
		require.NoError(t, err)

		f.conn.Inject(socket.TypePeerDisconnected, socket.PeerDisconnectedPayload{UserID: "carol"})
		assert.Equal(t, StateInvitePending, f.coord.State())

		f.conn.Inject(socket.TypePeerDisconnected, socket.PeerDisconnectedPayload{UserID: "bob"})
		assert.Equal(t, StateIdle, f.coord.State())
		assert.Equal(t, 1, f.launcher.Leaves())
		notes := f.notifier.All()
		require.Len(t, notes, 1)
		assert.Equal(t, models.NotificationPeerDisconnected, notes[0].Kind)
	})

	t.Run("while received", func(t *testing.T) {
		f := newFixture(t, bob, 0)
		f.conn.Inject(socket.TypeReceiveInvite, incoming("inv-1"))

		f.conn.Inject(socket.TypePeerDisconnected, socket.PeerDisconnectedPayload{UserID: "alice"})
		assert.Equal(t, StateIdle, f.coord.State())
		assert.Zero(t, f.launcher.Leaves())
	})
}

func TestCoordinator_ChannelClosed(t *testing.T) {
	t.Run("pending invite resets quietly", func(t *testing.T) {
		f := newFixture(t, alice, 0)
		_, err := f.coord.SendInvite(context.Background(), "bob", "trivia")
		require.NoError(t, err)

		f.conn.Inject(socket.TypeChannelClosed, nil)
		assert.Equal(t, StateIdle, f.coord.State())
		assert.Empty(t, f.notifier.All())
	})

	t.Run("received invite is surfaced", func(t *testing.T) {
		f := newFixture(t, bob, 0)
		f.conn.Inject(socket.TypeReceiveInvite, incoming("inv-1"))

		f.conn.Inject(socket.TypeChannelClosed, nil)
		assert.Equal(t, StateIdle, f.coord.State())
		notes := f.notifier.All()
		require.Len(t, notes, 2)
		assert.Equal(t, models.NotificationPeerDisconnected, notes[1].Kind)
	})
}

func TestCoordinator_ReceivedInviteExpires(t *testing.T) {
	f := newFixture(t, bob, 30*time.Second)
	f.conn.Inject(socket.TypeReceiveInvite, incoming("inv-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(30 * time.Second)

	require.Eventually(t, func() bool { return f.coord.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.notifier.All()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.NotificationInviteExpired, f.notifier.All()[1].Kind)
	require.Len(t, decodeDeclines(t, f.conn), 1)
}

func TestCoordinator_DeclineStopsExpiry(t *testing.T) {
	f := newFixture(t, bob, 30*time.Second)
	f.conn.Inject(socket.TypeReceiveInvite, incoming("inv-1"))
	require.NoError(t, f.coord.Decline(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 0))
	f.clock.Advance(time.Minute)

	assert.Never(t, func() bool { return len(f.notifier.All()) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Len(t, decodeDeclines(t, f.conn), 1)
}

func TestCoordinator_InviterLaunchesWithAcceptor(t *testing.T) {
	conn := sockettest.New()
	clock := clockwork.NewFakeClock()

	launched := make(chan session.SessionStart, 1)
	launcher := session.NewLauncher(conn, session.HandoffFunc(func(ctx context.Context, start session.SessionStart) error {
		launched <- start
		return nil
	}), nil, clock, session.DefaultOptions())

	coord := NewCoordinator(conn, &fakeProfiles{player: alice}, launcher, nil, clock, Options{NewID: sequentialIDs()})
	defer coord.Close()

	inv, err := coord.SendInvite(context.Background(), "bob", "trivia")
	require.NoError(t, err)
	assert.True(t, launcher.Active())

	conn.Inject(socket.TypeInviteAccepted, socket.InviteAcceptedPayload{
		InviteID:    inv.InviteID,
		RoomID:      inv.RoomID,
		PartnerInfo: bob,
	})
	assert.Equal(t, StateIdle, coord.State())

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		cancel()
		clock.Advance(time.Second)
	}

	select {
	case start := <-launched:
		assert.Equal(t, inv.RoomID, start.RoomID)
		assert.Equal(t, []models.Player{alice, bob}, start.Players)
		assert.Equal(t, alice, start.Host)
	case <-time.After(2 * time.Second):
		t.Fatal("session never launched")
	}
}

func TestCoordinator_PendingInviteUnwindsWhenRoomCloses(t *testing.T) {
	tests := []struct {
		name        string
		msgType     socket.MessageType
		payload     interface{}
		wantNote    models.NotificationKind
		wantCancels int
	}{
		{
			name:        "server error",
			msgType:     socket.TypeError,
			payload:     socket.ErrorPayload{Message: "room expired"},
			wantNote:    models.NotificationRoomError,
			wantCancels: 1,
		},
		{
			name:        "player left",
			msgType:     socket.TypePlayerLeft,
			payload:     socket.PlayerLeftPayload{RoomID: "id-2", PlayerID: "bob"},
			wantNote:    models.NotificationPlayerLeft,
			wantCancels: 1,
		},
		{
			name:     "channel closed",
			msgType:  socket.TypeChannelClosed,
			wantNote: models.NotificationRoomError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := sockettest.New()
			clock := clockwork.NewFakeClock()
			notifier := &recordingNotifier{}
			launcher := session.NewLauncher(conn, nil, notifier, clock, session.DefaultOptions())
			coord := NewCoordinator(conn, &fakeProfiles{player: alice}, launcher, notifier, clock, Options{NewID: sequentialIDs()})
			defer coord.Close()

			inv, err := coord.SendInvite(context.Background(), "bob", "trivia")
			require.NoError(t, err)
			require.Equal(t, "id-2", inv.RoomID)

			conn.Inject(tt.msgType, tt.payload)

			assert.Equal(t, session.StateIdle, launcher.State())
			assert.Equal(t, StateIdle, coord.State())
			notes := notifier.All()
			require.Len(t, notes, 1)
			assert.Equal(t, tt.wantNote, notes[0].Kind)
			assert.Len(t, conn.SentOfType(socket.TypeCancelInvite), tt.wantCancels)

			// a fresh invite is taken, not auto-declined
			conn.Inject(socket.TypeReceiveInvite, incoming("inv-9"))
			assert.Equal(t, StateInviteReceived, coord.State())
			assert.Empty(t, decodeDeclines(t, conn))
		})
	}
}

func TestCoordinator_LeavingRoomWithdrawsInvite(t *testing.T) {
	conn := sockettest.New()
	launcher := session.NewLauncher(conn, nil, nil, clockwork.NewFakeClock(), session.DefaultOptions())
	coord := NewCoordinator(conn, &fakeProfiles{player: alice}, launcher, nil, nil, Options{NewID: sequentialIDs()})
	defer coord.Close()

	inv, err := coord.SendInvite(context.Background(), "bob", "trivia")
	require.NoError(t, err)

	require.NoError(t, launcher.Leave(context.Background()))
	assert.Equal(t, StateIdle, coord.State())

	cancels := conn.SentOfType(socket.TypeCancelInvite)
	require.Len(t, cancels, 1)
	payload, err := socket.Decode[socket.CancelInvitePayload](cancels[0])
	require.NoError(t, err)
	assert.Equal(t, socket.CancelInvitePayload{InviteID: inv.InviteID, PartnerID: "bob"}, payload)
}
