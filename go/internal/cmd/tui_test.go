package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/couplet/go/internal/cache"
	"github.com/mcdev12/couplet/go/internal/eventstream"
	"github.com/mcdev12/couplet/go/internal/invite"
	"github.com/mcdev12/couplet/go/internal/models"
	"github.com/mcdev12/couplet/go/internal/session"
)

func typeLine(t *testing.T, m tea.Model, line string) tea.Model {
	t.Helper()
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(line)})
	return m
}

func TestDashboard_RunsCommands(t *testing.T) {
	var ran []command
	run := func(_ context.Context, cmd command) (string, error) {
		ran = append(ran, cmd)
		if cmd.name == "accept" {
			return "", errors.New("no invite to answer")
		}
		return "invite i-1 sent, room r-1\n", nil
	}
	snapshot := func() statusSnapshot {
		return statusSnapshot{
			Stream: eventstream.Status{State: eventstream.StateConnected},
			Invite: invite.StateInvitePending,
		}
	}

	var m tea.Model = newDashboard(context.Background(), snapshot, run)
	m = typeLine(t, m, "invite bob chess")
	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)

	m, _ = m.Update(cmd())
	require.Len(t, ran, 1)
	assert.Equal(t, "invite", ran[0].name)
	assert.Equal(t, []string{"bob", "chess"}, ran[0].args)

	view := m.View()
	assert.Contains(t, view, "invite i-1 sent, room r-1")
	assert.Contains(t, view, string(invite.StateInvitePending))
	assert.Empty(t, m.(dashboard).input.Value(), "input is cleared after submit")

	m = typeLine(t, m, "accept")
	m, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	m, _ = m.Update(cmd())
	assert.Contains(t, m.View(), "no invite to answer")
}

func TestDashboard_RejectsBadInput(t *testing.T) {
	run := func(context.Context, command) (string, error) {
		t.Fatal("runner must not be called for unparseable input")
		return "", nil
	}

	var m tea.Model = newDashboard(context.Background(), func() statusSnapshot { return statusSnapshot{} }, run)
	m = typeLine(t, m, "invite bob")
	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	assert.Contains(t, m.View(), "invite takes 2 argument(s), got 1")

	// blank lines are ignored
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
}

func TestDashboard_Quit(t *testing.T) {
	m := newDashboard(context.Background(), func() statusSnapshot { return statusSnapshot{} }, nil)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	_, ok := cmd().(tea.QuitMsg)
	assert.True(t, ok)
}

func TestDashboard_RendersRefreshedStatus(t *testing.T) {
	calls := 0
	snapshot := func() statusSnapshot {
		calls++
		if calls == 1 {
			return statusSnapshot{Stream: eventstream.Status{State: eventstream.StateConnecting}}
		}
		return statusSnapshot{
			Stream:  eventstream.Status{State: eventstream.StateReconnecting, Attempt: 10, Exhausted: true},
			Session: session.StateWaiting,
			Room: &models.Room{
				RoomID:   "r-9",
				GameName: "chess",
				Players:  []models.Player{{ID: "alice"}},
			},
			Cache: map[cache.Key]cache.Entry{
				cache.KeyPartnerMood:  {Value: "happy", UpdatedAt: time.Now()},
				cache.KeyUnreadCounts: {Stale: true, UpdatedAt: time.Now()},
			},
		}
	}

	var m tea.Model = newDashboard(context.Background(), snapshot, nil)
	assert.Contains(t, m.View(), "cache    empty")

	m, cmd := m.Update(refreshMsg(time.Now()))
	assert.NotNil(t, cmd, "refresh reschedules itself")

	view := m.View()
	assert.Contains(t, view, "gave up, type reconnect")
	assert.Contains(t, view, "room     r-9  chess  1/2 players")
	assert.Contains(t, view, string(session.StateWaiting))

	mood := strings.Index(view, string(cache.KeyPartnerMood))
	unread := strings.Index(view, string(cache.KeyUnreadCounts))
	require.True(t, mood >= 0 && unread >= 0)
	assert.Less(t, mood, unread, "cache keys are listed in order")
	assert.Contains(t, view, "stale")
}
