package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoom_AddPlayerKeepsHostFirst(t *testing.T) {
	guest := Player{ID: "guest", Name: "Guest"}
	host := Player{ID: "host", Name: "Host"}

	room := NewRoom("room-1", host.ID, "trivia", guest)
	added, err := room.AddPlayer(host)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, []Player{host, guest}, room.Players)
	assert.True(t, room.Full())
}

func TestRoom_AddPlayerDuplicateAndFull(t *testing.T) {
	host := Player{ID: "host"}
	room := NewRoom("room-1", host.ID, "trivia", host)

	added, err := room.AddPlayer(host)
	require.NoError(t, err)
	assert.False(t, added, "duplicate join should be a no-op")

	_, err = room.AddPlayer(Player{ID: "guest"})
	require.NoError(t, err)

	_, err = room.AddPlayer(Player{ID: "third"})
	assert.ErrorIs(t, err, ErrRoomFull)
	assert.Len(t, room.Players, MaxRoomPlayers)
}

func TestRoom_SnapshotIsDetached(t *testing.T) {
	room := NewRoom("room-1", "host", "trivia", Player{ID: "host"})
	n := 3
	room.Countdown = &n

	snap := room.Snapshot()
	snap.Players[0].Name = "changed"
	*snap.Countdown = 1

	assert.Equal(t, "", room.Players[0].Name)
	assert.Equal(t, 3, *room.Countdown)
}

func TestRoom_RemovePlayer(t *testing.T) {
	room := NewRoom("room-1", "host", "trivia", Player{ID: "host"})
	_, err := room.AddPlayer(Player{ID: "guest"})
	require.NoError(t, err)
	before := room.Snapshot()

	assert.True(t, room.RemovePlayer("host"))
	assert.False(t, room.RemovePlayer("host"))
	require.Len(t, room.Players, 1)
	assert.Equal(t, "guest", room.Players[0].ID)
	assert.Len(t, before.Players, 2, "earlier snapshots are unaffected")
}
