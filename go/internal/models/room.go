package models

import "errors"

// MaxRoomPlayers is the size of a two-player room
const MaxRoomPlayers = 2

// ErrRoomFull is returned when a third player tries to join a room
var ErrRoomFull = errors.New("room full")

// Room holds the players waiting for a session to start.
// The initiating player (host) always occupies slot 0.
type Room struct {
	RoomID    string   `json:"roomId"`
	HostID    string   `json:"hostId"`
	GameName  string   `json:"gameName"`
	Players   []Player `json:"players"`
	Countdown *int     `json:"countdown,omitempty"`
}

// NewRoom creates a room with the given first occupant.
func NewRoom(roomID, hostID, gameName string, first Player) *Room {
	return &Room{
		RoomID:   roomID,
		HostID:   hostID,
		GameName: gameName,
		Players:  []Player{first},
	}
}

// Has reports whether the player is already in the room
func (r *Room) Has(playerID string) bool {
	for _, p := range r.Players {
		if p.ID == playerID {
			return true
		}
	}
	return false
}

// AddPlayer adds a player, keeping the host in slot 0. It returns false when the
// player was already present.
func (r *Room) AddPlayer(p Player) (bool, error) {
	if r.Has(p.ID) {
		return false, nil
	}
	if len(r.Players) >= MaxRoomPlayers {
		return false, ErrRoomFull
	}
	if p.ID == r.HostID {
		r.Players = append([]Player{p}, r.Players...)
	} else {
		r.Players = append(r.Players, p)
	}
	return true, nil
}

// Full reports whether both seats are taken
func (r *Room) Full() bool {
	return len(r.Players) == MaxRoomPlayers
}

// Snapshot returns a deep copy that callers may keep.
func (r *Room) Snapshot() Room {
	cp := *r
	cp.Players = append([]Player(nil), r.Players...)
	if r.Countdown != nil {
		n := *r.Countdown
		cp.Countdown = &n
	}
	return cp
}

// RemovePlayer drops the player and reports whether it was present
func (r *Room) RemovePlayer(playerID string) bool {
	for i, p := range r.Players {
		if p.ID == playerID {
			r.Players = append(r.Players[:i:i], r.Players[i+1:]...)
			return true
		}
	}
	return false
}
