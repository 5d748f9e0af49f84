package relay

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/couplet/go/internal/metrics"
	"github.com/mcdev12/couplet/go/internal/models"
	"github.com/mcdev12/couplet/go/internal/socket"
)

const endpointInvite = "invite"

// InviteHub relays invite and room messages between registered users.
// A connection is anonymous until it sends register_user; a newer
// registration for the same user replaces the older connection.
type InviteHub struct {
	config   ConnectionConfig
	upgrader websocket.Upgrader

	mu      sync.Mutex
	users   map[string]*Connection
	rooms   map[string]*models.Room
	invites map[string]models.Invite
}

// NewInviteHub creates an empty hub
func NewInviteHub(config ConnectionConfig) *InviteHub {
	return &InviteHub{
		config:   config,
		upgrader: config.upgrader(),
		users:    make(map[string]*Connection),
		rooms:    make(map[string]*models.Room),
		invites:  make(map[string]models.Invite),
	}
}

// HandleConnection upgrades the request and starts the connection pumps
func (h *InviteHub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade invite socket")
		return
	}

	c := newConnection(conn, "", h.config, h.handleMessage, h.disconnect)
	metrics.RelayConnections.WithLabelValues(endpointInvite).Inc()
	c.start()

	log.Info().Str("connection_id", c.ID).Msg("invite socket connected")
}

// Stats returns counts of the hub's live state
func (h *InviteHub) Stats() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]int{
		"users":   len(h.users),
		"rooms":   len(h.rooms),
		"invites": len(h.invites),
	}
}

func (h *InviteHub) handleMessage(c *Connection, data []byte) {
	var env socket.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("connection_id", c.ID).Msg("dropping malformed socket message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if env.Type != socket.TypeRegisterUser && c.UserID == "" {
		h.replyError(c, "register_user must be sent first")
		return
	}

	switch env.Type {
	case socket.TypeRegisterUser:
		p, err := socket.Decode[socket.RegisterUserPayload](env)
		if err != nil || p.UserID == "" {
			h.replyError(c, "invalid register_user payload")
			return
		}
		h.register(c, p.UserID)

	case socket.TypeSendInvite:
		inv, err := socket.Decode[models.Invite](env)
		if err != nil || inv.InviteID == "" || inv.PartnerID == "" {
			h.replyError(c, "invalid send_invite payload")
			return
		}
		inv.InviterID = c.UserID
		if !h.sendToLocked(inv.PartnerID, socket.TypeReceiveInvite, inv) {
			// partner offline: answer as if declined so the sender unwinds
			h.enqueue(c, socket.TypeInviteDeclined, socket.InviteDeclinedPayload{InviteID: inv.InviteID, PartnerID: inv.PartnerID})
			return
		}
		h.invites[inv.InviteID] = inv

	case socket.TypeAcceptInvite:
		p, err := socket.Decode[socket.AcceptInvitePayload](env)
		if err != nil {
			h.replyError(c, "invalid accept_invite payload")
			return
		}
		inv, ok := h.invites[p.InviteID]
		if !ok {
			h.replyError(c, "invite no longer exists")
			return
		}
		delete(h.invites, p.InviteID)
		h.sendToLocked(inv.InviterID, socket.TypeInviteAccepted, p)

	case socket.TypeDeclineInvite:
		p, err := socket.Decode[socket.DeclineInvitePayload](env)
		if err != nil {
			h.replyError(c, "invalid decline_invite payload")
			return
		}
		delete(h.invites, p.InviteID)
		h.sendToLocked(p.PartnerID, socket.TypeInviteDeclined, socket.InviteDeclinedPayload{InviteID: p.InviteID, PartnerID: c.UserID})

	case socket.TypeCancelInvite:
		p, err := socket.Decode[socket.CancelInvitePayload](env)
		if err != nil {
			h.replyError(c, "invalid cancel_invite payload")
			return
		}
		delete(h.invites, p.InviteID)
		h.sendToLocked(p.PartnerID, socket.TypeInviteCancelled, socket.InviteCancelledPayload{InviteID: p.InviteID})

	case socket.TypeJoinRoom:
		p, err := socket.Decode[socket.JoinRoomPayload](env)
		if err != nil || p.RoomID == "" {
			h.replyError(c, "invalid join_room payload")
			return
		}
		h.joinRoomLocked(c, p)

	case socket.TypeLeaveRoom:
		p, err := socket.Decode[socket.LeaveRoomPayload](env)
		if err != nil {
			h.replyError(c, "invalid leave_room payload")
			return
		}
		playerID := p.PlayerID
		if playerID == "" {
			playerID = c.UserID
		}
		h.leaveRoomLocked(p.RoomID, playerID)

	default:
		log.Debug().Str("type", string(env.Type)).Str("user_id", c.UserID).Msg("ignoring unknown socket message")
	}
}

func (h *InviteHub) register(c *Connection, userID string) {
	if prev, ok := h.users[userID]; ok && prev != c {
		// disconnect ignores a connection that no longer owns its user
		go prev.close()
	}
	c.UserID = userID
	h.users[userID] = c

	log.Info().Str("connection_id", c.ID).Str("user_id", userID).Msg("user registered")
}

func (h *InviteHub) joinRoomLocked(c *Connection, p socket.JoinRoomPayload) {
	room, ok := h.rooms[p.RoomID]
	if !ok {
		hostID, gameName := p.Player.ID, ""
		for _, inv := range h.invites {
			if inv.RoomID == p.RoomID {
				hostID, gameName = inv.InviterID, inv.GameName
				break
			}
		}
		room = models.NewRoom(p.RoomID, hostID, gameName, p.Player)
		h.rooms[p.RoomID] = room
	} else if _, err := room.AddPlayer(p.Player); err != nil {
		h.replyError(c, err.Error())
		return
	}

	// a duplicate join still gets a fresh snapshot
	update := socket.PlayersUpdatePayload{RoomID: room.RoomID, Players: room.Snapshot().Players}
	for _, player := range room.Players {
		h.sendToLocked(player.ID, socket.TypePlayersUpdate, update)
	}

	log.Debug().Str("room_id", room.RoomID).Int("players", len(room.Players)).Msg("player joined room")
}

func (h *InviteHub) leaveRoomLocked(roomID, playerID string) {
	room, ok := h.rooms[roomID]
	if !ok || !room.RemovePlayer(playerID) {
		return
	}
	for _, player := range room.Players {
		h.sendToLocked(player.ID, socket.TypePlayerLeft, socket.PlayerLeftPayload{RoomID: roomID, PlayerID: playerID})
	}
	if len(room.Players) == 0 {
		delete(h.rooms, roomID)
	}
}

// disconnect cleans up everything the user owned and tells their peers
func (h *InviteHub) disconnect(c *Connection) {
	metrics.RelayConnections.WithLabelValues(endpointInvite).Dec()

	h.mu.Lock()
	defer h.mu.Unlock()

	userID := c.UserID
	if userID == "" || h.users[userID] != c {
		return
	}
	delete(h.users, userID)

	for id, inv := range h.invites {
		var peer string
		switch userID {
		case inv.InviterID:
			peer = inv.PartnerID
		case inv.PartnerID:
			peer = inv.InviterID
		default:
			continue
		}
		delete(h.invites, id)
		h.sendToLocked(peer, socket.TypePeerDisconnected, socket.PeerDisconnectedPayload{UserID: userID})
	}

	for roomID, room := range h.rooms {
		if room.Has(userID) {
			h.leaveRoomLocked(roomID, userID)
		}
	}

	log.Info().Str("connection_id", c.ID).Str("user_id", userID).Msg("user disconnected")
}

// sendToLocked reports whether the user had a live connection
func (h *InviteHub) sendToLocked(userID string, t socket.MessageType, payload interface{}) bool {
	c, ok := h.users[userID]
	if !ok {
		return false
	}
	return h.enqueue(c, t, payload)
}

func (h *InviteHub) replyError(c *Connection, message string) {
	h.enqueue(c, socket.TypeError, socket.ErrorPayload{Message: message})
}

func (h *InviteHub) enqueue(c *Connection, t socket.MessageType, payload interface{}) bool {
	env, err := socket.NewEnvelope(t, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to build socket envelope")
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal socket envelope")
		return false
	}
	return c.enqueue(data)
}
