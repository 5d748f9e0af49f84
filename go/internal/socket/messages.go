package socket

import (
	"encoding/json"
	"fmt"

	"github.com/mcdev12/couplet/go/internal/models"
)

// MessageType names a socket envelope
type MessageType string

// Client to server
const (
	TypeRegisterUser  MessageType = "register_user"
	TypeJoinRoom      MessageType = "join_room"
	TypeSendInvite    MessageType = "send_invite"
	TypeAcceptInvite  MessageType = "accept_invite"
	TypeDeclineInvite MessageType = "decline_invite"
	TypeCancelInvite  MessageType = "cancel_invite"
	TypeLeaveRoom     MessageType = "leave_room"
)

// Server to client
const (
	TypeReceiveInvite    MessageType = "receive_invite"
	TypeInviteAccepted   MessageType = "invite_accepted"
	TypeInviteDeclined   MessageType = "invite_declined"
	TypeInviteCancelled  MessageType = "invite_cancelled"
	TypePlayersUpdate    MessageType = "players_update"
	TypePlayerLeft       MessageType = "player_left"
	TypePeerDisconnected MessageType = "peer_disconnected"
	TypeError            MessageType = "error"
)

// TypeChannelClosed is emitted locally when the socket drops; it never
// crosses the wire.
const TypeChannelClosed MessageType = "channel_closed"

// Envelope is the wire frame for every socket message
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives socket messages
type Handler func(Envelope)

// NewEnvelope marshals payload into an envelope
func NewEnvelope(t MessageType, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: data}, nil
}

// Decode unmarshals an envelope payload
func Decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return v, nil
}

type RegisterUserPayload struct {
	UserID string `json:"userId"`
}

type JoinRoomPayload struct {
	RoomID string        `json:"roomId"`
	Player models.Player `json:"player"`
}

// SendInvitePayload doubles as the receive_invite payload
type SendInvitePayload = models.Invite

type AcceptInvitePayload struct {
	InviteID    string        `json:"inviteId"`
	RoomID      string        `json:"roomId"`
	PartnerInfo models.Player `json:"partnerInfo"`
}

// InviteAcceptedPayload is relayed to the inviter unchanged
type InviteAcceptedPayload = AcceptInvitePayload

type DeclineInvitePayload struct {
	InviteID  string `json:"inviteId"`
	PartnerID string `json:"partnerId"`
}

type InviteDeclinedPayload = DeclineInvitePayload

type CancelInvitePayload struct {
	InviteID  string `json:"inviteId"`
	PartnerID string `json:"partnerId"`
}

type InviteCancelledPayload struct {
	InviteID string `json:"inviteId"`
}

type LeaveRoomPayload struct {
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
}

type PlayersUpdatePayload struct {
	RoomID  string          `json:"roomId"`
	Players []models.Player `json:"players"`
}

type PlayerLeftPayload struct {
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
}

type PeerDisconnectedPayload struct {
	UserID string `json:"userId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
