package models

// NotificationKind identifies a one-shot user-visible notice
type NotificationKind string

const (
	NotificationInviteReceived   NotificationKind = "invite_received"
	NotificationInviteDeclined   NotificationKind = "invite_declined"
	NotificationInviteCancelled  NotificationKind = "invite_cancelled"
	NotificationInviteExpired    NotificationKind = "invite_expired"
	NotificationAcceptFailed     NotificationKind = "accept_failed"
	NotificationPeerDisconnected NotificationKind = "peer_disconnected"
	NotificationPlayerLeft       NotificationKind = "player_left"
	NotificationRoomError        NotificationKind = "room_error"
)

// Notification is surfaced to the UI once and never retried.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	Message  string           `json:"message"`
	InviteID string           `json:"inviteId,omitempty"`
	RoomID   string           `json:"roomId,omitempty"`
}

// Notifier receives notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }
