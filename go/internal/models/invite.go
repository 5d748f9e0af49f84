package models

// Invite is a two-party game invite, outgoing or incoming.
type Invite struct {
	InviteID    string `json:"inviteId"`
	InviterID   string `json:"inviterId"`
	InviterName string `json:"inviterName"`
	GameName    string `json:"gameName"`
	RoomID      string `json:"roomId"`
	PartnerID   string `json:"partnerId,omitempty"` // invitee, set on the sending side
}

// Inviter returns the inviting player as carried by the invite.
func (i Invite) Inviter() Player {
	return Player{ID: i.InviterID, Name: i.InviterName}
}
