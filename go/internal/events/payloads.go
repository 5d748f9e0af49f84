package events

import "time"

// Event payload types shared by the client router and the dev relay

// InteractionPayload is the payload for a newInteraction event
type InteractionPayload struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind,omitempty"`
	FromID    string    `json:"fromId,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// PartnerStatusPayload is the payload for a partnerStatusUpdate event
type PartnerStatusPayload struct {
	PartnerID string    `json:"partnerId"`
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"lastSeen,omitempty"`
}

// PartnerMoodPayload is the payload for a partnerMoodUpdate event
type PartnerMoodPayload struct {
	PartnerID string `json:"partnerId"`
	Mood      string `json:"mood"`
	Note      string `json:"note,omitempty"`
}

// MessagePayload is the payload for newVentMessage and newSweetMessage events
type MessagePayload struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// GiftPayload is the payload for a newGiftReceived event
type GiftPayload struct {
	ID       string `json:"id"`
	SenderID string `json:"senderId"`
	GiftType string `json:"giftType"`
}

// ConnectedPayload is sent by the server once a stream is open
type ConnectedPayload struct {
	UserID string `json:"userId"`
}
