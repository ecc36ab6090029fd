package teamchat

import "time"

// Message statuses.
const (
	MessageStatusActive   = "active"
	MessageStatusRedacted = "redacted"
)

// Message is a single chat message. Messages are owned by their room
// and retained in arrival order, bounded by MaxRoomMessages.
type Message struct {
	ID        int64
	RoomID    int64
	AuthorID  int64
	Content   string
	Status    string
	CreatedAt time.Time
	EditedAt  *time.Time

	File            map[string]any
	ThirdPartyCards []any
	IsUserActive    bool

	// Author is the resolved Person when known; AuthorID is always
	// set.
	Author *Person

	room *Room
}

// Room returns the containing room.
func (m *Message) Room() *Room { return m.room }

// Redacted reports whether the message has been deleted server-side.
func (m *Message) Redacted() bool { return m.Status == MessageStatusRedacted }

// messagePayload is the wire shape of a message, both in REST bodies
// and in room.message.* frame contents.
type messagePayload struct {
	ID              int64          `json:"id"`
	RoomID          int64          `json:"roomId"`
	UserID          int64          `json:"userId"`
	Body            string         `json:"body"`
	Status          string         `json:"status"`
	CreatedAt       *time.Time     `json:"createdAt"`
	EditedAt        *time.Time     `json:"editedAt"`
	File            map[string]any `json:"file"`
	ThirdPartyCards []any          `json:"thirdPartyCards"`
	IsUserActive    bool           `json:"isUserActive"`
}

func (p *messagePayload) apply(m *Message) {
	m.ID = p.ID
	if p.RoomID != 0 {
		m.RoomID = p.RoomID
	}
	if p.UserID != 0 {
		m.AuthorID = p.UserID
	}
	m.Content = p.Body
	if p.Status != "" {
		m.Status = p.Status
	} else if m.Status == "" {
		m.Status = MessageStatusActive
	}
	if p.CreatedAt != nil {
		m.CreatedAt = *p.CreatedAt
	}
	if p.EditedAt != nil {
		m.EditedAt = p.EditedAt
	}
	if p.File != nil {
		m.File = p.File
	}
	if p.ThirdPartyCards != nil {
		m.ThirdPartyCards = p.ThirdPartyCards
	}
	m.IsUserActive = p.IsUserActive
}
