package teamchat

import (
	"context"
	"time"
)

// Room types.
const (
	RoomTypePair    = "pair"
	RoomTypePrivate = "private"
	RoomTypeCompany = "company"
)

// Room is a conversation. A room without a server-assigned id is
// "uninitialized": it exists only locally until the first message is
// sent and the server creates it.
//
// For a pair room containing the current user and exactly one other
// person P, the Room is the same object as P.PairRoom().
type Room struct {
	ID                   int64
	Type                 string
	Title                string
	Status               string
	CreatorID            int64
	CreatedAt            *time.Time
	UpdatedAt            *time.Time
	LastActivityAt       *time.Time
	LastViewedAt         *time.Time
	UnreadCount          int
	ImportantUnreadCount int

	people   []*Person
	messages []*Message
	session  *Session
}

// Initialized reports whether the room has a server-side id.
func (r *Room) Initialized() bool { return r.ID != 0 }

// People returns the room's participants.
func (r *Room) People() []*Person {
	r.session.mu.Lock()
	defer r.session.mu.Unlock()
	out := make([]*Person, len(r.people))
	copy(out, r.people)
	return out
}

// Messages returns the retained messages in arrival order (at most
// MaxRoomMessages).
func (r *Room) Messages() []*Message {
	r.session.mu.Lock()
	defer r.session.mu.Unlock()
	out := make([]*Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// LastMessage returns the most recently retained message, or nil.
func (r *Room) LastMessage() *Message {
	r.session.mu.Lock()
	defer r.session.mu.Unlock()
	if len(r.messages) == 0 {
		return nil
	}
	return r.messages[len(r.messages)-1]
}

// Handles returns the participant handles.
func (r *Room) Handles() []string {
	r.session.mu.Lock()
	defer r.session.mu.Unlock()
	out := make([]string, 0, len(r.people))
	for _, p := range r.people {
		if p.Handle != "" {
			out = append(out, p.Handle)
		}
	}
	return out
}

// SendMessage sends a message to the room. On an uninitialized room
// this creates the room server-side with the message as its first
// content.
func (r *Room) SendMessage(ctx context.Context, body string) (*Message, error) {
	return r.session.sendMessage(ctx, r, body)
}

// Activate marks the room as the active one for the current user.
func (r *Room) Activate(ctx context.Context) error {
	return r.session.activateRoom(ctx, r)
}

// Typing reports the current user's typing state into the room.
func (r *Room) Typing(ctx context.Context, isTyping bool) error {
	return r.session.typing(ctx, r, isTyping)
}

// UpdateTitle renames the conversation.
func (r *Room) UpdateTitle(ctx context.Context, title string) error {
	return r.session.updateRoomTitle(ctx, r, title)
}

// Delete removes the room server-side.
func (r *Room) Delete(ctx context.Context) error {
	return r.session.deleteRoom(ctx, r)
}

// GetMessages fetches the room's messages from the server and merges
// them into the cache.
func (r *Room) GetMessages(ctx context.Context) ([]*Message, error) {
	return r.session.getRoomMessages(ctx, r)
}

// ClearHistory hides the room's history before the given message
// (defaulting to the most recent one) for the current user. Only legal
// for pair rooms.
func (r *Room) ClearHistory(ctx context.Context, before *Message) error {
	return r.session.clearRoomHistory(ctx, r, before)
}

// roomPayload is the wire shape of a room/conversation.
type roomPayload struct {
	ID                   int64            `json:"id"`
	Type                 string           `json:"type"`
	Title                *string          `json:"title"`
	Status               string           `json:"status"`
	CreatorID            int64            `json:"creatorId"`
	CreatedAt            *time.Time       `json:"createdAt"`
	UpdatedAt            *time.Time       `json:"updatedAt"`
	LastActivityAt       *time.Time       `json:"lastActivityAt"`
	LastViewedAt         *time.Time       `json:"lastViewedAt"`
	UnreadCount          *int             `json:"unreadCount"`
	ImportantUnreadCount *int             `json:"importantUnreadCount"`
	People               []personPayload  `json:"people"`
	Messages             []messagePayload `json:"messages"`
}

func (raw *roomPayload) apply(r *Room) {
	if raw.ID != 0 {
		r.ID = raw.ID
	}
	if raw.Type != "" {
		r.Type = raw.Type
	}
	if raw.Title != nil {
		r.Title = *raw.Title
	}
	if raw.Status != "" {
		r.Status = raw.Status
	}
	if raw.CreatorID != 0 {
		r.CreatorID = raw.CreatorID
	}
	if raw.CreatedAt != nil {
		r.CreatedAt = raw.CreatedAt
	}
	if raw.UpdatedAt != nil {
		r.UpdatedAt = raw.UpdatedAt
	}
	if raw.LastActivityAt != nil {
		r.LastActivityAt = raw.LastActivityAt
	}
	if raw.LastViewedAt != nil {
		r.LastViewedAt = raw.LastViewedAt
	}
	if raw.UnreadCount != nil {
		r.UnreadCount = *raw.UnreadCount
	}
	if raw.ImportantUnreadCount != nil {
		r.ImportantUnreadCount = *raw.ImportantUnreadCount
	}
}
