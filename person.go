package teamchat

import (
	"context"
	"regexp"
	"time"
)

// Person statuses pushed by the server.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusIdle    = "idle"
	StatusActive  = "active"
	StatusOffline = "offline"
)

// Person is a user of the installation. At most one Person exists per
// id; external consumers hold references, so updates mutate in place
// and never replace the object.
type Person struct {
	ID             int64
	Handle         string
	FirstName      string
	LastName       string
	Email          string
	Title          string
	Company        string
	Status         string
	LastActivityAt *time.Time

	pairRoom *Room
	session  *Session
}

// FullName returns "First Last", trimmed.
func (p *Person) FullName() string {
	if p.FirstName == "" {
		return p.LastName
	}
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// PairRoom returns the canonical one-to-one room with this person. It
// may be uninitialized until the server has created it.
func (p *Person) PairRoom() *Room { return p.pairRoom }

// SendMessage sends a direct message to this person via their pair
// room.
func (p *Person) SendMessage(ctx context.Context, body string) (*Message, error) {
	if p.session != nil && p.session.me != nil && p.session.me.ID == p.ID {
		return nil, ErrSelfMessage
	}
	if p.pairRoom == nil {
		return nil, ErrNotFound
	}
	return p.pairRoom.SendMessage(ctx, body)
}

// IsMentioned reports whether the message mentions this person:
// @handle appears as a word and the author is someone else.
func (p *Person) IsMentioned(m *Message) bool {
	if m == nil || p.Handle == "" {
		return false
	}
	if m.Author == p || m.AuthorID == p.ID {
		return false
	}
	re := regexp.MustCompile(`(^|\W)@` + regexp.QuoteMeta(p.Handle) + `($|\W)`)
	return re.MatchString(m.Content)
}

// personPayload is the wire shape of a person in REST bodies and in
// people arrays nested inside room payloads.
type personPayload struct {
	ID             int64      `json:"id"`
	FirstName      string     `json:"firstName"`
	LastName       string     `json:"lastName"`
	Handle         string     `json:"handle"`
	Email          string     `json:"email"`
	Title          string     `json:"title"`
	Status         string     `json:"status"`
	LastActivityAt *time.Time `json:"lastActivityAt"`
	CompanyName    string     `json:"companyName"`
	Company        *struct {
		Name string `json:"name"`
	} `json:"company"`
}

func (raw *personPayload) apply(p *Person) {
	p.ID = raw.ID
	if raw.Handle != "" {
		p.Handle = raw.Handle
	}
	if raw.FirstName != "" {
		p.FirstName = raw.FirstName
	}
	if raw.LastName != "" {
		p.LastName = raw.LastName
	}
	if raw.Email != "" {
		p.Email = raw.Email
	}
	if raw.Title != "" {
		p.Title = raw.Title
	}
	if raw.Status != "" {
		p.Status = raw.Status
	}
	if raw.LastActivityAt != nil {
		p.LastActivityAt = raw.LastActivityAt
	}
	if raw.Company != nil && raw.Company.Name != "" {
		p.Company = raw.Company.Name
	} else if raw.CompanyName != "" {
		p.Company = raw.CompanyName
	}
}

// CurrentUser is the logged-in identity. It embeds the cached Person
// (same object as Session.GetPerson(me.ID)) and exposes the operations
// that only make sense for yourself.
type CurrentUser struct {
	*Person
	session *Session
}

// UpdateStatus pushes a status change; status must be "idle" or
// "active". The server only replies when the status actually changed,
// so this is fire-and-forget.
func (u *CurrentUser) UpdateStatus(ctx context.Context, status string) error {
	return u.session.UpdateStatus(ctx, status)
}

// UpdateHandle changes the current user's handle.
func (u *CurrentUser) UpdateHandle(ctx context.Context, handle string) error {
	return u.session.UpdateHandle(ctx, handle)
}
