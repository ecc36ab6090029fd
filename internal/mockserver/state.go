package mockserver

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// User is a seeded account on the mock installation.
type User struct {
	ID        int64  `json:"id"`
	Handle    string `json:"handle"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Password  string `json:"-"`

	UpdatedAt time.Time `json:"-"`
}

// Room is a conversation held by the mock server.
type Room struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Title     *string   `json:"title"`
	Status    string    `json:"status"`
	CreatorID int64     `json:"creatorId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	PeopleIDs []int64    `json:"-"`
	Messages  []*Message `json:"-"`
}

// Message is a stored chat message.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"roomId"`
	UserID    int64     `json:"userId"`
	Body      string    `json:"body"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// state is the in-memory world the handlers and the websocket loop
// share.
type state struct {
	mu sync.Mutex

	users map[int64]*User
	rooms map[int64]*Room

	nextUserID    int64
	nextRoomID    int64
	nextMessageID int64
}

func newState() *state {
	return &state{
		users:         make(map[int64]*User),
		rooms:         make(map[int64]*Room),
		nextUserID:    100,
		nextRoomID:    1000,
		nextMessageID: 10000,
	}
}

func (st *state) addUser(u *User) *User {
	st.mu.Lock()
	defer st.mu.Unlock()
	if u.ID == 0 {
		st.nextUserID++
		u.ID = st.nextUserID
	}
	if u.Status == "" {
		u.Status = "offline"
	}
	u.UpdatedAt = time.Now()
	st.users[u.ID] = u
	return u
}

func (st *state) userByID(id int64) *User {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.users[id]
}

func (st *state) userByHandle(handle string) *User {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, u := range st.users {
		if u.Handle == handle {
			return u
		}
	}
	return nil
}

func (st *state) userByLogin(username, password string) *User {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, u := range st.users {
		if (u.Handle == username || u.Email == username) && u.Password == password {
			return u
		}
	}
	return nil
}

func (st *state) listUsers(search string) []*User {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*User, 0, len(st.users))
	for _, u := range st.users {
		if search != "" && !matchesUser(u, search) {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func matchesUser(u *User, search string) bool {
	s := strings.ToLower(search)
	return strings.Contains(strings.ToLower(u.Handle), s) ||
		strings.Contains(strings.ToLower(u.FirstName), s) ||
		strings.Contains(strings.ToLower(u.LastName), s)
}

func (st *state) addRoom(r *Room) *Room {
	st.mu.Lock()
	defer st.mu.Unlock()
	if r.ID == 0 {
		st.nextRoomID++
		r.ID = st.nextRoomID
	}
	if r.Status == "" {
		r.Status = "active"
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	st.rooms[r.ID] = r
	return r
}

func (st *state) roomByID(id int64) *Room {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rooms[id]
}

func (st *state) deleteRoom(id int64) *Room {
	st.mu.Lock()
	defer st.mu.Unlock()
	r := st.rooms[id]
	delete(st.rooms, id)
	return r
}

func (st *state) listRooms() []*Room {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Room, 0, len(st.rooms))
	for _, r := range st.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// roomForPair returns the pair room of the two users, creating it on
// first use.
func (st *state) roomForPair(a, b int64) *Room {
	st.mu.Lock()
	for _, r := range st.rooms {
		if r.Type == "pair" && len(r.PeopleIDs) == 2 && containsID(r.PeopleIDs, a) && containsID(r.PeopleIDs, b) {
			st.mu.Unlock()
			return r
		}
	}
	st.mu.Unlock()
	return st.addRoom(&Room{Type: "pair", CreatorID: a, PeopleIDs: []int64{a, b}})
}

func (st *state) addMessage(room *Room, userID int64, body string) *Message {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nextMessageID++
	m := &Message{
		ID:        st.nextMessageID,
		RoomID:    room.ID,
		UserID:    userID,
		Body:      body,
		Status:    "active",
		CreatedAt: time.Now(),
	}
	room.Messages = append(room.Messages, m)
	room.UpdatedAt = m.CreatedAt
	return m
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
