package teamchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/teamchat/teamchat-go/internal/frame"
	"github.com/teamchat/teamchat-go/internal/transport"
)

// wireTime is the timestamp format used in query parameters and frame
// contents.
func wireTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// decodeContents maps frame contents onto a typed payload.
func decodeContents(contents map[string]any, out any) error {
	raw, err := json.Marshal(contents)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// ---------------------------------------------------------------
// Socket RPCs
// ---------------------------------------------------------------

// sendMessage delivers a message to a room. Uninitialized rooms are
// created server-side first, carrying the message as their first
// content.
func (s *Session) sendMessage(ctx context.Context, room *Room, body string) (*Message, error) {
	if !room.Initialized() {
		return s.createRoomForMessage(ctx, room, body)
	}

	sock, err := s.socket()
	if err != nil {
		return nil, err
	}
	fr, err := sock.Request(ctx, "room.message.created", map[string]any{
		"roomId": room.ID,
		"body":   body,
	})
	if err != nil {
		return nil, err
	}
	var payload messagePayload
	if err := decodeContents(fr.Contents, &payload); err != nil {
		return nil, fmt.Errorf("teamchat: bad message ack: %w", err)
	}
	s.mu.Lock()
	msg, _ := s.saveMessageLocked(room, payload)
	s.mu.Unlock()
	return msg, nil
}

// createRoomForMessage realizes an uninitialized room: POST the room
// with its first message, adopt the new id, then refresh the room and
// its messages. The acknowledged message is the latest one.
func (s *Session) createRoomForMessage(ctx context.Context, room *Room, body string) (*Message, error) {
	handles := make([]string, 0, len(room.people))
	s.mu.Lock()
	for _, p := range room.people {
		if p.ID != s.meID && p.Handle != "" {
			handles = append(handles, p.Handle)
		}
	}
	s.mu.Unlock()
	if len(handles) == 0 {
		return nil, ErrSelfMessage
	}

	var resp struct {
		Room roomPayload `json:"room"`
	}
	if err := s.http.Request(ctx, "/chat/v2/rooms.json", transport.Options{
		Method: http.MethodPost,
		Body: map[string]any{
			"room": map[string]any{
				"handles": handles,
				"message": map[string]any{"body": body},
			},
		},
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Room.ID == 0 {
		return nil, fmt.Errorf("teamchat: room creation returned no id")
	}

	// Adopt the id onto the caller's object before refreshing so the
	// refresh merges into it instead of minting a second Room.
	s.mu.Lock()
	room.ID = resp.Room.ID
	if s.rooms[room.ID] == nil {
		s.rooms[room.ID] = room
	}
	s.mu.Unlock()

	if _, err := s.fetchRoom(ctx, room.ID, true); err != nil {
		return nil, err
	}
	if _, err := s.getRoomMessages(ctx, room); err != nil {
		return nil, err
	}
	msg := room.LastMessage()
	if msg == nil {
		return nil, ErrNotFound
	}
	return msg, nil
}

// typing reports typing state and waits for the server to echo it back
// for the current user.
func (s *Session) typing(ctx context.Context, room *Room, isTyping bool) error {
	if !room.Initialized() {
		return ErrUninitializedRoom
	}
	sock, err := s.socket()
	if err != nil {
		return err
	}
	if _, err := sock.SendFrame("room.typing", map[string]any{
		"isTyping": isTyping,
		"roomId":   room.ID,
	}, false); err != nil {
		return err
	}
	_, err = sock.AwaitFrame(ctx, frame.Filter{
		Type: "room.typing",
		Contents: map[string]any{
			"userId":   s.meID,
			"roomId":   room.ID,
			"isTyping": isTyping,
		},
	})
	return err
}

// activateRoom marks the room active and waits for the server's
// acknowledgement carrying the original date as activeAt.
func (s *Session) activateRoom(ctx context.Context, room *Room) error {
	if !room.Initialized() {
		return ErrUninitializedRoom
	}
	sock, err := s.socket()
	if err != nil {
		return err
	}
	date := wireTime(time.Now())
	if _, err := sock.SendFrame("room.user.active", map[string]any{
		"roomId": room.ID,
		"date":   date,
	}, true); err != nil {
		return err
	}
	_, err = sock.AwaitFrame(ctx, frame.Filter{
		Type: "room.user.active",
		Contents: map[string]any{
			"roomId":   room.ID,
			"activeAt": date,
		},
	})
	return err
}

// UpdateStatus pushes the current user's status; only "idle" and
// "active" are legal. The server answers only on a real change, so no
// reply is awaited.
func (s *Session) UpdateStatus(ctx context.Context, status string) error {
	if status != StatusIdle && status != StatusActive {
		return ErrInvalidStatus
	}
	sock, err := s.socket()
	if err != nil {
		return err
	}
	_, err = sock.SendFrame("user.modified.status", map[string]any{
		"status": status,
	}, false)
	return err
}

// UnseenCounts summarizes unread rooms and conversations.
type UnseenCounts struct {
	Important UnseenBucket `json:"important"`
	Total     UnseenBucket `json:"total"`
}

// UnseenBucket holds counts per category; Conversations may be nil
// when the server omits it.
type UnseenBucket struct {
	Rooms         int  `json:"rooms"`
	Conversations *int `json:"conversations"`
}

// GetUnseenCounts asks the server for unread counters.
func (s *Session) GetUnseenCounts(ctx context.Context) (*UnseenCounts, error) {
	sock, err := s.socket()
	if err != nil {
		return nil, err
	}
	fr, err := sock.Request(ctx, "unseen.counts.request", map[string]any{})
	if err != nil {
		return nil, err
	}
	var counts UnseenCounts
	if err := decodeContents(fr.Contents, &counts); err != nil {
		return nil, fmt.Errorf("teamchat: bad unseen counts: %w", err)
	}
	return &counts, nil
}

// ---------------------------------------------------------------
// People
// ---------------------------------------------------------------

// PeopleFilter narrows GetPeople queries.
type PeopleFilter struct {
	// Since filters to people updated after the timestamp.
	Since *time.Time
	// Search matches against names and handles server-side.
	Search string
}

// GetPeople fetches a page of people and merges them into the cache.
func (s *Session) GetPeople(ctx context.Context, f PeopleFilter, offset, limit int) ([]*Person, *transport.Page, error) {
	filter := map[string]any{}
	if f.Since != nil {
		filter["updatedAfter"] = wireTime(*f.Since)
	}
	if f.Search != "" {
		filter["searchTerm"] = f.Search
	}
	q := transport.Query{}
	if len(filter) > 0 {
		q["filter"] = filter
	}

	lo := transport.ListOptions{Query: q}
	if offset > 0 {
		lo.Offset = &offset
	}
	if limit > 0 {
		lo.Limit = &limit
	}

	var resp struct {
		People []personPayload `json:"people"`
	}
	page, err := s.http.RequestList(ctx, "/chat/v3/people.json", lo, &resp)
	if err != nil {
		return nil, nil, err
	}

	var events []Event
	people := make([]*Person, 0, len(resp.People))
	s.mu.Lock()
	for i := range resp.People {
		p, evs := s.savePersonLocked(resp.People[i])
		events = append(events, evs...)
		if p != nil {
			people = append(people, p)
		}
	}
	s.mu.Unlock()
	s.emitAll(events)
	return people, page, nil
}

// GetAllPeople pages through the whole directory.
func (s *Session) GetAllPeople(ctx context.Context) ([]*Person, error) {
	const pageSize = 250
	var all []*Person
	for offset := 0; ; offset += pageSize {
		people, page, err := s.GetPeople(ctx, PeopleFilter{}, offset, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, people...)
		if len(people) < pageSize {
			return all, nil
		}
		if page != nil && page.Total > 0 && offset+pageSize >= page.Total {
			return all, nil
		}
	}
}

// GetPerson returns the person with the given id, fetching them when
// not cached. Repeated calls return the same object.
func (s *Session) GetPerson(ctx context.Context, id int64) (*Person, error) {
	s.mu.Lock()
	p := s.personByIDLocked(id)
	s.mu.Unlock()
	if p != nil {
		return p, nil
	}
	return s.fetchPerson(ctx, id)
}

// fetchPerson always hits the server, bypassing the cache, and merges
// the result in.
func (s *Session) fetchPerson(ctx context.Context, id int64) (*Person, error) {
	var resp struct {
		Person personPayload `json:"person"`
	}
	err := s.http.Request(ctx, fmt.Sprintf("/chat/people/%d.json", id), transport.Options{}, &resp)
	if err != nil {
		if he, ok := err.(*transport.HTTPError); ok && he.Status == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if resp.Person.ID == 0 {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	p, events := s.savePersonLocked(resp.Person)
	s.mu.Unlock()
	s.emitAll(events)
	return p, nil
}

// GetPersonByHandle resolves a handle. The server has no direct
// endpoint; uncached handles go through a search query followed by an
// exact match.
func (s *Session) GetPersonByHandle(ctx context.Context, handle string) (*Person, error) {
	for len(handle) > 0 && handle[0] == '@' {
		handle = handle[1:]
	}
	s.mu.Lock()
	p := s.personByHandleLocked(handle)
	s.mu.Unlock()
	if p != nil {
		return p, nil
	}

	people, _, err := s.GetPeople(ctx, PeopleFilter{Search: handle}, 0, 0)
	if err != nil {
		return nil, err
	}
	for _, cand := range people {
		if cand.Handle == handle {
			return cand, nil
		}
	}
	return nil, ErrNotFound
}

// UpdatePerson PUTs arbitrary person fields.
func (s *Session) UpdatePerson(ctx context.Context, id int64, fields map[string]any) error {
	return s.http.Request(ctx, fmt.Sprintf("/chat/people/%d.json", id), transport.Options{
		Method: http.MethodPut,
		Body:   map[string]any{"person": fields},
	}, nil)
}

// UpdateHandle changes the current user's handle and updates the
// cache.
func (s *Session) UpdateHandle(ctx context.Context, handle string) error {
	s.mu.Lock()
	me := s.me
	s.mu.Unlock()
	if me == nil {
		return ErrClosed
	}
	if err := s.UpdatePerson(ctx, me.ID, map[string]any{"handle": handle}); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.peopleByHandle, me.Handle)
	me.Handle = handle
	s.peopleByHandle[handle] = me.Person
	s.mu.Unlock()
	s.emitter.emit(Event{Name: EventUserUpdate, Person: me.Person})
	return nil
}

// ---------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------

// RoomsFilter narrows GetRooms queries.
type RoomsFilter struct {
	Since           *time.Time
	Status          string
	Search          string
	IncludeMessages bool
	IncludeUsers    bool
	// Sort defaults to lastActivityAt.
	Sort string
}

// GetRooms fetches a page of conversations and merges them into the
// cache.
func (s *Session) GetRooms(ctx context.Context, f RoomsFilter, offset, limit int) ([]*Room, *transport.Page, error) {
	filter := map[string]any{}
	if f.Since != nil {
		filter["activityAfter"] = wireTime(*f.Since)
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.Search != "" {
		filter["searchTerm"] = f.Search
	}
	sort := f.Sort
	if sort == "" {
		sort = "lastActivityAt"
	}
	q := transport.Query{
		"sort":               sort,
		"includeUserData":    f.IncludeUsers,
		"includeMessageData": f.IncludeMessages,
	}
	if len(filter) > 0 {
		q["filter"] = filter
	}

	lo := transport.ListOptions{Query: q}
	if offset > 0 {
		lo.Offset = &offset
	}
	if limit > 0 {
		lo.Limit = &limit
	}

	var resp struct {
		Conversations []roomPayload `json:"conversations"`
	}
	page, err := s.http.RequestList(ctx, "/chat/v3/conversations.json", lo, &resp)
	if err != nil {
		return nil, nil, err
	}

	var events []Event
	rooms := make([]*Room, 0, len(resp.Conversations))
	s.mu.Lock()
	for i := range resp.Conversations {
		r, evs := s.saveRoomLocked(resp.Conversations[i])
		events = append(events, evs...)
		if r != nil {
			rooms = append(rooms, r)
		}
	}
	s.mu.Unlock()
	s.emitAll(events)
	return rooms, page, nil
}

// GetAllRooms pages through every conversation, people included.
func (s *Session) GetAllRooms(ctx context.Context) ([]*Room, error) {
	const pageSize = 100
	var all []*Room
	for offset := 0; ; offset += pageSize {
		rooms, page, err := s.GetRooms(ctx, RoomsFilter{IncludeUsers: true}, offset, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, rooms...)
		if len(rooms) < pageSize {
			return all, nil
		}
		if page != nil && page.Total > 0 && offset+pageSize >= page.Total {
			return all, nil
		}
	}
}

// GetRoom returns the room with the given id, fetching it when not
// cached. Repeated calls return the same object.
func (s *Session) GetRoom(ctx context.Context, id int64) (*Room, error) {
	s.mu.Lock()
	r := s.roomByIDLocked(id)
	s.mu.Unlock()
	if r != nil {
		return r, nil
	}
	return s.fetchRoom(ctx, id, true)
}

// fetchRoom always hits the server and merges the payload into the
// cache (realizing previously-unknown rooms).
func (s *Session) fetchRoom(ctx context.Context, id int64, includeUserData bool) (*Room, error) {
	var resp struct {
		Room roomPayload `json:"room"`
	}
	err := s.http.Request(ctx, fmt.Sprintf("/chat/v2/rooms/%d.json", id), transport.Options{
		Query: transport.Query{"includeUserData": includeUserData},
	}, &resp)
	if err != nil {
		if he, ok := err.(*transport.HTTPError); ok && he.Status == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if resp.Room.ID == 0 {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	r, events := s.saveRoomLocked(resp.Room)
	s.mu.Unlock()
	s.emitAll(events)
	return r, nil
}

// GetRoomByTitle resolves a room by its title, preferring the cache.
func (s *Session) GetRoomByTitle(ctx context.Context, title string) (*Room, error) {
	s.mu.Lock()
	for _, r := range s.rooms {
		if r.Title == title {
			s.mu.Unlock()
			return r, nil
		}
	}
	s.mu.Unlock()

	rooms, _, err := s.GetRooms(ctx, RoomsFilter{Search: title, IncludeUsers: true}, 0, 0)
	if err != nil {
		return nil, err
	}
	for _, r := range rooms {
		if r.Title == title {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

// CreateRoomWithHandles resolves the room for handles via
// GetRoomForHandles, sends firstMessage to it and returns the room. An
// uninitialized room is created server-side by that send; a room the
// cache already knows (a pair room or a matching group room) is reused.
func (s *Session) CreateRoomWithHandles(ctx context.Context, handles []string, firstMessage string) (*Room, error) {
	room, err := s.GetRoomForHandles(ctx, handles)
	if err != nil {
		return nil, err
	}
	if _, err := room.SendMessage(ctx, firstMessage); err != nil {
		return nil, err
	}
	return room, nil
}

func (s *Session) deleteRoom(ctx context.Context, room *Room) error {
	if !room.Initialized() {
		return ErrUninitializedRoom
	}
	err := s.http.Request(ctx, fmt.Sprintf("/chat/rooms/%d.json", room.ID), transport.Options{
		Method: http.MethodDelete,
	}, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.removeRoomLocked(room.ID)
	s.mu.Unlock()
	s.emitter.emit(Event{Name: EventRoomDeleted, Room: room})
	return nil
}

func (s *Session) updateRoomTitle(ctx context.Context, room *Room, title string) error {
	if !room.Initialized() {
		return ErrUninitializedRoom
	}
	err := s.http.Request(ctx, fmt.Sprintf("/chat/v2/conversations/%d.json", room.ID), transport.Options{
		Method: http.MethodPut,
		Body:   map[string]any{"conversation": map[string]any{"title": title}},
	}, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	room.Title = title
	s.mu.Unlock()
	return nil
}

// clearRoomHistory hides history before a message for the current
// user; legal only on pair rooms.
func (s *Session) clearRoomHistory(ctx context.Context, room *Room, before *Message) error {
	if !room.Initialized() {
		return ErrUninitializedRoom
	}
	if room.Type != RoomTypePair {
		return ErrNotPairRoom
	}
	if before == nil {
		if before = room.LastMessage(); before == nil {
			if _, err := s.getRoomMessages(ctx, room); err != nil {
				return err
			}
			if before = room.LastMessage(); before == nil {
				return ErrNotFound
			}
		}
	}
	return s.http.Request(ctx, fmt.Sprintf("/chat/v2/conversations/%d/user-settings.json", room.ID), transport.Options{
		Method: http.MethodPut,
		Body: map[string]any{
			"userSettings": map[string]any{
				"messageIdHistoryStartsAfter": before.ID,
			},
		},
	}, nil)
}

// ---------------------------------------------------------------
// Messages
// ---------------------------------------------------------------

func (s *Session) getRoomMessages(ctx context.Context, room *Room) ([]*Message, error) {
	if !room.Initialized() {
		return nil, ErrUninitializedRoom
	}
	var resp struct {
		Messages []messagePayload `json:"messages"`
	}
	err := s.http.Request(ctx, fmt.Sprintf("/chat/v2/rooms/%d/messages.json", room.ID), transport.Options{}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(resp.Messages))
	s.mu.Lock()
	for i := range resp.Messages {
		m, _ := s.saveMessageLocked(room, resp.Messages[i])
		out = append(out, m)
	}
	s.mu.Unlock()
	return out, nil
}

// PostMessage sends a message over REST instead of the socket.
func (s *Session) PostMessage(ctx context.Context, room *Room, body string) error {
	if !room.Initialized() {
		return ErrUninitializedRoom
	}
	return s.http.Request(ctx, fmt.Sprintf("/chat/rooms/%d/messages.json", room.ID), transport.Options{
		Method: http.MethodPost,
		Body:   map[string]any{"message": map[string]any{"body": body}},
	}, nil)
}

// DeleteMessages redacts messages server-side.
func (s *Session) DeleteMessages(ctx context.Context, room *Room, ids []int64) error {
	if !room.Initialized() {
		return ErrUninitializedRoom
	}
	return s.http.Request(ctx, fmt.Sprintf("/chat/rooms/%d/messages.json", room.ID), transport.Options{
		Method: http.MethodDelete,
		Body:   map[string]any{"ids": ids},
	}, nil)
}

// UndeleteMessages restores previously deleted messages.
func (s *Session) UndeleteMessages(ctx context.Context, room *Room, ids []int64) error {
	if !room.Initialized() {
		return ErrUninitializedRoom
	}
	msgs := make([]map[string]any, len(ids))
	for i, id := range ids {
		msgs[i] = map[string]any{"id": id, "status": MessageStatusActive}
	}
	return s.http.Request(ctx, fmt.Sprintf("/chat/rooms/%d/messages.json", room.ID), transport.Options{
		Method: http.MethodPut,
		Body:   map[string]any{"messages": msgs},
	}, nil)
}

// MessagesFilter narrows GetMessages queries.
type MessagesFilter struct {
	CreatedAfter *time.Time
	Page         int
	PageSize     int
}

// GetMessages fetches the user's messages across rooms, realizing any
// rooms the cache has not seen.
func (s *Session) GetMessages(ctx context.Context, f MessagesFilter) ([]*Message, error) {
	q := transport.Query{}
	if f.CreatedAfter != nil {
		q["createdAfter"] = wireTime(*f.CreatedAfter)
	}
	if f.Page > 0 {
		q["page"] = f.Page
	}
	if f.PageSize > 0 {
		q["pageSize"] = f.PageSize
	}

	var resp struct {
		Messages []messagePayload `json:"messages"`
	}
	if err := s.http.Request(ctx, "/chat/v2/messages.json", transport.Options{Query: q}, &resp); err != nil {
		return nil, err
	}

	out := make([]*Message, 0, len(resp.Messages))
	for i := range resp.Messages {
		payload := resp.Messages[i]
		room, err := s.GetRoom(ctx, payload.RoomID)
		if err != nil {
			s.log.Warn("skipping message in unresolvable room")
			continue
		}
		s.mu.Lock()
		m, _ := s.saveMessageLocked(room, payload)
		s.mu.Unlock()
		out = append(out, m)
	}
	return out, nil
}

// GetUpdates runs the catch-up queries: people, rooms and messages
// changed since the timestamp.
func (s *Session) GetUpdates(ctx context.Context, since time.Time) ([]*Person, []*Room, []*Message, error) {
	people, _, err := s.GetPeople(ctx, PeopleFilter{Since: &since}, 0, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	rooms, _, err := s.GetRooms(ctx, RoomsFilter{Since: &since, IncludeUsers: true}, 0, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	messages, err := s.GetMessages(ctx, MessagesFilter{CreatedAfter: &since})
	if err != nil {
		return nil, nil, nil, err
	}
	return people, rooms, messages, nil
}

// ---------------------------------------------------------------
// Impersonation
// ---------------------------------------------------------------

// Impersonate switches the session to act as another person. The
// rotated tw-auth cookie replaces the session token atomically; avoid
// calling this with requests in flight.
func (s *Session) Impersonate(ctx context.Context, personID int64) error {
	return s.rotateVia(ctx, fmt.Sprintf("/people/%d/impersonate.json", personID))
}

// Unimpersonate reverts a previous Impersonate.
func (s *Session) Unimpersonate(ctx context.Context) error {
	return s.rotateVia(ctx, "/people/impersonate/revert.json")
}

func (s *Session) rotateVia(ctx context.Context, path string) error {
	resp, err := s.http.Do(ctx, path, transport.Options{Method: http.MethodPut})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("teamchat: impersonation failed with status %d", resp.StatusCode)
	}
	token := authCookie(resp)
	if token == "" {
		return fmt.Errorf("teamchat: impersonation response did not rotate the %s cookie", transport.CookieName)
	}
	s.token.Rotate(token)
	return nil
}
