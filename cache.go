package teamchat

import (
	"github.com/teamchat/teamchat-go/pkg/metrics"
)

// The entity cache is the single source of truth for Person and Room
// identity. Wire payloads are created and merged through
// savePersonLocked and saveRoomLocked under s.mu; single-field updates,
// handle and title changes, removals and room-id adoption are applied
// directly to the cached objects and maps, also under s.mu, and do not
// go through those two functions. Events describing the mutations are
// returned to the caller and emitted after the lock is released, so
// cache state is always complete before observers run.

func (s *Session) personByIDLocked(id int64) *Person {
	return s.people[id]
}

func (s *Session) personByHandleLocked(handle string) *Person {
	return s.peopleByHandle[handle]
}

func (s *Session) roomByIDLocked(id int64) *Room {
	return s.rooms[id]
}

// savePersonLocked creates or updates a person. Updates mutate the
// cached object in place; its identity never changes.
func (s *Session) savePersonLocked(raw personPayload) (*Person, []Event) {
	if raw.ID == 0 {
		return nil, nil
	}
	if p := s.people[raw.ID]; p != nil {
		oldHandle := p.Handle
		raw.apply(p)
		if p.Handle != oldHandle {
			delete(s.peopleByHandle, oldHandle)
			s.peopleByHandle[p.Handle] = p
		}
		return p, nil
	}

	p := &Person{session: s}
	raw.apply(p)
	s.people[p.ID] = p
	if p.Handle != "" {
		s.peopleByHandle[p.Handle] = p
	}
	metrics.PeopleCached.Set(float64(len(s.people)))

	// Every person other than the current user gets a canonical pair
	// room immediately; it stays uninitialized until the server
	// assigns it an id.
	if p.ID != s.meID {
		people := []*Person{p}
		if me := s.people[s.meID]; me != nil {
			people = []*Person{me, p}
		}
		p.pairRoom = &Room{Type: RoomTypePair, people: people, session: s}
	}

	return p, []Event{{Name: EventPersonNew, Person: p}}
}

func (s *Session) removePersonLocked(id int64) *Person {
	p := s.people[id]
	if p == nil {
		return nil
	}
	delete(s.people, id)
	delete(s.peopleByHandle, p.Handle)
	metrics.PeopleCached.Set(float64(len(s.people)))
	return p
}

// saveRoomLocked creates or updates a room from a wire payload and
// returns the canonical Room. For a new pair room whose participants
// are {self, P}, the payload is merged into P's existing pair room
// instead of creating a second object.
func (s *Session) saveRoomLocked(raw roomPayload) (*Room, []Event) {
	var events []Event

	// Resolve nested people first so message authors and participant
	// diffs see complete Person objects.
	participants := make([]*Person, 0, len(raw.People))
	for i := range raw.People {
		p, evs := s.savePersonLocked(raw.People[i])
		events = append(events, evs...)
		if p != nil {
			participants = append(participants, p)
		}
	}

	room := s.rooms[raw.ID]
	isNew := false
	if room == nil {
		room = s.aliasPairRoomLocked(&raw, participants)
		if room == nil {
			room = &Room{session: s}
		}
		raw.apply(room)
		if room.ID != 0 {
			s.rooms[room.ID] = room
			metrics.RoomsCached.Set(float64(len(s.rooms)))
		}
		isNew = true
	} else {
		raw.apply(room)
	}

	if len(raw.People) > 0 {
		added, removed := diffPeople(room.people, participants)
		room.people = participants
		if !isNew {
			for _, p := range added {
				events = append(events, Event{Name: EventRoomPersonAdded, Room: room, Person: p})
			}
			for _, p := range removed {
				events = append(events, Event{Name: EventRoomPersonRemoved, Room: room, Person: p})
			}
		}
	}

	for i := range raw.Messages {
		s.saveMessageLocked(room, raw.Messages[i])
	}

	if isNew {
		events = append(events, Event{Name: EventRoomNew, Room: room})
	} else {
		events = append(events, Event{Name: EventRoomUpdated, Room: room})
	}
	return room, events
}

// aliasPairRoomLocked returns the pair room to merge the payload into,
// or nil when a fresh Room should be created. A "room with self" (the
// current user as the only distinct participant) is a degenerate the
// server can produce; it is treated as a normal room.
func (s *Session) aliasPairRoomLocked(raw *roomPayload, participants []*Person) *Room {
	if raw.Type != RoomTypePair || s.meID == 0 {
		return nil
	}
	var other *Person
	sawSelf := false
	for _, p := range participants {
		if p.ID == s.meID {
			sawSelf = true
			continue
		}
		if other != nil && other != p {
			return nil
		}
		other = p
	}
	if !sawSelf || other == nil || other.pairRoom == nil {
		return nil
	}
	return other.pairRoom
}

func (s *Session) removeRoomLocked(id int64) *Room {
	r := s.rooms[id]
	if r == nil {
		return nil
	}
	delete(s.rooms, id)
	metrics.RoomsCached.Set(float64(len(s.rooms)))
	return r
}

// saveMessageLocked creates or merges a message inside the room and
// enforces the retention bound. It reports whether the message was
// previously unseen.
func (s *Session) saveMessageLocked(room *Room, raw messagePayload) (*Message, bool) {
	for _, m := range room.messages {
		if m.ID == raw.ID {
			raw.apply(m)
			if m.Author == nil {
				m.Author = s.people[m.AuthorID]
			}
			return m, false
		}
	}
	m := &Message{room: room, RoomID: room.ID}
	raw.apply(m)
	m.Author = s.people[m.AuthorID]
	room.messages = append(room.messages, m)
	if len(room.messages) > MaxRoomMessages {
		room.messages = room.messages[len(room.messages)-MaxRoomMessages:]
	}
	return m, true
}

func diffPeople(old, new []*Person) (added, removed []*Person) {
	oldSet := make(map[int64]*Person, len(old))
	for _, p := range old {
		oldSet[p.ID] = p
	}
	newSet := make(map[int64]*Person, len(new))
	for _, p := range new {
		newSet[p.ID] = p
		if oldSet[p.ID] == nil {
			added = append(added, p)
		}
	}
	for _, p := range old {
		if newSet[p.ID] == nil {
			removed = append(removed, p)
		}
	}
	return added, removed
}

// People returns a snapshot of the in-memory directory.
func (s *Session) People() []*Person {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Person, 0, len(s.people))
	for _, p := range s.people {
		out = append(out, p)
	}
	return out
}

// Rooms returns a snapshot of the cached (initialized) rooms.
func (s *Session) Rooms() []*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out
}
