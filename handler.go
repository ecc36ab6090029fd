package teamchat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teamchat/teamchat-go/internal/frame"
	"github.com/teamchat/teamchat-go/internal/socket"
)

// routeFrame applies an inbound frame to the entity cache and fans out
// the resulting events. It runs on the socket reader goroutine, so
// frames apply in arrival order.
func (s *Session) routeFrame(f *frame.Frame) {
	switch f.Name {
	case "room.message.created":
		s.handleMessageCreated(f)
	case "room.message.updated":
		s.handleMessageUpdated(f)
	case "room.messages.deleted":
		s.handleMessagesStatus(f, MessageStatusRedacted)
	case "room.messages.deleted-undone":
		s.handleMessagesStatus(f, MessageStatusActive)
	case "room.updated":
		s.handleRoomUpdated(f)
	case "room.deleted":
		s.handleRoomDeleted(f)
	case "room.typing":
		s.handleRoomTyping(f)
	case "user.modified":
		s.handleUserModified(f)
	case "user.added":
		s.handleUserAdded(f)
	case "user.updated":
		s.handleUserRefreshed(f)
	case "user.deleted":
		s.handleUserDeleted(f)
	case "pong":
		s.emitter.emit(Event{Name: EventPong})
	case "unseen.counts.updated",
		"authentication.request",
		"authentication.response",
		"authentication.confirmation",
		"authentication.error",
		"room.user.active":
		// Resolved by frame waiters; nothing to apply.
	case "company.added", "company.updated", "company.deleted":
		// Companies are observed but never mutate the cache.
		s.log.Debug("company frame ignored", zap.String("name", f.Name))
	default:
		s.log.Debug("unknown frame", zap.String("name", f.Name))
	}
}

// frameCtx bounds the REST calls a push frame can trigger.
func (s *Session) frameCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), socket.DefaultAwaitTimeout)
}

// handleMessageCreated resolves the room (pulling it when unknown),
// merges the message and emits the message event family.
func (s *Session) handleMessageCreated(f *frame.Frame) {
	var payload messagePayload
	if err := decodeContents(f.Contents, &payload); err != nil {
		s.log.Warn("bad room.message.created contents", zap.Error(err))
		return
	}

	s.mu.Lock()
	room := s.roomByIDLocked(payload.RoomID)
	s.mu.Unlock()
	if room == nil {
		ctx, cancel := s.frameCtx()
		var err error
		room, err = s.fetchRoom(ctx, payload.RoomID, true)
		cancel()
		if err != nil {
			s.log.Warn("could not realize room for message",
				zap.Int64("room_id", payload.RoomID), zap.Error(err))
			return
		}
	}

	s.mu.Lock()
	msg, isNew := s.saveMessageLocked(room, payload)
	me := s.me
	s.mu.Unlock()

	s.emitter.emit(Event{Name: EventMessage, Room: room, Message: msg})
	if !isNew || me == nil {
		return
	}
	fromSelf := msg.AuthorID == me.ID
	if !fromSelf {
		s.emitter.emit(Event{Name: EventMessageReceived, Room: room, Message: msg})
		if room.Type == RoomTypePair {
			s.emitter.emit(Event{Name: EventMessageDirect, Room: room, Message: msg})
		}
		if me.IsMentioned(msg) {
			s.emitter.emit(Event{Name: EventMessageMention, Room: room, Message: msg})
		}
	}
}

func (s *Session) handleMessageUpdated(f *frame.Frame) {
	var payload messagePayload
	if err := decodeContents(f.Contents, &payload); err != nil {
		s.log.Warn("bad room.message.updated contents", zap.Error(err))
		return
	}
	s.mu.Lock()
	room := s.roomByIDLocked(payload.RoomID)
	var msg *Message
	if room != nil {
		for _, m := range room.messages {
			if m.ID == payload.ID {
				payload.apply(m)
				msg = m
				break
			}
		}
	}
	s.mu.Unlock()
	if msg != nil {
		s.emitter.emit(Event{Name: EventMessage, Room: room, Message: msg})
	}
}

// handleMessagesStatus marks messages redacted or restores them.
func (s *Session) handleMessagesStatus(f *frame.Frame, status string) {
	roomID := contentInt64(f, "roomId")
	ids := contentInt64s(f, "ids")
	s.mu.Lock()
	if room := s.roomByIDLocked(roomID); room != nil {
		for _, m := range room.messages {
			for _, id := range ids {
				if m.ID == id {
					m.Status = status
				}
			}
		}
	}
	s.mu.Unlock()
}

// handleRoomUpdated forces a refresh; the refetch diffs the people
// list and emits room:person:added / room:person:removed.
func (s *Session) handleRoomUpdated(f *frame.Frame) {
	roomID := contentInt64(f, "id")
	if roomID == 0 {
		roomID = contentInt64(f, "roomId")
	}
	if roomID == 0 {
		return
	}
	ctx, cancel := s.frameCtx()
	defer cancel()
	if _, err := s.fetchRoom(ctx, roomID, true); err != nil {
		s.log.Warn("room refresh failed", zap.Int64("room_id", roomID), zap.Error(err))
	}
}

func (s *Session) handleRoomDeleted(f *frame.Frame) {
	roomID := contentInt64(f, "id")
	if roomID == 0 {
		roomID = contentInt64(f, "roomId")
	}
	s.mu.Lock()
	room := s.removeRoomLocked(roomID)
	s.mu.Unlock()
	if room != nil {
		s.emitter.emit(Event{Name: EventRoomDeleted, Room: room})
	}
}

func (s *Session) handleRoomTyping(f *frame.Frame) {
	roomID := contentInt64(f, "roomId")
	userID := contentInt64(f, "userId")
	isTyping, _ := f.Get("isTyping")
	s.mu.Lock()
	room := s.roomByIDLocked(roomID)
	person := s.personByIDLocked(userID)
	s.mu.Unlock()
	if room == nil {
		return
	}
	typing, _ := isTyping.(bool)
	s.emitter.emit(Event{Name: EventRoomTyping, Room: room, Person: person, Data: map[string]any{
		"isTyping": typing,
	}})
}

// handleUserModified applies a single key/value mutation to a person.
func (s *Session) handleUserModified(f *frame.Frame) {
	userID := contentInt64(f, "userId")
	key, _ := f.Get("key")
	value, _ := f.Get("value")
	name, ok := key.(string)
	if !ok || userID == 0 {
		return
	}

	s.mu.Lock()
	p := s.personByIDLocked(userID)
	if p != nil {
		s.applyPersonFieldLocked(p, name, value)
	}
	meID := s.meID
	s.mu.Unlock()
	if p == nil {
		return
	}
	s.emitter.emit(Event{Name: EventPersonUpdated, Person: p, Data: map[string]any{
		"key":   name,
		"value": value,
	}})
	if p.ID == meID {
		s.emitter.emit(Event{Name: EventUserUpdate, Person: p})
	}
}

func (s *Session) applyPersonFieldLocked(p *Person, key string, value any) {
	str, _ := value.(string)
	switch key {
	case "status":
		p.Status = str
	case "firstName":
		p.FirstName = str
	case "lastName":
		p.LastName = str
	case "title":
		p.Title = str
	case "email":
		p.Email = str
	case "handle":
		delete(s.peopleByHandle, p.Handle)
		p.Handle = str
		s.peopleByHandle[str] = p
	case "lastActivityAt":
		if t, err := time.Parse(time.RFC3339, str); err == nil {
			p.LastActivityAt = &t
		}
	default:
		s.log.Debug("unhandled user.modified key", zap.String("key", key))
	}
}

func (s *Session) handleUserAdded(f *frame.Frame) {
	userID := contentInt64(f, "userId")
	if userID == 0 {
		userID = contentInt64(f, "id")
	}
	ctx, cancel := s.frameCtx()
	defer cancel()
	p, err := s.fetchPerson(ctx, userID)
	if err != nil {
		s.log.Warn("could not fetch added person", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	s.emitter.emit(Event{Name: EventPersonCreated, Person: p})
	s.emitter.emit(Event{Name: EventPersonAdded, Person: p})
}

// handleUserRefreshed re-fetches a person, bypassing the cache.
func (s *Session) handleUserRefreshed(f *frame.Frame) {
	userID := contentInt64(f, "userId")
	if userID == 0 {
		userID = contentInt64(f, "id")
	}
	ctx, cancel := s.frameCtx()
	defer cancel()
	p, err := s.fetchPerson(ctx, userID)
	if err != nil {
		s.log.Warn("could not refresh person", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	s.emitter.emit(Event{Name: EventPersonUpdated, Person: p})
}

func (s *Session) handleUserDeleted(f *frame.Frame) {
	userID := contentInt64(f, "userId")
	if userID == 0 {
		userID = contentInt64(f, "id")
	}
	s.mu.Lock()
	p := s.removePersonLocked(userID)
	s.mu.Unlock()
	if p != nil {
		s.emitter.emit(Event{Name: EventPersonDeleted, Person: p})
	}
}

func contentInt64(f *frame.Frame, key string) int64 {
	v, ok := f.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func contentInt64s(f *frame.Frame, key string) []int64 {
	v, ok := f.Get(key)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(items))
	for _, item := range items {
		if n, ok := item.(float64); ok {
			out = append(out, int64(n))
		}
	}
	return out
}
