package teamchat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/teamchat/teamchat-go/internal/frame"
)

// fixtureSession builds an offline session whose REST calls hit the
// handler, with the current user already bootstrapped.
func fixtureSession(t *testing.T, handler http.Handler) *Session {
	t.Helper()
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	inst, err := NewInstallation(ts.URL, "")
	if err != nil {
		t.Fatal(err)
	}
	s := newSession(inst, "test-token", nil)
	s.mu.Lock()
	s.meID = 1
	me, _ := s.savePersonLocked(personPayload{ID: 1, Handle: "adrianc", FirstName: "Adrian", Status: "online"})
	s.me = &CurrentUser{Person: me, session: s}
	s.mu.Unlock()
	return s
}

func payload(t *testing.T, src string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(src), &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func pushFrame(t *testing.T, s *Session, name, contents string) {
	t.Helper()
	s.routeFrame(&frame.Frame{Name: name, Contents: payload(t, contents)})
}

// collect records events by name.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func collect(s *Session) *collector {
	c := &collector{}
	s.OnAny(func(ev Event) {
		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
	})
	return c
}

func (c *collector) named(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func TestSavePersonPreservesIdentity(t *testing.T) {
	s := fixtureSession(t, nil)

	s.mu.Lock()
	p1, _ := s.savePersonLocked(personPayload{ID: 2, Handle: "peter", Status: "away"})
	p2, _ := s.savePersonLocked(personPayload{ID: 2, Handle: "peter", Status: "online"})
	s.mu.Unlock()

	if p1 != p2 {
		t.Fatalf("update replaced the cached Person object")
	}
	if p1.Status != "online" {
		t.Errorf("status = %q, want online", p1.Status)
	}
	if p1.PairRoom() == nil {
		t.Errorf("person has no pair room")
	}
}

func TestPairRoomAliasing(t *testing.T) {
	s := fixtureSession(t, nil)

	s.mu.Lock()
	peter, _ := s.savePersonLocked(personPayload{ID: 2, Handle: "peter"})
	s.mu.Unlock()

	conv := roomPayload{
		ID:   5,
		Type: RoomTypePair,
		People: []personPayload{
			{ID: 1, Handle: "adrianc"},
			{ID: 2, Handle: "peter"},
		},
	}
	s.mu.Lock()
	room1, _ := s.saveRoomLocked(conv)
	s.mu.Unlock()

	if room1 != peter.PairRoom() {
		t.Fatalf("pair payload did not alias peter's pair room")
	}
	if room1.ID != 5 {
		t.Errorf("room id = %d", room1.ID)
	}

	// Re-ingesting must not mint a second Room.
	s.mu.Lock()
	room2, _ := s.saveRoomLocked(conv)
	count := len(s.rooms)
	s.mu.Unlock()
	if room2 != room1 {
		t.Fatalf("re-ingest created a new Room object")
	}
	if count != 1 {
		t.Errorf("rooms cached = %d, want 1", count)
	}
}

func TestRoomWithSelfIsNotAliased(t *testing.T) {
	s := fixtureSession(t, nil)
	conv := roomPayload{
		ID:     7,
		Type:   RoomTypePair,
		People: []personPayload{{ID: 1, Handle: "adrianc"}, {ID: 1, Handle: "adrianc"}},
	}
	s.mu.Lock()
	room, _ := s.saveRoomLocked(conv)
	me := s.me.Person
	s.mu.Unlock()
	if me.PairRoom() != nil && me.PairRoom() == room {
		t.Fatalf("degenerate self room was aliased")
	}
	if room.ID != 7 {
		t.Errorf("room id = %d", room.ID)
	}
}

func TestRoomPeopleDiffEvents(t *testing.T) {
	s := fixtureSession(t, nil)
	c := collect(s)

	first := roomPayload{
		ID:   20,
		Type: RoomTypePrivate,
		People: []personPayload{
			{ID: 1, Handle: "adrianc"},
			{ID: 2, Handle: "peter"},
		},
	}
	s.mu.Lock()
	_, events := s.saveRoomLocked(first)
	s.mu.Unlock()
	s.emitAll(events)

	second := first
	second.People = []personPayload{
		{ID: 1, Handle: "adrianc"},
		{ID: 3, Handle: "noreen"},
	}
	s.mu.Lock()
	_, events = s.saveRoomLocked(second)
	s.mu.Unlock()
	s.emitAll(events)

	added := c.named(EventRoomPersonAdded)
	removed := c.named(EventRoomPersonRemoved)
	if len(added) != 1 || added[0].Person.Handle != "noreen" {
		t.Errorf("added events = %+v", added)
	}
	if len(removed) != 1 || removed[0].Person.Handle != "peter" {
		t.Errorf("removed events = %+v", removed)
	}
}

func TestMessageFIFOBound(t *testing.T) {
	s := fixtureSession(t, nil)
	s.mu.Lock()
	room, _ := s.saveRoomLocked(roomPayload{ID: 3, Type: RoomTypePrivate})
	for i := 1; i <= 60; i++ {
		s.saveMessageLocked(room, messagePayload{ID: int64(i), RoomID: 3, Body: fmt.Sprintf("m%d", i)})
	}
	s.mu.Unlock()

	msgs := room.Messages()
	if len(msgs) != MaxRoomMessages {
		t.Fatalf("retained %d messages, want %d", len(msgs), MaxRoomMessages)
	}
	if msgs[0].ID != 11 || msgs[len(msgs)-1].ID != 60 {
		t.Errorf("retained window [%d, %d], want [11, 60]", msgs[0].ID, msgs[len(msgs)-1].ID)
	}
}

func TestMessageDedup(t *testing.T) {
	s := fixtureSession(t, nil)
	s.mu.Lock()
	room, _ := s.saveRoomLocked(roomPayload{ID: 3, Type: RoomTypePrivate})
	m1, new1 := s.saveMessageLocked(room, messagePayload{ID: 52, RoomID: 3, Body: "howya lad"})
	m2, new2 := s.saveMessageLocked(room, messagePayload{ID: 52, RoomID: 3, Body: "howya lad (edited)"})
	s.mu.Unlock()

	if !new1 || new2 {
		t.Errorf("newness: first=%v second=%v", new1, new2)
	}
	if m1 != m2 {
		t.Fatalf("duplicate id produced a second Message")
	}
	if m1.Content != "howya lad (edited)" {
		t.Errorf("content = %q", m1.Content)
	}
}

func TestMentionDetection(t *testing.T) {
	s := fixtureSession(t, nil)
	s.mu.Lock()
	peter, _ := s.savePersonLocked(personPayload{ID: 2, Handle: "peter"})
	adrian := s.me.Person
	s.mu.Unlock()

	msg := func(author *Person, content string) *Message {
		return &Message{AuthorID: author.ID, Author: author, Content: content}
	}

	cases := []struct {
		content string
		author  *Person
		want    bool
	}{
		{"hey @peter, lunch?", adrian, true},
		{"@peter", adrian, true},
		{"(@peter)", adrian, true},
		{"hey @peterpan", adrian, false},
		{"email peter@example.com", adrian, false},
		{"no mention here", adrian, false},
		{"@peter talking to myself", peter, false},
	}
	for _, tc := range cases {
		if got := peter.IsMentioned(msg(tc.author, tc.content)); got != tc.want {
			t.Errorf("IsMentioned(%q by %s) = %v, want %v", tc.content, tc.author.Handle, got, tc.want)
		}
	}
}

// S2: a pushed message lands on an already-cached room.
func TestMessageFanout(t *testing.T) {
	s := fixtureSession(t, nil)
	s.mu.Lock()
	s.savePersonLocked(personPayload{ID: 2, Handle: "peter"})
	room, _ := s.saveRoomLocked(roomPayload{ID: 1, Type: RoomTypePrivate, People: []personPayload{
		{ID: 1, Handle: "adrianc"}, {ID: 2, Handle: "peter"},
	}})
	s.mu.Unlock()
	c := collect(s)

	pushFrame(t, s, "room.message.created",
		`{"id":52,"body":"howya lad","roomId":1,"userId":2,"createdAt":"2017-01-29T18:06:34.640Z"}`)

	got := c.named(EventMessage)
	if len(got) != 1 {
		t.Fatalf("message events = %d, want 1", len(got))
	}
	msg := got[0].Message
	if msg.ID != 52 || msg.Content != "howya lad" {
		t.Errorf("message = %+v", msg)
	}
	want := time.Date(2017, 1, 29, 18, 6, 34, 640e6, time.UTC)
	if !msg.CreatedAt.Equal(want) {
		t.Errorf("createdAt = %v, want %v", msg.CreatedAt, want)
	}
	if got[0].Room != room {
		t.Errorf("event carries wrong room")
	}
	if len(c.named(EventMessageReceived)) != 1 {
		t.Errorf("message:received did not fire for a foreign message")
	}
}

// Self-authored pushes emit message but never message:received.
func TestMessageFromSelfNotReceived(t *testing.T) {
	s := fixtureSession(t, nil)
	s.mu.Lock()
	s.saveRoomLocked(roomPayload{ID: 1, Type: RoomTypePrivate})
	s.mu.Unlock()
	c := collect(s)

	pushFrame(t, s, "room.message.created",
		`{"id":53,"body":"talking to the void","roomId":1,"userId":1,"createdAt":"2017-01-29T18:06:34.640Z"}`)

	if len(c.named(EventMessage)) != 1 {
		t.Fatalf("message event missing")
	}
	if len(c.named(EventMessageReceived)) != 0 {
		t.Errorf("message:received fired for own message")
	}
}

func TestMentionEventFires(t *testing.T) {
	s := fixtureSession(t, nil)
	s.mu.Lock()
	s.savePersonLocked(personPayload{ID: 2, Handle: "peter"})
	s.saveRoomLocked(roomPayload{ID: 1, Type: RoomTypePrivate})
	s.mu.Unlock()
	c := collect(s)

	pushFrame(t, s, "room.message.created",
		`{"id":54,"body":"ping @adrianc","roomId":1,"userId":2,"createdAt":"2017-01-29T18:06:34.640Z"}`)

	if len(c.named(EventMessageMention)) != 1 {
		t.Errorf("message:mention did not fire")
	}
}

// S3: a push referencing an unknown room pulls the room over REST.
func TestUnknownRoomAutofetch(t *testing.T) {
	var fetched bool
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/v2/rooms/9999.json", func(w http.ResponseWriter, r *http.Request) {
		fetched = true
		if got := r.URL.Query().Get("includeUserData"); got != "true" {
			t.Errorf("includeUserData = %q", got)
		}
		w.Write([]byte(`{"room":{"id":9999,"type":"private","people":[{"id":1,"handle":"adrianc"},{"id":4,"handle":"joe"}]}}`))
	})
	s := fixtureSession(t, mux)
	c := collect(s)

	pushFrame(t, s, "room.message.created",
		`{"id":60,"body":"surprise","roomId":9999,"userId":4,"createdAt":"2017-01-29T18:06:34.640Z"}`)

	if !fetched {
		t.Fatalf("room was never fetched")
	}
	if len(c.named(EventRoomNew)) != 1 {
		t.Errorf("room:new did not fire")
	}
	msgs := c.named(EventMessage)
	if len(msgs) != 1 || msgs[0].Room.ID != 9999 {
		t.Errorf("message not delivered on realized room: %+v", msgs)
	}
}

// S4: user.modified mutates the cached person.
func TestUserModified(t *testing.T) {
	s := fixtureSession(t, nil)
	s.mu.Lock()
	peter, _ := s.savePersonLocked(personPayload{ID: 2, Handle: "peter", Status: "away"})
	s.mu.Unlock()
	c := collect(s)

	pushFrame(t, s, "user.modified",
		fmt.Sprintf(`{"userId":%d,"key":"status","value":"online"}`, peter.ID))

	if peter.Status != "online" {
		t.Errorf("status = %q, want online", peter.Status)
	}
	updated := c.named(EventPersonUpdated)
	if len(updated) != 1 || updated[0].Person != peter {
		t.Errorf("person:updated events = %+v", updated)
	}
}

func TestUserDeleted(t *testing.T) {
	s := fixtureSession(t, nil)
	s.mu.Lock()
	s.savePersonLocked(personPayload{ID: 2, Handle: "peter"})
	s.mu.Unlock()
	c := collect(s)

	pushFrame(t, s, "user.deleted", `{"userId":2}`)

	s.mu.Lock()
	gone := s.people[2] == nil
	s.mu.Unlock()
	if !gone {
		t.Errorf("person still cached after user.deleted")
	}
	if len(c.named(EventPersonDeleted)) != 1 {
		t.Errorf("person:deleted did not fire")
	}
}

func TestMessagesRedactedAndRestored(t *testing.T) {
	s := fixtureSession(t, nil)
	s.mu.Lock()
	room, _ := s.saveRoomLocked(roomPayload{ID: 3, Type: RoomTypePrivate})
	msg, _ := s.saveMessageLocked(room, messagePayload{ID: 70, RoomID: 3, Body: "oops"})
	s.mu.Unlock()

	pushFrame(t, s, "room.messages.deleted", `{"roomId":3,"ids":[70]}`)
	if !msg.Redacted() {
		t.Errorf("message not redacted: %q", msg.Status)
	}
	pushFrame(t, s, "room.messages.deleted-undone", `{"roomId":3,"ids":[70]}`)
	if msg.Status != MessageStatusActive {
		t.Errorf("message not restored: %q", msg.Status)
	}
}

func TestRoomDeletedFrame(t *testing.T) {
	s := fixtureSession(t, nil)
	s.mu.Lock()
	s.saveRoomLocked(roomPayload{ID: 8, Type: RoomTypePrivate})
	s.mu.Unlock()
	c := collect(s)

	pushFrame(t, s, "room.deleted", `{"id":8}`)
	s.mu.Lock()
	gone := s.rooms[8] == nil
	s.mu.Unlock()
	if !gone {
		t.Errorf("room still cached")
	}
	if len(c.named(EventRoomDeleted)) != 1 {
		t.Errorf("room:deleted did not fire")
	}
}

func TestUnknownFrameIgnored(t *testing.T) {
	s := fixtureSession(t, nil)
	pushFrame(t, s, "totally.unknown", `{"x":1}`)
	// Nothing to assert beyond "did not panic"; unknown frames are
	// logged and dropped.
}
