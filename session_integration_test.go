package teamchat

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/teamchat/teamchat-go/internal/mockserver"
)

// mockInstallation boots an in-process chat installation.
func mockInstallation(t *testing.T) (*mockserver.Server, string, string) {
	t.Helper()
	mock := mockserver.New(mockserver.Config{})
	mock.Seed()
	ts := httptest.NewServer(mock.Handler())
	t.Cleanup(ts.Close)
	return mock, ts.URL, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func connectAs(t *testing.T, base, wsURL, username, password string) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := From(ctx, Options{
		Installation: base,
		SocketServer: wsURL,
		Username:     username,
		Password:     password,
	})
	if err != nil {
		t.Fatalf("connect as %s: %v", username, err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitEvent(t *testing.T, ch <-chan Event, what string) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return Event{}
	}
}

// S1: the full login + handshake path; connected fires exactly once.
func TestConnectHandshake(t *testing.T) {
	_, base, wsURL := mockInstallation(t)

	inst, err := NewInstallation(base, wsURL)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	token, err := login(ctx, inst, "adrianc", "password", nil)
	if err != nil {
		t.Fatal(err)
	}

	s := newSession(inst, token, nil)
	t.Cleanup(s.Close)
	connected := make(chan Event, 4)
	s.On(EventConnected, func(ev Event) { connected <- ev })

	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, connected, "connected")
	select {
	case <-connected:
		t.Fatalf("connected fired more than once")
	case <-time.After(200 * time.Millisecond):
	}

	me := s.Me()
	if me == nil || me.Handle != "adrianc" {
		t.Fatalf("me = %+v", me)
	}
	if s.Monitor().Stats().InitialConnectionAt.IsZero() {
		t.Errorf("monitor did not record the initial connection")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	_, base, wsURL := mockInstallation(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := From(ctx, Options{
		Installation: base,
		SocketServer: wsURL,
		Username:     "adrianc",
		Password:     "wrong",
	})
	if err == nil {
		t.Fatalf("login with a bad password succeeded")
	}
}

func TestSendMessageBetweenSessions(t *testing.T) {
	_, base, wsURL := mockInstallation(t)
	alice := connectAs(t, base, wsURL, "adrianc", "password")
	bob := connectAs(t, base, wsURL, "peter", "password")

	received := make(chan Event, 4)
	mentions := make(chan Event, 4)
	bob.On(EventMessageReceived, func(ev Event) { received <- ev })
	bob.On(EventMessageMention, func(ev Event) { mentions <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	peter, err := alice.GetPersonByHandle(ctx, "peter")
	if err != nil {
		t.Fatal(err)
	}
	msg, err := peter.SendMessage(ctx, "howya lad, @peter")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID == 0 || msg.RoomID == 0 {
		t.Fatalf("acknowledged message = %+v", msg)
	}
	if !peter.PairRoom().Initialized() {
		t.Errorf("pair room still uninitialized after first send")
	}

	ev := waitEvent(t, received, "message:received on bob")
	if ev.Message.Content != "howya lad, @peter" {
		t.Errorf("received content = %q", ev.Message.Content)
	}
	waitEvent(t, mentions, "message:mention on bob")

	// Bob's view of the room is the pair room with alice.
	bobCtx, bobCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer bobCancel()
	adrian, err := bob.GetPersonByHandle(bobCtx, "adrianc")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Room != adrian.PairRoom() {
		t.Errorf("pushed pair room is not aliased to adrian's pair room")
	}
}

func TestSecondSendReusesRoom(t *testing.T) {
	_, base, wsURL := mockInstallation(t)
	alice := connectAs(t, base, wsURL, "adrianc", "password")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	peter, err := alice.GetPersonByHandle(ctx, "peter")
	if err != nil {
		t.Fatal(err)
	}
	first, err := peter.SendMessage(ctx, "one")
	if err != nil {
		t.Fatal(err)
	}
	second, err := peter.SendMessage(ctx, "two")
	if err != nil {
		t.Fatal(err)
	}
	if first.RoomID != second.RoomID {
		t.Errorf("messages landed in different rooms: %d vs %d", first.RoomID, second.RoomID)
	}
	if got, err := alice.GetRoom(ctx, first.RoomID); err != nil || got != peter.PairRoom() {
		t.Errorf("GetRoom(%d) = %v, %v; want the pair room", first.RoomID, got, err)
	}
}

func TestTypingEcho(t *testing.T) {
	_, base, wsURL := mockInstallation(t)
	alice := connectAs(t, base, wsURL, "adrianc", "password")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	peter, err := alice.GetPersonByHandle(ctx, "peter")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := peter.SendMessage(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := peter.PairRoom().Typing(ctx, true); err != nil {
		t.Fatalf("typing echo never arrived: %v", err)
	}
}

func TestActivateRoom(t *testing.T) {
	_, base, wsURL := mockInstallation(t)
	alice := connectAs(t, base, wsURL, "adrianc", "password")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	peter, err := alice.GetPersonByHandle(ctx, "peter")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := peter.SendMessage(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := peter.PairRoom().Activate(ctx); err != nil {
		t.Fatalf("activation ack never arrived: %v", err)
	}
}

func TestUnseenCounts(t *testing.T) {
	_, base, wsURL := mockInstallation(t)
	alice := connectAs(t, base, wsURL, "adrianc", "password")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	peter, err := alice.GetPersonByHandle(ctx, "peter")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := peter.SendMessage(ctx, "unread fodder"); err != nil {
		t.Fatal(err)
	}
	counts, err := alice.GetUnseenCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Total.Rooms < 1 {
		t.Errorf("total rooms = %d, want >= 1", counts.Total.Rooms)
	}
}

// S5 at the session level: a broken socket emits disconnect, the loop
// redials and reconnect carries a non-negative downtime.
func TestReconnectAfterBreak(t *testing.T) {
	_, base, wsURL := mockInstallation(t)
	alice := connectAs(t, base, wsURL, "adrianc", "password")

	disconnects := make(chan Event, 4)
	reconnects := make(chan Event, 4)
	alice.On(EventDisconnect, func(ev Event) { disconnects <- ev })
	alice.On(EventReconnect, func(ev Event) { reconnects <- ev })

	alice.sockMu.Lock()
	sock := alice.sock
	alice.sockMu.Unlock()
	sock.Close()

	waitEvent(t, disconnects, "disconnect")
	ev := waitEvent(t, reconnects, "reconnect")
	if ev.Reconnect == nil {
		t.Fatalf("reconnect carried no catch-up payload")
	}
	if ev.Reconnect.Downtime < 0 {
		t.Errorf("downtime = %v", ev.Reconnect.Downtime)
	}
	stats := alice.Monitor().Stats()
	if stats.Disconnects != 1 || stats.Reconnects != 1 {
		t.Errorf("monitor stats = %+v", stats)
	}

	// The reconnected socket still works.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := alice.GetUnseenCounts(ctx); err != nil {
		t.Errorf("socket dead after reconnect: %v", err)
	}
}

func TestCloseSuppressesReconnect(t *testing.T) {
	_, base, wsURL := mockInstallation(t)
	alice := connectAs(t, base, wsURL, "adrianc", "password")

	disconnects := make(chan Event, 4)
	alice.On(EventDisconnect, func(ev Event) { disconnects <- ev })

	alice.Close()
	select {
	case <-disconnects:
		t.Fatalf("explicit close emitted disconnect")
	case <-time.After(300 * time.Millisecond):
	}
	if alice.Monitor().Stats().Disconnects != 0 {
		t.Errorf("explicit close counted as a disconnect")
	}
}

func TestImpersonateRotatesToken(t *testing.T) {
	_, base, wsURL := mockInstallation(t)
	alice := connectAs(t, base, wsURL, "adrianc", "password")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	peter, err := alice.GetPersonByHandle(ctx, "peter")
	if err != nil {
		t.Fatal(err)
	}

	before := alice.AuthToken()
	if err := alice.Impersonate(ctx, peter.ID); err != nil {
		t.Fatal(err)
	}
	if alice.AuthToken() == before {
		t.Fatalf("token did not rotate")
	}
	if err := alice.Unimpersonate(ctx); err != nil {
		t.Fatal(err)
	}
	if alice.AuthToken() == "" {
		t.Fatalf("token empty after revert")
	}
}

func TestUpdateStatusPropagates(t *testing.T) {
	_, base, wsURL := mockInstallation(t)
	alice := connectAs(t, base, wsURL, "adrianc", "password")

	updates := make(chan Event, 4)
	alice.On(EventUserUpdate, func(ev Event) { updates <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := alice.UpdateStatus(ctx, StatusIdle); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, updates, "user:update")
	if alice.Me().Status != StatusIdle {
		t.Errorf("status = %q", alice.Me().Status)
	}
}

func TestLogout(t *testing.T) {
	_, base, wsURL := mockInstallation(t)
	alice := connectAs(t, base, wsURL, "adrianc", "password")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := alice.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	if !alice.forceClosed.Load() {
		t.Errorf("logout did not close the session")
	}
}
