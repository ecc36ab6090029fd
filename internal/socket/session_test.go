package socket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teamchat/teamchat-go/internal/frame"
	"github.com/teamchat/teamchat-go/internal/transport"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func send(t *testing.T, conn *websocket.Conn, f *frame.Frame) {
	t.Helper()
	data, err := f.Marshal()
	if err != nil {
		t.Error(err)
		return
	}
	// Write errors surface as read failures on the client side.
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func read(t *testing.T, conn *websocket.Conn) *frame.Frame {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	f, err := frame.Unmarshal(data)
	if err != nil {
		t.Errorf("server received malformed frame: %v", err)
		return nil
	}
	return f
}

func event(name string, contents map[string]any) *frame.Frame {
	if contents == nil {
		contents = map[string]any{}
	}
	return &frame.Frame{ContentType: "object", Name: name, Contents: contents}
}

func reply(req *frame.Frame, name string, contents map[string]any) *frame.Frame {
	f := event(name, contents)
	f.Nonce = req.Nonce
	return f
}

// wsServer runs a handshaking server; fn drives the connection after
// authentication completes. It records the authentication.response.
func wsServer(t *testing.T, fn func(conn *websocket.Conn)) (*httptest.Server, *atomic.Pointer[frame.Frame]) {
	t.Helper()
	authResp := &atomic.Pointer[frame.Frame]{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		send(t, conn, event("authentication.request", nil))
		resp := read(t, conn)
		if resp == nil || resp.Name != "authentication.response" {
			t.Errorf("expected authentication.response, got %+v", resp)
			return
		}
		authResp.Store(resp)
		send(t, conn, event("authentication.confirmation", nil))
		if fn != nil {
			fn(conn)
		}
	}))
	t.Cleanup(ts.Close)
	return ts, authResp
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialTest(t *testing.T, ts *httptest.Server, mutate func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		URL:   wsURL(ts),
		Token: transport.NewToken("tok"),
		Auth: Auth{
			AuthKey:            "YUcAR6im",
			UserID:             139099,
			InstallationDomain: "https://digitalcrew.teamwork.com/",
			InstallationID:     1,
			ClientVersion:      frame.Version,
		},
		// Keep the liveness loop quiet unless a test tunes it.
		PingInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// drain keeps the server side reading so client writes never block.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestHandshake(t *testing.T) {
	ts, authResp := wsServer(t, drain)
	s := dialTest(t, ts, nil)

	if got := s.State(); got != StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
	resp := authResp.Load()
	if resp.Nonce == nil || *resp.Nonce != 1 {
		t.Errorf("authentication.response nonce = %v, want 1", resp.Nonce)
	}
	want := map[string]any{
		"authKey":            "YUcAR6im",
		"userId":             int64(139099),
		"installationDomain": "https://digitalcrew.teamwork.com/",
		"installationId":     int64(1),
		"clientVersion":      frame.Version,
	}
	if !frame.IsSubset(want, resp.Contents) {
		t.Errorf("authentication.response contents = %v", resp.Contents)
	}
}

func TestHandshakeAuthError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		send(t, conn, event("authentication.request", nil))
		read(t, conn)
		send(t, conn, event("authentication.error", map[string]any{"message": "bad key"}))
		drain(conn)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, Config{URL: wsURL(ts), PingInterval: time.Hour})
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want *AuthenticationError", err)
	}
	if authErr.Contents["message"] != "bad key" {
		t.Errorf("contents = %v", authErr.Contents)
	}
}

func TestRequestMatchesNonce(t *testing.T) {
	ts, _ := wsServer(t, func(conn *websocket.Conn) {
		for {
			req := read(t, conn)
			if req == nil {
				return
			}
			if req.Name == "unseen.counts.request" {
				// An unrelated frame first; the request must not
				// resolve on it.
				send(t, conn, event("room.typing", map[string]any{"roomId": 1}))
				send(t, conn, reply(req, "unseen.counts.updated", map[string]any{
					"total": map[string]any{"rooms": 3},
				}))
			}
		}
	})
	s := dialTest(t, ts, nil)

	fr, err := s.Request(context.Background(), "unseen.counts.request", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if fr.Name != "unseen.counts.updated" {
		t.Errorf("resolved with %q", fr.Name)
	}
}

func TestAwaitFrameResolvesAllMatching(t *testing.T) {
	ts, _ := wsServer(t, func(conn *websocket.Conn) {
		// Wait briefly so both waiters are registered.
		time.Sleep(50 * time.Millisecond)
		send(t, conn, event("room.typing", map[string]any{"roomId": 9}))
		drain(conn)
	})
	s := dialTest(t, ts, nil)

	type result struct {
		fr  *frame.Frame
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			fr, err := s.AwaitFrame(context.Background(), frame.TypeFilter("room.typing"))
			results <- result{fr, err}
		}()
	}
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("awaiter %d: %v", i, res.err)
		}
		if res.fr.Name != "room.typing" {
			t.Errorf("awaiter %d resolved with %q", i, res.fr.Name)
		}
	}
}

func TestAwaitFrameContextCancel(t *testing.T) {
	ts, _ := wsServer(t, drain)
	s := dialTest(t, ts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.AwaitFrame(ctx, frame.TypeFilter("never"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestRaceFrames(t *testing.T) {
	ts, _ := wsServer(t, func(conn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
		send(t, conn, event("authentication.error", map[string]any{"message": "later"}))
		drain(conn)
	})
	s := dialTest(t, ts, nil)

	fr, idx, err := s.RaceFrames(context.Background(),
		frame.TypeFilter("authentication.confirmation"),
		frame.TypeFilter("authentication.error"),
	)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 1 || fr.Name != "authentication.error" {
		t.Errorf("race resolved idx=%d name=%q", idx, fr.Name)
	}
	// The loser was cancelled and removed.
	s.awaitMu.Lock()
	pending := len(s.awaiters)
	s.awaitMu.Unlock()
	if pending != 0 {
		t.Errorf("%d awaiters left registered", pending)
	}
}

func TestBufferFrames(t *testing.T) {
	ts, _ := wsServer(t, func(conn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
		send(t, conn, event("a.one", nil))
		send(t, conn, event("a.two", nil))
		send(t, conn, event("a.three", nil))
		drain(conn)
	})
	s := dialTest(t, ts, nil)

	buf, err := s.BufferFrames(2)
	if err != nil {
		t.Fatal(err)
	}
	frames, err := buf.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || frames[0].Name != "a.one" || frames[1].Name != "a.two" {
		t.Errorf("buffered = %v", frames)
	}
}

func TestCloseRejectsPendingWaiters(t *testing.T) {
	ts, _ := wsServer(t, drain)
	s := dialTest(t, ts, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.AwaitFrame(context.Background(), frame.TypeFilter("never"))
		errCh <- err
	}()
	time.Sleep(30 * time.Millisecond)
	s.closeWith(CloseReason{Reason: "server close", Code: 1006, Message: "gone"})

	err := <-errCh
	var closedErr *ClosedError
	if !errors.As(err, &closedErr) {
		t.Fatalf("err = %v, want *ClosedError", err)
	}
	for _, part := range []string{"server close", "1006", "gone"} {
		if !strings.Contains(err.Error(), part) {
			t.Errorf("close error %q missing %q", err.Error(), part)
		}
	}
}

func TestCloseIdempotentAndSynchronous(t *testing.T) {
	ts, _ := wsServer(t, drain)
	var closes atomic.Int32
	s := dialTest(t, ts, func(cfg *Config) {
		cfg.OnClose = func(CloseReason) { closes.Add(1) }
	})

	s.Close()
	if got := closes.Load(); got != 1 {
		t.Fatalf("close handler ran %d times before Close returned", got)
	}
	s.Close()
	if got := closes.Load(); got != 1 {
		t.Fatalf("close handler ran %d times after repeated Close", got)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v", s.State())
	}
}

func TestHeartbeatDeclaresBreak(t *testing.T) {
	ts, _ := wsServer(t, drain) // swallows pings
	closed := make(chan CloseReason, 1)
	dialTest(t, ts, func(cfg *Config) {
		cfg.PingInterval = 40 * time.Millisecond
		cfg.PingTimeout = 20 * time.Millisecond
		cfg.PingMaxAttempt = 3
		cfg.OnClose = func(r CloseReason) { closed <- r }
	})

	// Worst case: interval + attempts*timeout = 100ms, plus slack.
	select {
	case reason := <-closed:
		if reason.Reason != "heartbeat" {
			t.Errorf("close reason = %+v", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("liveness break was never declared")
	}
}

func TestHeartbeatHappyPath(t *testing.T) {
	var pings atomic.Int32
	ts, _ := wsServer(t, func(conn *websocket.Conn) {
		for {
			req := read(t, conn)
			if req == nil {
				return
			}
			if req.Name == "ping" {
				pings.Add(1)
				send(t, conn, reply(req, "pong", nil))
			}
		}
	})
	closed := make(chan CloseReason, 1)
	dialTest(t, ts, func(cfg *Config) {
		cfg.PingInterval = 20 * time.Millisecond
		cfg.PingTimeout = 100 * time.Millisecond
		cfg.OnClose = func(r CloseReason) { closed <- r }
	})

	time.Sleep(150 * time.Millisecond)
	select {
	case reason := <-closed:
		t.Fatalf("session closed unexpectedly: %+v", reason)
	default:
	}
	if pings.Load() < 2 {
		t.Errorf("expected repeated pings, got %d", pings.Load())
	}
}
