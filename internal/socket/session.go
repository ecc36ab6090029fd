// Package socket owns the websocket connection: the authentication
// handshake, frame multiplexing to waiters and listeners, and the
// heartbeat liveness loop.
package socket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teamchat/teamchat-go/internal/frame"
	"github.com/teamchat/teamchat-go/internal/transport"
	"github.com/teamchat/teamchat-go/pkg/logger"
	"github.com/teamchat/teamchat-go/pkg/metrics"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Heartbeat defaults.
const (
	DefaultPingInterval   = 10 * time.Second
	DefaultPingTimeout    = 3 * time.Second
	DefaultPingMaxAttempt = 3
)

// Auth carries the handshake response fields obtained from
// /chat/me.json.
type Auth struct {
	AuthKey            string
	UserID             int64
	InstallationDomain string
	InstallationID     int64
	ClientVersion      string
}

// CloseReason describes why a session ended.
type CloseReason struct {
	Reason  string
	Code    int
	Message string
}

// AuthenticationError is returned when the server answers the handshake
// with authentication.error.
type AuthenticationError struct {
	Contents map[string]any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("socket: authentication rejected: %v", e.Contents)
}

// Config configures a Dial.
type Config struct {
	URL   string
	Token *transport.Token
	Auth  Auth

	Logger  *logger.Logger
	Counter *frame.Counter
	Dialer  *websocket.Dialer

	PingInterval   time.Duration
	PingTimeout    time.Duration
	PingMaxAttempt int

	// OnFrame observes every inbound frame after waiters resolve, in
	// arrival order, from the reader goroutine.
	OnFrame func(*frame.Frame)
	// OnError observes non-fatal protocol errors (malformed frames).
	OnError func(error)
	// OnClose fires exactly once when the session ends.
	OnClose func(CloseReason)
}

func (c *Config) withDefaults() {
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}
	if c.Counter == nil {
		c.Counter = &frame.Counter{}
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.PingMaxAttempt == 0 {
		c.PingMaxAttempt = DefaultPingMaxAttempt
	}
}

// Session is a single authenticated websocket connection. A broken
// session is not reconnected here; the orchestrator dials a new one.
type Session struct {
	cfg  Config
	conn *websocket.Conn
	log  *logger.Logger

	state atomic.Int32

	writeMu sync.Mutex

	awaitMu  sync.Mutex
	awaiters []*awaiter

	closeOnce   sync.Once
	closeReason CloseReason
	done        chan struct{}

	pingCancel context.CancelFunc
	pingMu     sync.Mutex
}

// Dial opens the websocket, runs the authentication handshake and
// starts the heartbeat. The returned session is Connected.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	cfg.withDefaults()

	s := &Session{
		cfg:  cfg,
		log:  cfg.Logger,
		done: make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))

	header := http.Header{}
	if cfg.Token != nil {
		header.Set("Cookie", cfg.Token.Cookie())
	}
	conn, resp, err := cfg.Dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("socket: dial %s: status %d: %w", cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("socket: dial %s: %w", cfg.URL, err)
	}
	s.conn = conn

	// The handshake waiter registers before the reader starts, so
	// frames the server sends immediately after the upgrade cannot be
	// lost.
	req, err := s.addAwaiter(frame.TypeFilter("authentication.request"), 1)
	if err != nil {
		conn.Close()
		return nil, err
	}
	go s.readLoop()

	if err := s.handshake(ctx, req); err != nil {
		s.closeWith(CloseReason{Reason: "handshake", Message: err.Error()})
		return nil, err
	}

	s.state.Store(int32(StateConnected))
	s.log.Debug("socket connected", zap.String("url", cfg.URL))

	hbCtx, cancel := context.WithCancel(context.Background())
	s.pingMu.Lock()
	s.pingCancel = cancel
	s.pingMu.Unlock()
	go s.heartbeat(hbCtx)

	return s, nil
}

func (s *Session) handshake(ctx context.Context, req *awaiter) error {
	defer s.removeAwaiter(req)

	select {
	case <-req.ch:
	case <-time.After(DefaultAwaitTimeout):
		return ErrAwaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &ClosedError{Reason: s.closeReason}
	}

	s.state.Store(int32(StateAuthenticating))
	if _, err := s.SendFrame("authentication.response", map[string]any{
		"authKey":            s.cfg.Auth.AuthKey,
		"userId":             s.cfg.Auth.UserID,
		"installationDomain": s.cfg.Auth.InstallationDomain,
		"installationId":     s.cfg.Auth.InstallationID,
		"clientVersion":      s.cfg.Auth.ClientVersion,
	}, true); err != nil {
		return err
	}

	fr, idx, err := s.RaceFrames(ctx,
		frame.TypeFilter("authentication.confirmation"),
		frame.TypeFilter("authentication.error"),
	)
	if err != nil {
		return err
	}
	if idx == 1 {
		return &AuthenticationError{Contents: fr.Contents}
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns the recorded close reason after Done is closed.
func (s *Session) Reason() CloseReason { return s.closeReason }

// SendFrame serializes and writes an outbound frame, returning it with
// its assigned nonce. Pure events pass nonced=false.
func (s *Session) SendFrame(name string, contents map[string]any, nonced bool) (*frame.Frame, error) {
	select {
	case <-s.done:
		return nil, &ClosedError{Reason: s.closeReason}
	default:
	}
	f := frame.New(s.cfg.Counter, name, contents, nonced)
	data, err := f.Marshal()
	if err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("socket: write %s: %w", name, err)
	}
	metrics.FramesSentTotal.WithLabelValues(name).Inc()
	s.log.Debug("frame sent", zap.String("name", name), zap.Int64p("nonce", f.Nonce))
	return f, nil
}

// Request sends a nonced frame and waits for the frame that answers it
// (same nonce). This realizes socket RPCs like room.message.created,
// ping and unseen.counts.request.
func (s *Session) Request(ctx context.Context, name string, contents map[string]any) (*frame.Frame, error) {
	// Register before writing so a fast response cannot slip past.
	f := frame.New(s.cfg.Counter, name, contents, true)
	a, err := s.addAwaiter(frame.NonceFilter(*f.Nonce), 1)
	if err != nil {
		return nil, err
	}
	defer s.removeAwaiter(a)

	data, err := f.Marshal()
	if err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("socket: write %s: %w", name, err)
	}
	metrics.FramesSentTotal.WithLabelValues(name).Inc()

	timer := time.NewTimer(DefaultAwaitTimeout)
	defer timer.Stop()
	select {
	case fr := <-a.ch:
		return fr, nil
	case <-timer.C:
		metrics.AwaiterTimeoutsTotal.Inc()
		return nil, ErrAwaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, &ClosedError{Reason: s.closeReason}
	}
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			reason := CloseReason{Reason: "read", Message: err.Error()}
			if ce, ok := err.(*websocket.CloseError); ok {
				reason = CloseReason{Reason: "server close", Code: ce.Code, Message: ce.Text}
			}
			s.closeWith(reason)
			return
		}
		f, err := frame.Unmarshal(data)
		if err != nil {
			// Malformed frames are reported but never terminate the
			// session.
			s.log.Warn("malformed frame", zap.Error(err))
			if s.cfg.OnError != nil {
				s.cfg.OnError(err)
			}
			continue
		}
		metrics.FramesReceivedTotal.WithLabelValues(f.Name).Inc()
		s.resolveAwaiters(f)
		if s.cfg.OnFrame != nil {
			s.cfg.OnFrame(f)
		}
	}
}

func (s *Session) heartbeat(ctx context.Context) {
	interval := time.NewTimer(s.cfg.PingInterval)
	defer interval.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-interval.C:
		}

		if !s.pingOnce(ctx) {
			return
		}
		interval.Reset(s.cfg.PingInterval)
	}
}

// pingOnce runs one ping round with immediate retries. It reports false
// when the session was declared broken (or externally closed).
func (s *Session) pingOnce(ctx context.Context) bool {
	for attempt := 1; ; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
		_, err := s.Request(pctx, "ping", map[string]any{})
		cancel()
		if err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.done:
			return false
		default:
		}
		metrics.HeartbeatFailuresTotal.Inc()
		s.log.Warn("ping failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt >= s.cfg.PingMaxAttempt {
			s.closeWith(CloseReason{Reason: "heartbeat", Message: "ping retries exhausted"})
			return false
		}
	}
}

// StopPing cancels the in-flight ping and stops the heartbeat loop.
func (s *Session) StopPing() {
	s.pingMu.Lock()
	if s.pingCancel != nil {
		s.pingCancel()
		s.pingCancel = nil
	}
	s.pingMu.Unlock()
}

// Close ends the session immediately. It does not wait for the
// underlying socket's orderly closure; observers see the close handler
// fire synchronously, and every pending waiter is rejected with a
// descriptive error.
func (s *Session) Close() {
	s.closeWith(CloseReason{Reason: "client"})
}

func (s *Session) closeWith(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.closeReason = reason

		s.StopPing()

		// Taking the awaiter lock while closing done orders the close
		// against concurrent addAwaiter calls.
		s.awaitMu.Lock()
		close(s.done)
		s.awaiters = nil
		s.awaitMu.Unlock()

		if s.conn != nil {
			s.conn.Close()
		}

		s.log.Debug("socket closed",
			zap.String("reason", reason.Reason),
			zap.Int("code", reason.Code),
			zap.String("message", reason.Message))
		if s.cfg.OnClose != nil {
			s.cfg.OnClose(reason)
		}
	})
}
