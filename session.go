package teamchat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/teamchat/teamchat-go/internal/frame"
	"github.com/teamchat/teamchat-go/internal/socket"
	"github.com/teamchat/teamchat-go/internal/transport"
	"github.com/teamchat/teamchat-go/pkg/logger"
	"github.com/teamchat/teamchat-go/pkg/metrics"
)

// Session is the top-level chat client: it owns the HTTP transport and
// the socket session, the entity cache, the event stream and the
// reconnection loop.
type Session struct {
	inst  *Installation
	log   *logger.Logger
	token *transport.Token
	http  *transport.Client

	// counter survives reconnects so outbound nonces stay monotonic
	// for the session's lifetime.
	counter frame.Counter

	mu             sync.Mutex
	people         map[int64]*Person
	peopleByHandle map[string]*Person
	rooms          map[int64]*Room
	meID           int64
	me             *CurrentUser
	auth           socket.Auth

	sockMu sync.Mutex
	sock   *socket.Session

	emitter *emitter
	monitor *Monitor

	forceClosed atomic.Bool
	closeOnce   sync.Once
	closed      chan struct{}
}

func newSession(inst *Installation, token string, log *logger.Logger) *Session {
	if log == nil {
		log = logger.NewNop()
	}
	t := transport.NewToken(token)
	return &Session{
		inst:           inst,
		log:            log,
		token:          t,
		http:           transport.New(inst.Base(), t, log),
		people:         make(map[int64]*Person),
		peopleByHandle: make(map[string]*Person),
		rooms:          make(map[int64]*Room),
		emitter:        newEmitter(),
		monitor:        &Monitor{},
		closed:         make(chan struct{}),
	}
}

// Installation returns the endpoint descriptor the session talks to.
func (s *Session) Installation() *Installation { return s.inst }

// Me returns the current user, available after Connect.
func (s *Session) Me() *CurrentUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.me
}

// Monitor returns the connection-health counters.
func (s *Session) Monitor() *Monitor { return s.monitor }

// AuthToken returns the current tw-auth cookie value, for callers that
// persist credentials.
func (s *Session) AuthToken() string { return s.token.Get() }

// Connect bootstraps the session: it fetches the current user profile
// and auth key, dials the websocket and runs the handshake. The
// "connected" event fires on success.
func (s *Session) Connect(ctx context.Context) error {
	if s.forceClosed.Load() {
		return ErrClosed
	}

	var resp struct {
		Account struct {
			ID             int64         `json:"id"`
			AuthKey        string        `json:"authkey"`
			URL            string        `json:"url"`
			InstallationID int64         `json:"installationId"`
			User           personPayload `json:"user"`
		} `json:"account"`
	}
	if err := s.http.Request(ctx, "/chat/me.json", transport.Options{
		Query: transport.Query{"includeAuth": true},
	}, &resp); err != nil {
		return err
	}

	s.mu.Lock()
	s.meID = resp.Account.User.ID
	me, events := s.savePersonLocked(resp.Account.User)
	if s.me == nil || s.me.Person != me {
		s.me = &CurrentUser{Person: me, session: s}
	}
	s.auth = socket.Auth{
		AuthKey:            resp.Account.AuthKey,
		UserID:             s.meID,
		InstallationDomain: s.inst.Domain(),
		InstallationID:     resp.Account.InstallationID,
		ClientVersion:      Version,
	}
	s.mu.Unlock()
	s.emitAll(events)

	if err := s.connectSocket(ctx); err != nil {
		return err
	}

	s.monitor.recordConnected(time.Now())
	s.emitter.emit(Event{Name: EventConnected})
	return nil
}

func (s *Session) connectSocket(ctx context.Context) error {
	s.mu.Lock()
	auth := s.auth
	s.mu.Unlock()

	sock, err := socket.Dial(ctx, socket.Config{
		URL:     s.inst.SocketURL(),
		Token:   s.token,
		Auth:    auth,
		Logger:  s.log,
		Counter: &s.counter,
		OnFrame: s.routeFrame,
		OnError: func(err error) {
			s.emitter.emit(Event{Name: EventError, Err: err})
		},
		OnClose: s.onSocketClose,
	})
	if err != nil {
		return err
	}

	s.sockMu.Lock()
	s.sock = sock
	s.sockMu.Unlock()
	return nil
}

func (s *Session) socket() (*socket.Session, error) {
	if s.forceClosed.Load() {
		return nil, ErrClosed
	}
	s.sockMu.Lock()
	defer s.sockMu.Unlock()
	if s.sock == nil || s.sock.State() != socket.StateConnected {
		return nil, ErrClosed
	}
	return s.sock, nil
}

// onSocketClose runs once per connection break. User-requested closes
// skip the disconnect event and the reconnect loop.
func (s *Session) onSocketClose(reason socket.CloseReason) {
	if s.forceClosed.Load() {
		return
	}
	s.monitor.recordDisconnect(time.Now())
	metrics.DisconnectsTotal.Inc()
	s.log.Info("disconnected",
		zap.String("reason", reason.Reason),
		zap.String("message", reason.Message))
	s.emitter.emit(Event{Name: EventDisconnect, Data: map[string]any{
		"reason":  reason.Reason,
		"code":    reason.Code,
		"message": reason.Message,
	}})
	go s.reconnectLoop()
}

// reconnectLoop retries indefinitely with a constant interval until
// the session reconnects or is closed for good.
func (s *Session) reconnectLoop() {
	policy := backoff.NewConstantBackOff(ReconnectInterval)
	for {
		if s.forceClosed.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), socket.DefaultAwaitTimeout)
		err := s.connectSocket(ctx)
		cancel()
		if err == nil {
			metrics.ReconnectsTotal.Inc()
			s.afterReconnect()
			return
		}
		s.log.Warn("reconnect attempt failed", zap.Error(err))
		select {
		case <-time.After(policy.NextBackOff()):
		case <-s.closed:
			return
		}
	}
}

// afterReconnect runs the catch-up queries, applies them to the cache
// (which de-duplicates) and emits the reconnect event.
func (s *Session) afterReconnect() {
	since := s.monitor.lastDisconnect()
	downtime := time.Since(since)
	s.monitor.recordReconnect(downtime)
	s.log.Info("reconnected", zap.Duration("downtime", downtime))

	ctx, cancel := context.WithTimeout(context.Background(), 2*socket.DefaultAwaitTimeout)
	defer cancel()
	people, rooms, messages, err := s.GetUpdates(ctx, since)
	if err != nil {
		s.log.Warn("catch-up fetch failed", zap.Error(err))
		s.emitter.emit(Event{Name: EventReconnect})
		return
	}
	s.emitter.emit(Event{Name: EventReconnect, Reconnect: &ReconnectInfo{
		People:   people,
		Rooms:    rooms,
		Messages: messages,
		Downtime: downtime,
	}})
}

// Close ends the session. It is idempotent; the reconnect loop is
// disabled permanently.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.forceClosed.Store(true)
		close(s.closed)
		s.sockMu.Lock()
		sock := s.sock
		s.sockMu.Unlock()
		if sock != nil {
			sock.Close()
		}
		s.log.Debug("session closed")
	})
}

// Logout invalidates the server-side session and closes the client.
func (s *Session) Logout(ctx context.Context) error {
	err := s.http.Request(ctx, "/launchpad/v1/logout.json", transport.Options{
		Method: "DELETE",
	}, nil)
	s.Close()
	return err
}

// emitAll delivers a batch of cache events, preserving order.
func (s *Session) emitAll(events []Event) {
	for _, ev := range events {
		s.emitter.emit(ev)
	}
}

// GetRoomForHandles resolves the room for a set of handles. A single
// other person resolves to their pair room; otherwise a locally-known
// room whose participants cover the handles is returned; otherwise an
// uninitialized room holding those people is created, to be realized
// server-side by its first SendMessage.
func (s *Session) GetRoomForHandles(ctx context.Context, handles []string) (*Room, error) {
	norm := normalizeHandles(handles)
	s.mu.Lock()
	meHandle := ""
	if s.me != nil {
		meHandle = s.me.Handle
	}
	s.mu.Unlock()

	others := norm[:0]
	for _, h := range norm {
		if h != meHandle {
			others = append(others, h)
		}
	}
	if len(others) == 0 {
		return nil, ErrSelfMessage
	}

	if len(others) == 1 {
		p, err := s.GetPersonByHandle(ctx, others[0])
		if err != nil {
			return nil, err
		}
		if p.PairRoom() == nil {
			return nil, ErrNotFound
		}
		return p.PairRoom(), nil
	}

	want := append([]string{}, others...)
	if meHandle != "" {
		want = append(want, meHandle)
	}
	if room := s.findRoomWithHandles(want); room != nil {
		return room, nil
	}

	// No known room covers these handles; build an uninitialized one.
	people := make([]*Person, 0, len(others)+1)
	s.mu.Lock()
	if s.me != nil {
		people = append(people, s.me.Person)
	}
	s.mu.Unlock()
	for _, h := range others {
		p, err := s.GetPersonByHandle(ctx, h)
		if err != nil {
			return nil, err
		}
		people = append(people, p)
	}
	return &Room{Type: RoomTypePrivate, people: people, session: s}, nil
}

// findRoomWithHandles returns a cached room whose participant handles
// are a superset of want.
func (s *Session) findRoomWithHandles(want []string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
next:
	for _, r := range s.rooms {
		have := make(map[string]bool, len(r.people))
		for _, p := range r.people {
			have[p.Handle] = true
		}
		for _, h := range want {
			if !have[h] {
				continue next
			}
		}
		return r
	}
	return nil
}

func normalizeHandles(handles []string) []string {
	seen := make(map[string]bool, len(handles))
	out := make([]string, 0, len(handles))
	for _, h := range handles {
		for len(h) > 0 && h[0] == '@' {
			h = h[1:]
		}
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
