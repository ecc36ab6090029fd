package mockserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teamchat/teamchat-go/internal/frame"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hub tracks authenticated socket connections for push fan-out.
type hub struct {
	s     *Server
	mu    sync.Mutex
	conns map[*wsConn]bool
}

func newHub(s *Server) *hub {
	return &hub{s: s, conns: make(map[*wsConn]bool)}
}

func (h *hub) add(c *wsConn) {
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()
}

func (h *hub) remove(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// broadcastMessage pushes room.message.created to every participant's
// socket except those of exceptUserID (0 excludes nobody).
func (h *hub) broadcastMessage(m *Message, exceptUserID int64) {
	room := h.s.state.roomByID(m.RoomID)
	if room == nil {
		return
	}
	h.mu.Lock()
	targets := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		if c.user.ID == exceptUserID {
			continue
		}
		if containsID(room.PeopleIDs, c.user.ID) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.push("room.message.created", messageJSON(m))
	}
}

// broadcastFrame pushes an arbitrary event frame to every connection.
func (h *hub) broadcastFrame(name string, contents map[string]any) {
	h.mu.Lock()
	targets := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.push(name, contents)
	}
}

// wsConn is one client socket.
type wsConn struct {
	s       *Server
	user    *User
	conn    *websocket.Conn
	writeMu sync.Mutex
	authed  bool
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	user := s.userFromRequest(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{s: s, user: user, conn: conn}
	go c.run()
}

func (c *wsConn) run() {
	defer func() {
		c.s.hub.remove(c)
		c.conn.Close()
	}()

	c.push("authentication.request", map[string]any{})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := frame.Unmarshal(data)
		if err != nil {
			c.s.log.Debug("chatmock: bad frame", zap.Error(err))
			continue
		}
		c.handle(f)
	}
}

func (c *wsConn) handle(f *frame.Frame) {
	if !c.authed && f.Name != "authentication.response" {
		return
	}
	switch f.Name {
	case "authentication.response":
		c.handleAuth(f)
	case "ping":
		c.reply(f, "pong", map[string]any{})
	case "room.message.created":
		c.handleMessage(f)
	case "room.typing":
		c.handleTyping(f)
	case "room.user.active":
		c.handleActive(f)
	case "unseen.counts.request":
		c.handleUnseen(f)
	case "user.modified.status":
		c.handleStatus(f)
	default:
		c.s.log.Debug("chatmock: unhandled frame", zap.String("name", f.Name))
	}
}

func (c *wsConn) handleAuth(f *frame.Frame) {
	key, _ := f.Get("authKey")
	authKey, _ := key.(string)
	if c.user == nil || authKey != c.s.authKeyFor(c.user) {
		c.push("authentication.error", map[string]any{"message": "bad credentials"})
		c.conn.Close()
		return
	}
	c.authed = true
	c.s.hub.add(c)
	c.push("authentication.confirmation", map[string]any{})
}

func (c *wsConn) handleMessage(f *frame.Frame) {
	roomID := int64From(f.Contents["roomId"])
	body, _ := f.Contents["body"].(string)
	room := c.s.state.roomByID(roomID)
	if room == nil {
		return
	}
	m := c.s.state.addMessage(room, c.user.ID, body)
	c.reply(f, "room.message.created", messageJSON(m))
	c.s.hub.broadcastMessage(m, c.user.ID)
}

func (c *wsConn) handleTyping(f *frame.Frame) {
	contents := map[string]any{
		"userId":   c.user.ID,
		"roomId":   int64From(f.Contents["roomId"]),
		"isTyping": f.Contents["isTyping"],
	}
	c.s.hub.broadcastFrame("room.typing", contents)
}

func (c *wsConn) handleActive(f *frame.Frame) {
	date, _ := f.Contents["date"].(string)
	c.push("room.user.active", map[string]any{
		"roomId":   int64From(f.Contents["roomId"]),
		"userId":   c.user.ID,
		"date":     time.Now().UTC().Format(time.RFC3339Nano),
		"activeAt": date,
	})
}

func (c *wsConn) handleUnseen(f *frame.Frame) {
	total := 0
	for _, room := range c.s.state.listRooms() {
		if containsID(room.PeopleIDs, c.user.ID) && len(room.Messages) > 0 {
			total++
		}
	}
	c.reply(f, "unseen.counts.updated", map[string]any{
		"important": map[string]any{"rooms": 0},
		"total":     map[string]any{"rooms": total},
	})
}

func (c *wsConn) handleStatus(f *frame.Frame) {
	status, _ := f.Contents["status"].(string)
	if status == "" {
		return
	}
	c.s.state.mu.Lock()
	changed := c.user.Status != status
	c.user.Status = status
	c.s.state.mu.Unlock()
	if changed {
		c.s.hub.broadcastFrame("user.modified", map[string]any{
			"userId": c.user.ID,
			"key":    "status",
			"value":  status,
		})
	}
}

// push sends an event frame (no nonce).
func (c *wsConn) push(name string, contents map[string]any) {
	c.write(&frame.Frame{ContentType: "object", Name: name, Contents: contents})
}

// reply answers a nonced request with a frame carrying the same nonce.
func (c *wsConn) reply(req *frame.Frame, name string, contents map[string]any) {
	c.write(&frame.Frame{ContentType: "object", Name: name, Contents: contents, Nonce: req.Nonce})
}

func (c *wsConn) write(f *frame.Frame) {
	data, err := f.Marshal()
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteMessage(websocket.TextMessage, data)
}

func int64From(v any) int64 {
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
