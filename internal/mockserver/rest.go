package mockserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// wire shapes -------------------------------------------------------

func personJSON(u *User) map[string]any {
	return map[string]any{
		"id":        u.ID,
		"handle":    u.Handle,
		"firstName": u.FirstName,
		"lastName":  u.LastName,
		"email":     u.Email,
		"title":     u.Title,
		"status":    u.Status,
	}
}

func messageJSON(m *Message) map[string]any {
	return map[string]any{
		"id":        m.ID,
		"roomId":    m.RoomID,
		"userId":    m.UserID,
		"body":      m.Body,
		"status":    m.Status,
		"createdAt": m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) roomJSON(r *Room, includePeople, includeMessages bool) map[string]any {
	out := map[string]any{
		"id":        r.ID,
		"type":      r.Type,
		"title":     r.Title,
		"status":    r.Status,
		"creatorId": r.CreatorID,
		"createdAt": r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt": r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if includePeople {
		people := make([]map[string]any, 0, len(r.PeopleIDs))
		for _, id := range r.PeopleIDs {
			if u := s.state.userByID(id); u != nil {
				people = append(people, personJSON(u))
			}
		}
		out["people"] = people
	}
	if includeMessages {
		msgs := make([]map[string]any, 0, len(r.Messages))
		for _, m := range r.Messages {
			msgs = append(msgs, messageJSON(m))
		}
		out["messages"] = msgs
	}
	return out
}

// session -----------------------------------------------------------

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	user := s.state.userByLogin(body.Username, body.Password)
	if user == nil {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}
	s.setAuthCookie(w, s.mintToken(user.ID, ""))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"account": map[string]any{
			"id":             user.ID,
			"authkey":        s.authKeyFor(user),
			"url":            "http://" + r.Host + "/",
			"installationId": int64(1),
			"user":           personJSON(user),
		},
	})
}

// authKeyFor derives the socket handshake key for a user; the socket
// side checks it against the same derivation.
func (s *Server) authKeyFor(u *User) string {
	return "key-" + strconv.FormatInt(u.ID, 10) + "-" + u.Handle
}

// people ------------------------------------------------------------

func (s *Server) handlePeople(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	users := s.state.listUsers(q.Get("filter[searchTerm]"))

	offset, _ := strconv.Atoi(q.Get("page[offset]"))
	limit, _ := strconv.Atoi(q.Get("page[limit]"))
	total := len(users)
	if offset > len(users) {
		offset = len(users)
	}
	users = users[offset:]
	if limit > 0 && limit < len(users) {
		users = users[:limit]
	}

	people := make([]map[string]any, 0, len(users))
	for _, u := range users {
		people = append(people, personJSON(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"people": people,
		"meta": map[string]any{
			"page": map[string]any{"offset": offset, "limit": limit, "total": total},
		},
	})
}

func (s *Server) handlePerson(w http.ResponseWriter, r *http.Request) {
	user := s.state.userByID(pathID(r))
	if user == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"person": personJSON(user)})
}

func (s *Server) handleUpdatePerson(w http.ResponseWriter, r *http.Request) {
	user := s.state.userByID(pathID(r))
	if user == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	var body struct {
		Person map[string]any `json:"person"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	s.state.mu.Lock()
	for k, v := range body.Person {
		str, _ := v.(string)
		switch k {
		case "handle":
			user.Handle = str
		case "firstName":
			user.FirstName = str
		case "lastName":
			user.LastName = str
		case "title":
			user.Title = str
		case "email":
			user.Email = str
		case "status":
			user.Status = str
		}
	}
	user.UpdatedAt = time.Now()
	s.state.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// rooms -------------------------------------------------------------

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	room := s.state.roomByID(pathID(r))
	if room == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	includeUserData := r.URL.Query().Get("includeUserData") != "false"
	writeJSON(w, http.StatusOK, map[string]any{
		"room": s.roomJSON(room, includeUserData, false),
	})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	var body struct {
		Room struct {
			Handles []string `json:"handles"`
			Message struct {
				Body string `json:"body"`
			} `json:"message"`
		} `json:"room"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Room.Handles) == 0 {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	ids := []int64{user.ID}
	for _, h := range body.Room.Handles {
		other := s.state.userByHandle(h)
		if other == nil {
			http.Error(w, `{"error":"unknown handle"}`, http.StatusBadRequest)
			return
		}
		if other.ID != user.ID {
			ids = append(ids, other.ID)
		}
	}

	var room *Room
	if len(ids) == 2 {
		room = s.state.roomForPair(ids[0], ids[1])
	} else {
		room = s.state.addRoom(&Room{Type: "private", CreatorID: user.ID, PeopleIDs: ids})
	}
	if body.Room.Message.Body != "" {
		m := s.state.addMessage(room, user.ID, body.Room.Message.Body)
		s.hub.broadcastMessage(m, user.ID)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"room": map[string]any{"id": room.ID}})
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	if s.state.deleteRoom(pathID(r)) == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeUserData := q.Get("includeUserData") == "true"
	includeMessageData := q.Get("includeMessageData") == "true"

	rooms := s.state.listRooms()
	total := len(rooms)
	offset, _ := strconv.Atoi(q.Get("page[offset]"))
	limit, _ := strconv.Atoi(q.Get("page[limit]"))
	if offset > len(rooms) {
		offset = len(rooms)
	}
	rooms = rooms[offset:]
	if limit > 0 && limit < len(rooms) {
		rooms = rooms[:limit]
	}

	out := make([]map[string]any, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, s.roomJSON(room, includeUserData, includeMessageData))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": out,
		"meta": map[string]any{
			"page": map[string]any{"offset": offset, "limit": limit, "total": total},
		},
	})
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	room := s.state.roomByID(pathID(r))
	if room == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	var body struct {
		Conversation struct {
			Title string `json:"title"`
		} `json:"conversation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	s.state.mu.Lock()
	room.Title = &body.Conversation.Title
	room.UpdatedAt = time.Now()
	s.state.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUserSettings(w http.ResponseWriter, r *http.Request) {
	room := s.state.roomByID(pathID(r))
	if room == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if room.Type != "pair" {
		http.Error(w, `{"error":"only pair rooms support user settings"}`, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// messages ----------------------------------------------------------

func (s *Server) handleRoomMessages(w http.ResponseWriter, r *http.Request) {
	room := s.state.roomByID(pathID(r))
	if room == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	s.state.mu.Lock()
	msgs := make([]map[string]any, 0, len(room.Messages))
	for _, m := range room.Messages {
		msgs = append(msgs, messageJSON(m))
	}
	s.state.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	room := s.state.roomByID(pathID(r))
	if room == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	var body struct {
		Message struct {
			Body string `json:"body"`
		} `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	m := s.state.addMessage(room, user.ID, body.Message.Body)
	s.hub.broadcastMessage(m, user.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"message": messageJSON(m)})
}

func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request) {
	s.setMessageStatus(w, r, "redacted")
}

func (s *Server) handleUndeleteMessages(w http.ResponseWriter, r *http.Request) {
	s.setMessageStatus(w, r, "active")
}

func (s *Server) setMessageStatus(w http.ResponseWriter, r *http.Request, status string) {
	room := s.state.roomByID(pathID(r))
	if room == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	var body struct {
		IDs      []int64 `json:"ids"`
		Messages []struct {
			ID int64 `json:"id"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	ids := body.IDs
	for _, m := range body.Messages {
		ids = append(ids, m.ID)
	}
	s.state.mu.Lock()
	for _, m := range room.Messages {
		if containsID(ids, m.ID) {
			m.Status = status
		}
	}
	s.state.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAllMessages(w http.ResponseWriter, r *http.Request) {
	createdAfter, _ := time.Parse(time.RFC3339, r.URL.Query().Get("createdAfter"))
	out := make([]map[string]any, 0)
	for _, room := range s.state.listRooms() {
		s.state.mu.Lock()
		for _, m := range room.Messages {
			if createdAfter.IsZero() || m.CreatedAt.After(createdAfter) {
				out = append(out, messageJSON(m))
			}
		}
		s.state.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// impersonation -----------------------------------------------------

func (s *Server) handleImpersonate(w http.ResponseWriter, r *http.Request) {
	actor := requestUser(r)
	target := s.state.userByID(pathID(r))
	if target == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	s.setAuthCookie(w, s.mintToken(target.ID, strconv.FormatInt(actor.ID, 10)))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnimpersonate(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		http.Error(w, `{"error":"no session"}`, http.StatusUnauthorized)
		return
	}
	c, err := s.parseToken(cookie.Value)
	if err != nil || c.Actor == "" {
		http.Error(w, `{"error":"not impersonating"}`, http.StatusBadRequest)
		return
	}
	id, _ := strconv.ParseInt(c.Actor, 10, 64)
	s.setAuthCookie(w, s.mintToken(id, ""))
	w.WriteHeader(http.StatusOK)
}
