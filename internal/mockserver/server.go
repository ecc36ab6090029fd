// Package mockserver implements enough of the chat service's REST and
// websocket contract to run the client against locally: scripted
// demos, the chatmock binary and integration-style tests.
package mockserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/teamchat/teamchat-go/pkg/logger"
)

const cookieName = "tw-auth"

// Config configures the mock server.
type Config struct {
	JWTSecret string
	Logger    *logger.Logger
	// RateLimitRequests/Window throttle REST calls; zero disables.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Server is a self-contained fake installation.
type Server struct {
	cfg   Config
	log   *logger.Logger
	state *state
	hub   *hub
}

// New creates a server seeded with nothing; use Seed or AddUser.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "chatmock-dev-secret"
	}
	s := &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		state: newState(),
	}
	s.hub = newHub(s)
	return s
}

// AddUser registers an account.
func (s *Server) AddUser(u *User) *User { return s.state.addUser(u) }

// AddRoom registers a room.
func (s *Server) AddRoom(r *Room) *Room { return s.state.addRoom(r) }

// AddMessage stores a message and pushes it to connected sockets.
func (s *Server) AddMessage(roomID, userID int64, body string) *Message {
	room := s.state.roomByID(roomID)
	if room == nil {
		return nil
	}
	m := s.state.addMessage(room, userID, body)
	s.hub.broadcastMessage(m, 0)
	return m
}

// Seed populates a small default directory for demos.
func (s *Server) Seed() {
	s.AddUser(&User{Handle: "adrianc", FirstName: "Adrian", LastName: "Crowley", Email: "adrianc@example.com", Password: "password", Status: "online"})
	s.AddUser(&User{Handle: "peter", FirstName: "Peter", LastName: "Coffey", Email: "peter@example.com", Password: "password", Status: "away"})
	s.AddUser(&User{Handle: "robot", FirstName: "Robot", LastName: "Bot", Email: "robot@example.com", Password: "beep-boop", Status: "online"})
}

// Handler returns the REST + websocket router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Cookie"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if s.cfg.RateLimitRequests > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RateLimitRequests, s.cfg.RateLimitWindow))
	}

	r.Post("/launchpad/v1/login.json", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)

		r.Delete("/launchpad/v1/logout.json", s.handleLogout)
		r.Get("/chat/me.json", s.handleMe)

		r.Get("/chat/v3/people.json", s.handlePeople)
		r.Get("/chat/people/{id}.json", s.handlePerson)
		r.Put("/chat/people/{id}.json", s.handleUpdatePerson)

		r.Get("/chat/v2/rooms/{id}.json", s.handleRoom)
		r.Post("/chat/v2/rooms.json", s.handleCreateRoom)
		r.Delete("/chat/rooms/{id}.json", s.handleDeleteRoom)
		r.Get("/chat/v3/conversations.json", s.handleConversations)
		r.Put("/chat/v2/conversations/{id}.json", s.handleUpdateConversation)
		r.Put("/chat/v2/conversations/{id}/user-settings.json", s.handleUserSettings)

		r.Get("/chat/v2/rooms/{id}/messages.json", s.handleRoomMessages)
		r.Post("/chat/rooms/{id}/messages.json", s.handlePostMessage)
		r.Delete("/chat/rooms/{id}/messages.json", s.handleDeleteMessages)
		r.Put("/chat/rooms/{id}/messages.json", s.handleUndeleteMessages)
		r.Get("/chat/v2/messages.json", s.handleAllMessages)

		r.Put("/people/{id}/impersonate.json", s.handleImpersonate)
		r.Put("/people/impersonate/revert.json", s.handleUnimpersonate)
	})

	r.Get("/ws", s.handleSocket)

	return r
}

// ------------------------------------------------------------------
// auth
// ------------------------------------------------------------------

type ctxKey string

const userKey ctxKey = "user"

type claims struct {
	jwt.RegisteredClaims
	// Actor is the impersonated-from user id, empty normally.
	Actor string `json:"actor,omitempty"`
}

func (s *Server) mintToken(userID int64, actor string) string {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(30 * 24 * time.Hour)),
		},
		Actor: actor,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		s.log.Error("could not sign token", zap.Error(err))
	}
	return token
}

func (s *Server) parseToken(raw string) (*claims, error) {
	c := &claims{}
	token, err := jwt.ParseWithClaims(raw, c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return c, nil
}

// userFromRequest resolves the tw-auth cookie to a user.
func (s *Server) userFromRequest(r *http.Request) *User {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return nil
	}
	c, err := s.parseToken(cookie.Value)
	if err != nil {
		return nil
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return nil
	}
	return s.state.userByID(id)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := s.userFromRequest(r)
		if user == nil {
			http.Error(w, `{"error":"invalid or missing tw-auth cookie"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func requestUser(r *http.Request) *User {
	u, _ := r.Context().Value(userKey).(*User)
	return u
}

func (s *Server) setAuthCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
	})
}

// ------------------------------------------------------------------
// helpers
// ------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id
}
