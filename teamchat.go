// Package teamchat is a client for the Teamwork Chat protocol: it logs
// in over HTTP, holds a persistent websocket session with heartbeats
// and reconnection, and maintains a live in-memory model of people,
// rooms and messages fed by both server push and REST queries.
//
// A Session is created with one of the login constructors:
//
//	chat, err := teamchat.FromCredentials(ctx, "https://digitalcrew.teamwork.com", "user", "pass")
//	if err != nil { ... }
//	defer chat.Close()
//
//	chat.On(teamchat.EventMessage, func(ev teamchat.Event) {
//		fmt.Println(ev.Message.Content)
//	})
//
// Entity identity is preserved: two lookups of the same person or room
// return the same pointer, and pair rooms alias the other person's
// PairRoom.
package teamchat

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Version is the advertised client version.
const Version = "0.5.0"

// Reconnection and cache bounds.
const (
	// ReconnectInterval is the constant delay between reconnection
	// attempts.
	ReconnectInterval = 3 * time.Second
	// MaxRoomMessages bounds the per-room message FIFO.
	MaxRoomMessages = 50
)

// keyPassword is the magic password the launchpad accepts for API-key
// logins.
const keyPassword = "club-lemon"

// Socket endpoint resolution. An explicit SocketServer override is
// authoritative; otherwise production installations use the static
// production socket, and any other hostname is substituted into the
// development socket URL.
const (
	productionSocketServer = "wss://sockets.chat.teamwork.com"
	developmentSocketURL   = "ws://localhost:8181"
	productionDomainSuffix = "teamwork.com"
)

// Sentinel errors surfaced by the public API.
var (
	// ErrNotFound is returned when a person or room cannot be resolved
	// from the cache or the server.
	ErrNotFound = errors.New("teamchat: not found")
	// ErrClosed is returned when operating on a closed session.
	ErrClosed = errors.New("teamchat: session closed")
	// ErrSelfMessage is returned when sending a message to yourself.
	ErrSelfMessage = errors.New("teamchat: cannot message yourself")
	// ErrUninitializedRoom is returned for operations that need a
	// server-side room id before the room has been created.
	ErrUninitializedRoom = errors.New("teamchat: room has not been created server-side yet")
	// ErrInvalidStatus is returned for status values other than idle
	// and active.
	ErrInvalidStatus = errors.New(`teamchat: status must be "idle" or "active"`)
	// ErrNotPairRoom is returned when clearing history on a non-pair
	// room.
	ErrNotPairRoom = errors.New("teamchat: operation is only valid for pair rooms")
)

// Installation is the immutable descriptor of a chat server endpoint.
type Installation struct {
	base         *url.URL
	socketServer string
}

// NewInstallation parses the base URL (scheme + host). socketServer, if
// non-empty, overrides socket endpoint resolution verbatim.
func NewInstallation(base string, socketServer string) (*Installation, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("teamchat: invalid installation %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("teamchat: installation %q must include scheme and host", base)
	}
	return &Installation{base: u, socketServer: socketServer}, nil
}

// Base returns the REST base URL.
func (i *Installation) Base() *url.URL { return i.base }

// Domain returns the installation origin with a trailing slash, the
// form the authentication handshake expects.
func (i *Installation) Domain() string {
	return i.base.Scheme + "://" + i.base.Host + "/"
}

// SocketURL resolves the websocket endpoint for this installation.
func (i *Installation) SocketURL() string {
	if i.socketServer != "" {
		return i.socketServer
	}
	host := i.base.Hostname()
	if host == productionDomainSuffix || strings.HasSuffix(host, "."+productionDomainSuffix) {
		return productionSocketServer
	}
	dev, _ := url.Parse(developmentSocketURL)
	if port := dev.Port(); port != "" {
		dev.Host = host + ":" + port
	} else {
		dev.Host = host
	}
	return dev.String()
}
