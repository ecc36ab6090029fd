package transport

import "sync"

// CookieName is the session cookie shared by the REST and websocket
// paths.
const CookieName = "tw-auth"

// Token holds the tw-auth session cookie. It is shared between the HTTP
// transport and the socket dialer; impersonation rotates it atomically
// so no request observes a half-rotated value.
type Token struct {
	mu sync.RWMutex
	v  string
}

// NewToken returns a token holder with the given initial value.
func NewToken(v string) *Token {
	return &Token{v: v}
}

// Get returns the current cookie value.
func (t *Token) Get() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.v
}

// Rotate replaces the cookie value.
func (t *Token) Rotate(v string) {
	t.mu.Lock()
	t.v = v
	t.mu.Unlock()
}

// Cookie returns the value formatted as a Cookie header.
func (t *Token) Cookie() string {
	return CookieName + "=" + t.Get()
}
