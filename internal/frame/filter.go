package frame

import (
	"errors"
	"regexp"
)

// ErrEmptyFilter is returned when a filter has no populated fields.
// Callers that want every frame should subscribe to the raw frame
// stream instead of awaiting with an empty filter.
var ErrEmptyFilter = errors.New("frame: empty filter")

// Filter is a predicate over inbound frames. Populated fields combine
// conjunctively. The literal type "*" matches every frame.
type Filter struct {
	// Type matches frame.Name exactly, or everything when "*".
	Type string
	// TypePattern matches frame.Name by regexp; used instead of Type
	// when set.
	TypePattern *regexp.Regexp
	// Nonce, when set, must equal the frame nonce.
	Nonce *int64
	// Contents, when set, must be a subset of the frame contents.
	Contents map[string]any
}

// Any matches every inbound frame.
var Any = Filter{Type: "*"}

// TypeFilter returns a filter matching frames by exact name.
func TypeFilter(name string) Filter { return Filter{Type: name} }

// NonceFilter returns a filter matching a single nonce.
func NonceFilter(n int64) Filter { return Filter{Nonce: &n} }

// IsEmpty reports whether no predicate fields are populated.
func (f Filter) IsEmpty() bool {
	return f.Type == "" && f.TypePattern == nil && f.Nonce == nil && len(f.Contents) == 0
}

// Validate rejects empty filters.
func (f Filter) Validate() error {
	if f.IsEmpty() {
		return ErrEmptyFilter
	}
	return nil
}

// Match reports whether the frame satisfies the filter. An empty filter
// matches nothing; Validate rejects it at registration time.
func (f Filter) Match(fr *Frame) bool {
	if fr == nil || f.IsEmpty() {
		return false
	}
	if f.Type == "*" {
		return true
	}
	if f.TypePattern != nil {
		if !f.TypePattern.MatchString(fr.Name) {
			return false
		}
	} else if f.Type != "" && f.Type != fr.Name {
		return false
	}
	if f.Nonce != nil {
		if fr.Nonce == nil || *fr.Nonce != *f.Nonce {
			return false
		}
	}
	if len(f.Contents) > 0 {
		if fr.Contents == nil || !IsSubset(f.Contents, fr.Contents) {
			return false
		}
	}
	return true
}
