// Package frame implements the websocket frame envelope, the outbound
// nonce counter and the inbound frame matcher.
package frame

import (
	"encoding/json"
	"sync/atomic"
)

// SourceName is the client identifier carried in every outbound frame.
// The server expects this literal value; do not change it.
const SourceName = "Teamwork Chat Node API"

// Version is the client version advertised in frame sources and during
// the authentication handshake.
const Version = "0.5.0"

// Source identifies the sender of a frame.
type Source struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Frame is the JSON envelope carried over the websocket in both
// directions.
type Frame struct {
	ContentType string         `json:"contentType"`
	Name        string         `json:"name"`
	Contents    map[string]any `json:"contents"`
	Nonce       *int64         `json:"nonce"`
	Source      *Source        `json:"source,omitempty"`
	UID         *string        `json:"uid"`
	NodeID      *string        `json:"nodeId"`
}

// HasNonce reports whether the frame carries a nonce.
func (f *Frame) HasNonce() bool { return f != nil && f.Nonce != nil }

// NonceValue returns the frame nonce, or 0 when absent.
func (f *Frame) NonceValue() int64 {
	if f == nil || f.Nonce == nil {
		return 0
	}
	return *f.Nonce
}

// Get returns a contents value by key.
func (f *Frame) Get(key string) (any, bool) {
	if f == nil || f.Contents == nil {
		return nil, false
	}
	v, ok := f.Contents[key]
	return v, ok
}

// Marshal serializes the frame for the wire.
func (f *Frame) Marshal() ([]byte, error) {
	if f.Contents == nil {
		f.Contents = map[string]any{}
	}
	return json.Marshal(f)
}

// Unmarshal parses an inbound wire payload into a Frame.
func Unmarshal(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Counter produces the monotonically increasing nonces for a session's
// outbound frames. The zero value is ready to use; the first nonce is 1.
type Counter struct {
	n atomic.Int64
}

// Next returns the next nonce.
func (c *Counter) Next() int64 { return c.n.Add(1) }

// Current returns the most recently issued nonce without consuming one.
func (c *Counter) Current() int64 { return c.n.Load() }

// New builds an outbound frame. When nonced is true the frame receives
// the next nonce from the counter; pure events pass nonced=false and go
// out with a null nonce.
func New(c *Counter, name string, contents map[string]any, nonced bool) *Frame {
	if contents == nil {
		contents = map[string]any{}
	}
	f := &Frame{
		ContentType: "object",
		Name:        name,
		Contents:    contents,
		Source:      &Source{Name: SourceName, Version: Version},
	}
	if nonced {
		n := c.Next()
		f.Nonce = &n
	}
	return f
}
