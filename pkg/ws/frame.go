// Package ws defines the wire frames pushed to realtime subscribers over
// WebSocket and SSE. The surface is push-only: subscribers never send
// frames back.
package ws

import "encoding/json"

// FrameType identifies the shape of a broadcast frame.
type FrameType string

const (
	// FrameInit carries the full session snapshot, sent once per connect.
	FrameInit FrameType = "init"
	// FrameSessionCreated announces a newly created session.
	FrameSessionCreated FrameType = "session_created"
	// FrameSessionUpdated announces a session state or metadata change.
	FrameSessionUpdated FrameType = "session_updated"
	// FrameSessionDeleted announces a session removal.
	FrameSessionDeleted FrameType = "session_deleted"
	// FrameEvent carries a single appended session event.
	FrameEvent FrameType = "event"
)

// Frame is the envelope broadcast to every subscriber. Exactly one of the
// payload fields is populated, according to Type.
type Frame struct {
	Type      FrameType   `json:"type"`
	Sessions  interface{} `json:"sessions,omitempty"`
	Session   interface{} `json:"session,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// NewInit builds the connect-time snapshot frame.
func NewInit(sessions interface{}) *Frame {
	return &Frame{Type: FrameInit, Sessions: sessions}
}

// NewSessionCreated builds a session_created frame.
func NewSessionCreated(session interface{}) *Frame {
	return &Frame{Type: FrameSessionCreated, Session: session}
}

// NewSessionUpdated builds a session_updated frame.
func NewSessionUpdated(session interface{}) *Frame {
	return &Frame{Type: FrameSessionUpdated, Session: session}
}

// NewSessionDeleted builds a session_deleted frame.
func NewSessionDeleted(sessionID string) *Frame {
	return &Frame{Type: FrameSessionDeleted, SessionID: sessionID}
}

// NewEvent builds an event frame carrying one appended session event.
func NewEvent(event interface{}) *Frame {
	return &Frame{Type: FrameEvent, Data: event}
}

// Marshal encodes the frame for the wire.
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}
