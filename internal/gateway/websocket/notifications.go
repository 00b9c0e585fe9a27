package websocket

import (
	sessmodels "github.com/agentor/agentor/internal/session/models"
	"github.com/agentor/agentor/pkg/ws"
)

// Notifier adapts the hub to the session service's broadcaster contract.
// Calls happen synchronously on the producer's goroutine, so frames enter
// the hub channel in append order.
type Notifier struct {
	hub *Hub
}

// NewNotifier creates the broadcaster adapter.
func NewNotifier(hub *Hub) *Notifier {
	return &Notifier{hub: hub}
}

// SessionCreated broadcasts a session_created frame.
func (n *Notifier) SessionCreated(session *sessmodels.Session) {
	n.hub.Broadcast(ws.NewSessionCreated(session))
}

// SessionUpdated broadcasts a session_updated frame.
func (n *Notifier) SessionUpdated(session *sessmodels.Session) {
	n.hub.Broadcast(ws.NewSessionUpdated(session))
}

// SessionDeleted broadcasts a session_deleted frame.
func (n *Notifier) SessionDeleted(sessionID string) {
	n.hub.Broadcast(ws.NewSessionDeleted(sessionID))
}

// EventAppended broadcasts an event frame.
func (n *Notifier) EventAppended(event *sessmodels.Event) {
	n.hub.Broadcast(ws.NewEvent(event))
}
