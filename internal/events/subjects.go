// Package events defines the bus subjects and payload helpers shared by the
// coordinator's components. Subjects are dot-separated and wildcard-friendly
// (NATS conventions), so a consumer may subscribe to "session.>" or "run.*".
package events

import (
	"context"

	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/events/bus"
)

const (
	SubjectSessionCreated = "session.created"
	SubjectSessionUpdated = "session.updated"
	SubjectSessionDeleted = "session.deleted"
	SubjectEventAppended  = "session.event_appended"

	SubjectRunCreated       = "run.created"
	SubjectRunClaimed       = "run.claimed"
	SubjectRunStatusChanged = "run.status_changed"

	SubjectRunnerRegistered   = "runner.registered"
	SubjectRunnerDeregistered = "runner.deregistered"
	SubjectRunnerStale        = "runner.stale"
)

// NewBus selects the event bus implementation from configuration: a NATS
// connection when a URL is configured, otherwise the in-process bus.
func NewBus(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, error) {
	if cfg.URL != "" {
		return bus.NewNATSEventBus(cfg, log)
	}
	return bus.NewMemoryEventBus(log), nil
}

// Publish is a convenience wrapper that builds and publishes a bus event.
func Publish(ctx context.Context, b bus.EventBus, subject, source string, data map[string]interface{}) error {
	return b.Publish(ctx, subject, bus.NewEvent(subject, source, data))
}
