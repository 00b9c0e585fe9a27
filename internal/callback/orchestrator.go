// Package callback delivers child-session completion notifications to
// parent sessions by injecting resume runs. Notifications for busy
// parents queue in memory until the parent's own run finishes.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/logger"
	runmodels "github.com/agentor/agentor/internal/run/models"
	sessmodels "github.com/agentor/agentor/internal/session/models"
)

// footer closes every injected resume prompt.
const footer = "Please continue with the orchestration based on this result."

// Notification is one queued child-completion callback.
type Notification struct {
	ChildSessionID string
	Status         sessmodels.SessionStatus
	ResultText     *string
	ResultData     interface{}
	Error          *string
	QueuedAt       time.Time
}

// SessionLookup resolves parent sessions.
type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (*sessmodels.Session, error)
}

// ActiveRunLookup reports the parent's live run, if any. A parent with a
// live run is busy and must not receive a resume yet.
type ActiveRunLookup interface {
	GetActiveBySession(sessionID string) *runmodels.Run
}

// ResumeSubmitter injects a resume run for the parent carrying the
// composed callback prompt. The coordinator implements it.
type ResumeSubmitter interface {
	SubmitResume(ctx context.Context, parentSessionID, prompt string) error
}

// Orchestrator owns the per-parent notification queues.
type Orchestrator struct {
	sessions SessionLookup
	runs     ActiveRunLookup
	submit   ResumeSubmitter
	logger   *logger.Logger

	mu     sync.Mutex
	queues map[string][]*Notification
}

// New creates an orchestrator. The submitter is wired afterwards because
// the coordinator is constructed later in the boot order.
func New(sessions SessionLookup, runs ActiveRunLookup, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		sessions: sessions,
		runs:     runs,
		logger:   log.WithFields(zap.String("component", "callbacks")),
		queues:   make(map[string][]*Notification),
	}
}

// SetSubmitter wires the resume-run submitter.
func (o *Orchestrator) SetSubmitter(s ResumeSubmitter) {
	o.submit = s
}

// OnChildTerminal handles a child session reaching a terminal state. Idle
// parents get an immediate resume; busy parents get the notification
// queued for the flush when their own run finishes.
func (o *Orchestrator) OnChildTerminal(ctx context.Context, child *sessmodels.Session, notif *Notification) {
	if child.ParentSessionID == nil || *child.ParentSessionID == "" {
		return
	}
	parentID := *child.ParentSessionID
	notif.ChildSessionID = child.SessionID
	if notif.QueuedAt.IsZero() {
		notif.QueuedAt = time.Now().UTC()
	}

	log := o.logger.WithSessionID(parentID).WithFields(
		zap.String("child_session_id", child.SessionID),
		zap.String("child_status", string(notif.Status)))

	if o.parentBusy(parentID) {
		o.enqueue(parentID, notif)
		log.Info("parent busy, callback queued")
		return
	}

	if !o.parentResumable(ctx, parentID, log) {
		return
	}

	prompt := composePrompt([]*Notification{notif})
	if err := o.submit.SubmitResume(ctx, parentID, prompt); err != nil {
		// Keep the notification; the flush on the parent's next terminal
		// transition is the fallback delivery path.
		o.enqueue(parentID, notif)
		log.WithError(err).Error("failed to inject callback resume, notification requeued")
		return
	}
	log.Info("callback resume injected")
}

// FlushFor delivers every notification queued for the given session as a
// single resume run. Called whenever a session reaches a terminal state.
// The queue is removed only after the resume was submitted.
func (o *Orchestrator) FlushFor(ctx context.Context, parentID string) {
	o.mu.Lock()
	queued := o.queues[parentID]
	o.mu.Unlock()
	if len(queued) == 0 {
		return
	}

	log := o.logger.WithSessionID(parentID).WithFields(zap.Int("notifications", len(queued)))

	if !o.parentResumable(ctx, parentID, log) {
		o.drop(parentID)
		return
	}
	if o.parentBusy(parentID) {
		// A new run appeared between the terminal signal and the flush;
		// the next terminal transition flushes instead.
		log.Debug("parent busy again, flush deferred")
		return
	}

	prompt := composePrompt(queued)
	if err := o.submit.SubmitResume(ctx, parentID, prompt); err != nil {
		log.WithError(err).Error("failed to flush callback queue")
		return
	}

	o.mu.Lock()
	// Children may have terminated during the submit; keep anything that
	// arrived after our snapshot.
	remaining := o.queues[parentID]
	if len(remaining) > len(queued) {
		o.queues[parentID] = remaining[len(queued):]
	} else {
		delete(o.queues, parentID)
	}
	o.mu.Unlock()

	log.Info("callback queue flushed")
}

// Pending returns the number of queued notifications for a parent.
func (o *Orchestrator) Pending(parentID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues[parentID])
}

func (o *Orchestrator) enqueue(parentID string, notif *Notification) {
	o.mu.Lock()
	o.queues[parentID] = append(o.queues[parentID], notif)
	o.mu.Unlock()
}

func (o *Orchestrator) drop(parentID string) {
	o.mu.Lock()
	delete(o.queues, parentID)
	o.mu.Unlock()
}

func (o *Orchestrator) parentBusy(parentID string) bool {
	return o.runs.GetActiveBySession(parentID) != nil
}

// parentResumable reports whether the parent can still accept a resume.
// A finished parent is resumable (the resume reopens it); a failed,
// stopped, or deleted parent is not, and its callbacks are discarded.
func (o *Orchestrator) parentResumable(ctx context.Context, parentID string, log *logger.Logger) bool {
	parent, err := o.sessions.Get(ctx, parentID)
	if err != nil {
		log.WithError(err).Warn("parent session gone, callback discarded")
		return false
	}
	if parent.Status == sessmodels.SessionFailed || parent.Status == sessmodels.SessionStopped {
		log.Warn("parent session not resumable, callback discarded",
			zap.String("parent_status", string(parent.Status)))
		return false
	}
	return true
}

// frameStatus maps session outcomes onto the wire vocabulary. A finished
// child is reported as completed.
func frameStatus(status sessmodels.SessionStatus) string {
	if status == sessmodels.SessionFinished {
		return "completed"
	}
	return string(status)
}

// BuildFrame renders one callback frame.
func BuildFrame(notif *Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<agent-callback session=%q status=%q>\n", notif.ChildSessionID, frameStatus(notif.Status))

	if notif.Status == sessmodels.SessionFinished {
		b.WriteString("## Child Result\n")
		if notif.ResultText != nil {
			b.WriteString(*notif.ResultText)
		}
		b.WriteString("\n")
		if notif.ResultData != nil {
			data, err := json.MarshalIndent(notif.ResultData, "", "  ")
			if err == nil {
				b.WriteString("\n## Structured Data\n```json\n")
				b.Write(data)
				b.WriteString("\n```\n")
			}
		}
	} else {
		b.WriteString("## Error\n")
		if notif.Error != nil {
			b.WriteString(*notif.Error)
		}
		b.WriteString("\n")
	}

	b.WriteString("</agent-callback>")
	return b.String()
}

// composePrompt joins the frames in queue order under one footer.
func composePrompt(notifs []*Notification) string {
	frames := make([]string, 0, len(notifs))
	for _, notif := range notifs {
		frames = append(frames, BuildFrame(notif))
	}
	return strings.Join(frames, "\n\n") + "\n\n" + footer
}
