// Package coordinator ties the queue, sessions, blueprints, runners, and
// callbacks together into the run lifecycle the HTTP surface exposes.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	bpmodels "github.com/agentor/agentor/internal/blueprint/models"
	bpservice "github.com/agentor/agentor/internal/blueprint/service"
	bpstore "github.com/agentor/agentor/internal/blueprint/store"
	"github.com/agentor/agentor/internal/callback"
	"github.com/agentor/agentor/internal/capability"
	"github.com/agentor/agentor/internal/common/logger"
	runmodels "github.com/agentor/agentor/internal/run/models"
	"github.com/agentor/agentor/internal/run/queue"
	runstore "github.com/agentor/agentor/internal/run/store"
	"github.com/agentor/agentor/internal/runner/registry"
	"github.com/agentor/agentor/internal/schema"
	sessmodels "github.com/agentor/agentor/internal/session/models"
	sessservice "github.com/agentor/agentor/internal/session/service"
)

// outputRetryBudget is the number of correction resumes injected before a
// session is failed for non-conforming output.
const outputRetryBudget = 1

// outputExhaustedError is the session failure message after the retry
// budget is spent.
const outputExhaustedError = "OutputSchemaValidationError: Output validation failed after 1 retry"

var (
	// ErrCannotStop is returned for stop requests against terminal runs.
	ErrCannotStop = errors.New("run cannot be stopped")
	// ErrNoActiveRun is returned when a session stop finds nothing to stop.
	ErrNoActiveRun = errors.New("session has no active run")
)

// ParameterValidationError carries the structured 400 body for parameter
// validation failures.
type ParameterValidationError struct {
	AgentName        string                   `json:"agent_name"`
	Message          string                   `json:"message"`
	ValidationErrors []schema.ValidationIssue `json:"validation_errors"`
	ParametersSchema map[string]interface{}   `json:"parameters_schema"`
}

func (e *ParameterValidationError) Error() string {
	return e.Message
}

// Detail renders the error body payload.
func (e *ParameterValidationError) Detail() map[string]interface{} {
	return map[string]interface{}{
		"error":             "parameter_validation_failed",
		"agent_name":        e.AgentName,
		"message":           e.Message,
		"validation_errors": e.ValidationErrors,
		"parameters_schema": e.ParametersSchema,
	}
}

// OutputValidationError is returned to the runner when a result event's
// result_data violates the blueprint's output schema.
type OutputValidationError struct {
	Issues        []schema.ValidationIssue
	RetryInjected bool
}

func (e *OutputValidationError) Error() string {
	return "result_data does not conform to the declared output schema"
}

// Job is the claim payload delivered to a runner: the run plus the
// blueprint context it needs to launch the agent.
type Job struct {
	Run          *runmodels.Run `json:"run"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Command      string         `json:"command,omitempty"`
	MCPServers   []string       `json:"mcp_servers,omitempty"`
	Skills       []string       `json:"skills,omitempty"`
}

// Coordinator drives run creation, dispatch, status reporting, event
// ingestion, and callback injection.
type Coordinator struct {
	blueprints *bpservice.Service
	sessions   *sessservice.Service
	queue      *queue.Queue
	registry   *registry.Registry
	callbacks  *callback.Orchestrator
	logger     *logger.Logger

	noMatchTimeout time.Duration

	retryMu       sync.Mutex
	outputRetries map[string]int
}

// New wires the coordinator. It registers itself as the queue's terminal
// hook and the callback orchestrator's resume submitter.
func New(blueprints *bpservice.Service, sessions *sessservice.Service, q *queue.Queue,
	reg *registry.Registry, callbacks *callback.Orchestrator,
	noMatchTimeout time.Duration, log *logger.Logger) *Coordinator {

	c := &Coordinator{
		blueprints:     blueprints,
		sessions:       sessions,
		queue:          q,
		registry:       reg,
		callbacks:      callbacks,
		logger:         log.WithFields(zap.String("component", "coordinator")),
		noMatchTimeout: noMatchTimeout,
		outputRetries:  make(map[string]int),
	}
	q.SetTerminalHook(c.onQueueTerminal)
	callbacks.SetSubmitter(c)
	return c
}

// CreateRun validates, persists, and enqueues a run. For start_session a
// fresh session is created; resume_session targets an existing one and
// inherits agent_name/project_dir from it when omitted.
func (c *Coordinator) CreateRun(ctx context.Context, req *runmodels.RunCreate) (*runmodels.Run, error) {
	if req.Type == "" {
		req.Type = runmodels.TypeStartSession
	}
	if req.Parameters == nil {
		req.Parameters = map[string]interface{}{}
	}

	if req.Type == runmodels.TypeResumeSession {
		if req.SessionID == "" {
			return nil, fmt.Errorf("resume_session requires session_id")
		}
		session, err := c.sessions.Get(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if req.AgentName == nil {
			req.AgentName = session.AgentName
		}
		if req.ProjectDir == nil {
			req.ProjectDir = session.ProjectDir
		}
	}

	var bp *bpmodels.Blueprint
	var resolveErr error
	if req.AgentName != nil && *req.AgentName != "" {
		bp, resolveErr = c.blueprints.Get(ctx, *req.AgentName)
		if resolveErr != nil && !errors.Is(resolveErr, bpstore.ErrNotFound) {
			return nil, resolveErr
		}
	}

	// Parameters are validated before anything is persisted; an invalid
	// run must leave no session or run behind.
	if bp != nil {
		if err := c.validateParameters(bp, req.Parameters); err != nil {
			return nil, err
		}
	}

	sessionID := req.SessionID
	if req.Type == runmodels.TypeStartSession {
		session, err := c.sessions.Create(ctx, &sessservice.SessionCreate{
			SessionID:       req.SessionID,
			SessionName:     req.SessionName,
			ProjectDir:      req.ProjectDir,
			AgentName:       req.AgentName,
			ParentSessionID: req.ParentSessionID,
		})
		if err != nil {
			return nil, err
		}
		sessionID = session.SessionID
	}

	run := &runmodels.Run{
		RunID:           req.RunID,
		SessionID:       sessionID,
		Type:            req.Type,
		AgentName:       req.AgentName,
		Parameters:      req.Parameters,
		ProjectDir:      req.ProjectDir,
		ParentSessionID: req.ParentSessionID,
		ExecutionMode:   req.ExecutionMode,
	}
	if err := c.queue.Add(ctx, run); err != nil {
		return nil, err
	}

	// An unresolvable agent fails the run after creation so that callback
	// orchestration observes a terminal child rather than a vanished one.
	if resolveErr != nil {
		msg := fmt.Sprintf("Agent not found: %s", *req.AgentName)
		failed, err := c.queue.UpdateStatus(ctx, run.RunID, runmodels.RunFailed, &msg)
		if err != nil {
			return nil, err
		}
		c.settleSession(ctx, failed)
		return failed, nil
	}

	if err := c.queue.SetDemands(ctx, run.RunID, demandsOf(bp), c.noMatchTimeout); err != nil {
		return nil, err
	}
	return run, nil
}

func demandsOf(bp *bpmodels.Blueprint) *capability.Demands {
	if bp == nil {
		return nil
	}
	return bp.Demands
}

func (c *Coordinator) validateParameters(bp *bpmodels.Blueprint, params map[string]interface{}) error {
	compiled, err := c.blueprints.ParametersSchema(bp)
	if err != nil {
		return err
	}
	if compiled == nil {
		return nil
	}
	err = compiled.Validate(map[string]interface{}(params))
	if err == nil {
		return nil
	}
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	return &ParameterValidationError{
		AgentName:        bp.Name,
		Message:          fmt.Sprintf("Parameters for agent %q failed schema validation", bp.Name),
		ValidationErrors: verr.Issues,
		ParametersSchema: c.blueprints.EffectiveParametersDoc(bp),
	}
}

// ClaimFor claims the next matching run for a runner and packages it with
// its blueprint context. The prompt is augmented with the output schema
// instruction when one is declared; the stored run is left untouched.
func (c *Coordinator) ClaimFor(ctx context.Context, runnerID string, caps capability.Capabilities) (*Job, error) {
	run, err := c.queue.Claim(ctx, runnerID, caps)
	if err != nil || run == nil {
		return nil, err
	}

	job := &Job{Run: run}
	if run.AgentName != nil {
		bp, err := c.blueprints.Get(ctx, *run.AgentName)
		if err == nil {
			job.SystemPrompt = bp.SystemPrompt
			job.Command = bp.Command
			job.MCPServers = bp.MCPServers
			job.Skills = bp.Skills
			c.augmentPrompt(job, bp)
		}
	}
	return job, nil
}

// augmentPrompt appends the output schema instruction to the job's prompt
// parameter, on a copy of the parameters map.
func (c *Coordinator) augmentPrompt(job *Job, bp *bpmodels.Blueprint) {
	if bp.OutputSchema == nil {
		return
	}
	prompt, ok := job.Run.Parameters["prompt"].(string)
	if !ok {
		return
	}
	doc, err := json.MarshalIndent(bp.OutputSchema, "", "  ")
	if err != nil {
		return
	}

	params := make(map[string]interface{}, len(job.Run.Parameters))
	for k, v := range job.Run.Parameters {
		params[k] = v
	}
	params["prompt"] = prompt + outputSchemaInstruction(string(doc))

	run := job.Run.Clone()
	run.Parameters = params
	job.Run = run
}

func outputSchemaInstruction(doc string) string {
	return "\n\nWhen you produce your final result, emit the structured data as JSON conforming to this schema:\n```json\n" +
		doc + "\n```"
}

// ReportRunStatus applies a runner-reported transition and drives the
// owning session and any callbacks.
func (c *Coordinator) ReportRunStatus(ctx context.Context, runID string, status runmodels.RunStatus, errMsg *string) (*runmodels.Run, error) {
	run, err := c.queue.UpdateStatus(ctx, runID, status, errMsg)
	if err != nil {
		return nil, err
	}

	switch {
	case status == runmodels.RunRunning:
		if run.Type == runmodels.TypeResumeSession {
			if _, err := c.sessions.MarkResumed(ctx, run.SessionID); err != nil {
				c.logger.WithError(err).Warn("failed to mark session resumed",
					zap.String("session_id", run.SessionID))
			}
		} else if _, err := c.sessions.SetStatus(ctx, run.SessionID, sessmodels.SessionRunning); err != nil {
			c.logger.WithError(err).Warn("failed to mark session running",
				zap.String("session_id", run.SessionID))
		}
	case status.IsTerminal():
		c.settleSession(ctx, run)
	}
	return run, nil
}

// settleSession aligns the session with its run's terminal state and
// fires callback delivery for both directions of the parent/child link.
func (c *Coordinator) settleSession(ctx context.Context, run *runmodels.Run) {
	session, err := c.sessions.Get(ctx, run.SessionID)
	if err != nil {
		c.logger.WithError(err).Warn("terminal run for unknown session",
			zap.String("run_id", run.RunID))
		return
	}

	if !session.Status.IsTerminal() {
		next := sessmodels.SessionFinished
		switch run.Status {
		case runmodels.RunFailed:
			next = sessmodels.SessionFailed
		case runmodels.RunStopped:
			next = sessmodels.SessionStopped
		}
		updated, err := c.sessions.SetStatus(ctx, run.SessionID, next)
		if err != nil {
			c.logger.WithError(err).Warn("failed to settle session",
				zap.String("session_id", run.SessionID))
		} else {
			session = updated
		}
	}

	c.clearRetries(session.SessionID)
	c.notifyTerminal(ctx, session, run.Error)
}

// notifyTerminal emits the child callback for this session (if it has a
// parent) and flushes any callbacks queued while it was busy.
func (c *Coordinator) notifyTerminal(ctx context.Context, session *sessmodels.Session, runErr *string) {
	if session.ParentSessionID != nil && *session.ParentSessionID != "" {
		notif := &callback.Notification{Status: session.Status, Error: runErr}
		if session.Status == sessmodels.SessionFinished {
			if result, err := c.sessions.GetResult(ctx, session.SessionID); err == nil {
				notif.ResultText = result.ResultText
				notif.ResultData = result.ResultData
			}
		}
		c.callbacks.OnChildTerminal(ctx, session, notif)
	}
	c.callbacks.FlushFor(ctx, session.SessionID)
}

// IngestEvent validates and appends one event. For result events with a
// declared output schema the structured data is enforced, with one
// correction resume before the session is failed.
func (c *Coordinator) IngestEvent(ctx context.Context, sessionID string, event *sessmodels.Event) (*sessmodels.Event, error) {
	if event.Type == sessmodels.EventResult {
		if err := c.enforceOutputSchema(ctx, sessionID, event); err != nil {
			return nil, err
		}
	}

	stored, session, err := c.sessions.AppendEvent(ctx, sessionID, event)
	if err != nil {
		return nil, err
	}

	if session != nil && session.Status.IsTerminal() {
		c.clearRetries(sessionID)
		c.notifyTerminal(ctx, session, nil)
	}
	return stored, nil
}

// enforceOutputSchema validates result_data for sessions whose blueprint
// declares an output schema. A violation consumes the retry budget by
// injecting a correction resume; when the budget is spent the session and
// its active run are failed.
func (c *Coordinator) enforceOutputSchema(ctx context.Context, sessionID string, event *sessmodels.Event) error {
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.AgentName == nil {
		return nil
	}
	bp, err := c.blueprints.Get(ctx, *session.AgentName)
	if err != nil {
		return nil
	}
	compiled, err := c.blueprints.OutputSchema(bp)
	if err != nil || compiled == nil {
		return nil
	}

	verr := compiled.Validate(event.ResultData)
	if verr == nil {
		c.clearRetries(sessionID)
		return nil
	}
	var validation *schema.ValidationError
	if !errors.As(verr, &validation) {
		return verr
	}

	c.retryMu.Lock()
	attempts := c.outputRetries[sessionID]
	c.outputRetries[sessionID] = attempts + 1
	c.retryMu.Unlock()

	log := c.logger.WithSessionID(sessionID).WithFields(zap.Int("attempt", attempts+1))

	if attempts >= outputRetryBudget {
		log.Warn("output schema retry budget exhausted, failing session")
		c.failSessionForOutput(ctx, sessionID)
		return &OutputValidationError{Issues: validation.Issues}
	}

	prompt := retryPrompt(validation, bp.OutputSchema)
	if err := c.SubmitResume(ctx, sessionID, prompt); err != nil {
		log.WithError(err).Error("failed to inject output correction resume")
		return &OutputValidationError{Issues: validation.Issues}
	}
	log.Info("output schema violation, correction resume injected")
	return &OutputValidationError{Issues: validation.Issues, RetryInjected: true}
}

func (c *Coordinator) failSessionForOutput(ctx context.Context, sessionID string) {
	msg := outputExhaustedError
	if active := c.queue.GetActiveBySession(sessionID); active != nil {
		if _, err := c.queue.UpdateStatus(ctx, active.RunID, runmodels.RunFailed, &msg); err != nil {
			c.logger.WithError(err).Warn("failed to fail run for output violation",
				zap.String("run_id", active.RunID))
		}
	}
	session, err := c.sessions.SetStatus(ctx, sessionID, sessmodels.SessionFailed)
	if err != nil {
		c.logger.WithError(err).Warn("failed to fail session for output violation",
			zap.String("session_id", sessionID))
		return
	}
	c.clearRetries(sessionID)
	c.notifyTerminal(ctx, session, &msg)
}

// retryPrompt restates the schema and the violations for the correction
// resume.
func retryPrompt(verr *schema.ValidationError, schemaDoc map[string]interface{}) string {
	var b strings.Builder
	b.WriteString("Your previous result_data did not conform to the required output schema.\n\nValidation errors:\n")
	for _, issue := range verr.Issues {
		fmt.Fprintf(&b, "- %s: %s\n", issue.Path, issue.Message)
	}
	doc, err := json.MarshalIndent(schemaDoc, "", "  ")
	if err == nil {
		b.WriteString("\nThe required schema is:\n```json\n")
		b.Write(doc)
		b.WriteString("\n```\n")
	}
	b.WriteString("\nPlease emit a corrected result whose structured data conforms to the schema.")
	return b.String()
}

// SubmitResume injects a resume run for a session. Implements the
// callback orchestrator's submitter.
func (c *Coordinator) SubmitResume(ctx context.Context, sessionID, prompt string) error {
	_, err := c.CreateRun(ctx, &runmodels.RunCreate{
		Type:       runmodels.TypeResumeSession,
		SessionID:  sessionID,
		Parameters: map[string]interface{}{"prompt": prompt},
	})
	return err
}

// GetRun returns a run, reading through to persistence for terminal runs.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (*runmodels.Run, error) {
	return c.queue.Get(ctx, runID)
}

// ListRuns queries run history.
func (c *Coordinator) ListRuns(ctx context.Context, filter runstore.ListFilter) ([]*runmodels.Run, error) {
	return c.queue.List(ctx, filter)
}

// StopRun requests termination of a run. Pending runs stop immediately;
// claimed or running runs move to stopping and the owning runner is told
// on its next poll.
func (c *Coordinator) StopRun(ctx context.Context, runID string) (*runmodels.Run, error) {
	run, err := c.queue.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is already %s", ErrCannotStop, runID, run.Status)
	}

	if run.Status == runmodels.RunPending {
		stopped, err := c.queue.UpdateStatus(ctx, runID, runmodels.RunStopped, nil)
		if err != nil {
			return nil, err
		}
		c.settleSession(ctx, stopped)
		return stopped, nil
	}

	updated, err := c.queue.UpdateStatus(ctx, runID, runmodels.RunStopping, nil)
	if err != nil {
		return nil, err
	}
	if updated.RunnerID != nil {
		c.registry.EnqueueStop(*updated.RunnerID, runID)
	}
	return updated, nil
}

// StopSession resolves the session's active run and stops it.
func (c *Coordinator) StopSession(ctx context.Context, sessionID string) (*runmodels.Run, error) {
	if _, err := c.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	active := c.queue.GetActiveBySession(sessionID)
	if active == nil {
		return nil, ErrNoActiveRun
	}
	return c.StopRun(ctx, active.RunID)
}

// onQueueTerminal handles runs the queue failed on its own (timeouts and
// recovery).
func (c *Coordinator) onQueueTerminal(ctx context.Context, run *runmodels.Run) {
	c.settleSession(ctx, run)
}

func (c *Coordinator) clearRetries(sessionID string) {
	c.retryMu.Lock()
	delete(c.outputRetries, sessionID)
	c.retryMu.Unlock()
}
