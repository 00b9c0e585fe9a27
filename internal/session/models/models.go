// Package models defines sessions and their append-only event log.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionRunning  SessionStatus = "running"
	SessionFinished SessionStatus = "finished"
	SessionStopped  SessionStatus = "stopped"
	SessionFailed   SessionStatus = "failed"
)

// IsTerminal reports whether no further runs can mutate the session.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionFinished || s == SessionStopped || s == SessionFailed
}

// Session is the agent conversation state. One session may be driven by
// many runs over time (a start plus any number of resumes).
type Session struct {
	SessionID       string        `json:"session_id" db:"session_id"`
	SessionName     *string       `json:"session_name,omitempty" db:"session_name"`
	Status          SessionStatus `json:"status" db:"status"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	LastResumedAt   *time.Time    `json:"last_resumed_at,omitempty" db:"last_resumed_at"`
	ProjectDir      *string       `json:"project_dir,omitempty" db:"project_dir"`
	AgentName       *string       `json:"agent_name,omitempty" db:"agent_name"`
	ParentSessionID *string       `json:"parent_session_id,omitempty" db:"parent_session_id"`
}

// NewSessionID allocates a prefixed session identifier.
func NewSessionID() string {
	return "ses_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:20]
}

// EventType identifies the payload shape of a session event.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventPreTool      EventType = "pre_tool"
	EventPostTool     EventType = "post_tool"
	EventMessage      EventType = "message"
	EventResult       EventType = "result"
	EventSessionStop  EventType = "session_stop"
)

// Event is one append-only entry in a session's log. Exactly the fields
// relevant to its type are populated; the rest stay nil.
type Event struct {
	ID         int64       `json:"id"`
	SessionID  string      `json:"session_id"`
	Type       EventType   `json:"event_type"`
	Timestamp  time.Time   `json:"timestamp"`
	ToolName   *string     `json:"tool_name,omitempty"`
	ToolInput  interface{} `json:"tool_input,omitempty"`
	ToolOutput interface{} `json:"tool_output,omitempty"`
	Error      *string     `json:"error,omitempty"`
	ExitCode   *int        `json:"exit_code,omitempty"`
	Reason     *string     `json:"reason,omitempty"`
	Role       *string     `json:"role,omitempty"`
	Content    interface{} `json:"content,omitempty"`
	ResultText *string     `json:"result_text,omitempty"`
	ResultData interface{} `json:"result_data,omitempty"`
}

// Validate enforces the required payload fields per event type.
func (e *Event) Validate() error {
	switch e.Type {
	case EventSessionStart:
		return nil
	case EventPreTool:
		if e.ToolName == nil || *e.ToolName == "" {
			return fmt.Errorf("pre_tool event requires tool_name")
		}
		if e.ToolInput == nil {
			return fmt.Errorf("pre_tool event requires tool_input")
		}
	case EventPostTool:
		if e.ToolName == nil || *e.ToolName == "" {
			return fmt.Errorf("post_tool event requires tool_name")
		}
		if e.ToolInput == nil {
			return fmt.Errorf("post_tool event requires tool_input")
		}
		if e.ToolOutput == nil {
			return fmt.Errorf("post_tool event requires tool_output")
		}
	case EventMessage:
		if e.Role == nil || (*e.Role != "user" && *e.Role != "assistant") {
			return fmt.Errorf("message event requires role user or assistant")
		}
		blocks, ok := e.Content.([]interface{})
		if !ok || len(blocks) == 0 {
			return fmt.Errorf("message event requires a content block array")
		}
		for _, raw := range blocks {
			block, ok := raw.(map[string]interface{})
			if !ok {
				return fmt.Errorf("message event requires object content blocks")
			}
			blockType, _ := block["type"].(string)
			if blockType == "" {
				return fmt.Errorf("message content block requires a type")
			}
			if blockType == "text" {
				if _, ok := block["text"].(string); !ok {
					return fmt.Errorf("text content block requires text")
				}
			}
		}
	case EventResult:
		// Either field may be null; a result with neither carries no outcome.
		if e.ResultText == nil && e.ResultData == nil {
			return fmt.Errorf("result event requires result_text or result_data")
		}
	case EventSessionStop:
		if e.ExitCode == nil {
			return fmt.Errorf("session_stop event requires exit_code")
		}
		if e.Reason == nil || *e.Reason == "" {
			return fmt.Errorf("session_stop event requires reason")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// Result is the structured outcome of a session, taken from its most
// recent result event.
type Result struct {
	ResultText *string     `json:"result_text"`
	ResultData interface{} `json:"result_data"`
}
