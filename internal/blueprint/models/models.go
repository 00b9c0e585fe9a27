// Package models defines agent blueprint types.
package models

import (
	"fmt"
	"time"

	"github.com/agentor/agentor/internal/capability"
)

// BlueprintType distinguishes prompt-driven agents from fixed-command ones.
type BlueprintType string

const (
	// TypeAutonomous agents take a free-form prompt.
	TypeAutonomous BlueprintType = "autonomous"
	// TypeProcedural agents run a declared command.
	TypeProcedural BlueprintType = "procedural"
)

// BlueprintStatus gates whether new runs may reference a blueprint.
type BlueprintStatus string

const (
	StatusActive   BlueprintStatus = "active"
	StatusInactive BlueprintStatus = "inactive"
)

// Blueprint is a template describing how to run a class of agents.
type Blueprint struct {
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	Type             BlueprintType          `json:"type"`
	SystemPrompt     string                 `json:"system_prompt,omitempty"`
	MCPServers       []string               `json:"mcp_servers,omitempty"`
	Skills           []string               `json:"skills,omitempty"`
	Status           BlueprintStatus        `json:"status"`
	Demands          *capability.Demands    `json:"demands,omitempty"`
	ParametersSchema map[string]interface{} `json:"parameters_schema,omitempty"`
	OutputSchema     map[string]interface{} `json:"output_schema,omitempty"`
	Command          string                 `json:"command,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Validate checks structural constraints before persisting.
func (b *Blueprint) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("blueprint name is required")
	}
	switch b.Type {
	case TypeAutonomous, TypeProcedural:
	default:
		return fmt.Errorf("invalid blueprint type %q", b.Type)
	}
	switch b.Status {
	case StatusActive, StatusInactive:
	default:
		return fmt.Errorf("invalid blueprint status %q", b.Status)
	}
	if b.Type == TypeProcedural && b.Command == "" {
		return fmt.Errorf("procedural blueprint %q requires a command", b.Name)
	}
	return nil
}

// BlueprintUpdate carries the mutable fields for a PATCH. Nil pointers
// leave the stored value untouched.
type BlueprintUpdate struct {
	Description      *string                 `json:"description,omitempty"`
	SystemPrompt     *string                 `json:"system_prompt,omitempty"`
	MCPServers       *[]string               `json:"mcp_servers,omitempty"`
	Skills           *[]string               `json:"skills,omitempty"`
	Demands          *capability.Demands     `json:"demands,omitempty"`
	ParametersSchema *map[string]interface{} `json:"parameters_schema,omitempty"`
	OutputSchema     *map[string]interface{} `json:"output_schema,omitempty"`
	Command          *string                 `json:"command,omitempty"`
}

// Apply merges the update into the blueprint.
func (u *BlueprintUpdate) Apply(b *Blueprint) {
	if u.Description != nil {
		b.Description = *u.Description
	}
	if u.SystemPrompt != nil {
		b.SystemPrompt = *u.SystemPrompt
	}
	if u.MCPServers != nil {
		b.MCPServers = *u.MCPServers
	}
	if u.Skills != nil {
		b.Skills = *u.Skills
	}
	if u.Demands != nil {
		b.Demands = u.Demands
	}
	if u.ParametersSchema != nil {
		b.ParametersSchema = *u.ParametersSchema
	}
	if u.OutputSchema != nil {
		b.OutputSchema = *u.OutputSchema
	}
	if u.Command != nil {
		b.Command = *u.Command
	}
}
