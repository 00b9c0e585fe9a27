// Package service implements agent blueprint management: CRUD, schema
// compilation, and optional YAML seeding at boot.
package service

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentor/agentor/internal/blueprint/models"
	"github.com/agentor/agentor/internal/blueprint/store"
	"github.com/agentor/agentor/internal/capability"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/schema"
)

// Service manages agent blueprints and caches their compiled schemas.
type Service struct {
	store  store.Store
	logger *logger.Logger

	mu       sync.Mutex
	compiled map[string]*compiledSchemas
}

type compiledSchemas struct {
	fingerprint string // updated_at; invalidates on mutation
	parameters  *schema.Schema
	output      *schema.Schema
}

// NewService creates the blueprint service.
func NewService(st store.Store, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		logger:   log.WithFields(zap.String("component", "blueprints")),
		compiled: make(map[string]*compiledSchemas),
	}
}

// Create validates and persists a new blueprint. Declared schemas must
// compile; a blueprint with an uncompilable schema is rejected up front.
func (s *Service) Create(ctx context.Context, bp *models.Blueprint) error {
	if bp.Status == "" {
		bp.Status = models.StatusActive
	}
	if bp.Type == "" {
		bp.Type = models.TypeAutonomous
	}
	if err := bp.Validate(); err != nil {
		return fmt.Errorf("invalid blueprint: %w", err)
	}
	if err := s.checkSchemas(bp); err != nil {
		return err
	}
	if err := s.store.Create(ctx, bp); err != nil {
		return err
	}
	s.logger.Info("blueprint created",
		zap.String("name", bp.Name),
		zap.String("type", string(bp.Type)))
	return nil
}

// Get fetches one blueprint by name.
func (s *Service) Get(ctx context.Context, name string) (*models.Blueprint, error) {
	return s.store.Get(ctx, name)
}

// List returns all blueprints.
func (s *Service) List(ctx context.Context) ([]*models.Blueprint, error) {
	return s.store.List(ctx)
}

// Update applies a patch to an existing blueprint.
func (s *Service) Update(ctx context.Context, name string, update *models.BlueprintUpdate) (*models.Blueprint, error) {
	bp, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	update.Apply(bp)
	if err := bp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid blueprint: %w", err)
	}
	if err := s.checkSchemas(bp); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, bp); err != nil {
		return nil, err
	}
	s.invalidate(name)
	return bp, nil
}

// SetStatus activates or deactivates a blueprint.
func (s *Service) SetStatus(ctx context.Context, name string, status models.BlueprintStatus) error {
	switch status {
	case models.StatusActive, models.StatusInactive:
	default:
		return fmt.Errorf("invalid blueprint status %q", status)
	}
	if err := s.store.SetStatus(ctx, name, status); err != nil {
		return err
	}
	s.invalidate(name)
	return nil
}

// Delete removes a blueprint.
func (s *Service) Delete(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, name); err != nil {
		return err
	}
	s.invalidate(name)
	return nil
}

// ParametersSchema returns the compiled effective parameters schema: the
// declared one, or the implicit autonomous prompt schema for autonomous
// blueprints without one. Procedural blueprints without a declared schema
// accept any parameters (nil schema).
func (s *Service) ParametersSchema(bp *models.Blueprint) (*schema.Schema, error) {
	if bp.ParametersSchema == nil && bp.Type != models.TypeAutonomous {
		return nil, nil
	}
	entry, err := s.schemasFor(bp)
	if err != nil {
		return nil, err
	}
	return entry.parameters, nil
}

// OutputSchema returns the compiled output schema, or nil when none declared.
func (s *Service) OutputSchema(bp *models.Blueprint) (*schema.Schema, error) {
	if bp.OutputSchema == nil {
		return nil, nil
	}
	entry, err := s.schemasFor(bp)
	if err != nil {
		return nil, err
	}
	return entry.output, nil
}

// EffectiveParametersDoc returns the raw schema document used for the 400
// response body on parameter validation failure.
func (s *Service) EffectiveParametersDoc(bp *models.Blueprint) map[string]interface{} {
	if bp.ParametersSchema != nil {
		return bp.ParametersSchema
	}
	if bp.Type == models.TypeAutonomous {
		return schema.AutonomousParametersSchema()
	}
	return nil
}

func (s *Service) schemasFor(bp *models.Blueprint) (*compiledSchemas, error) {
	fingerprint := bp.UpdatedAt.UTC().String()

	s.mu.Lock()
	entry, ok := s.compiled[bp.Name]
	if ok && entry.fingerprint == fingerprint {
		s.mu.Unlock()
		return entry, nil
	}
	s.mu.Unlock()

	entry = &compiledSchemas{fingerprint: fingerprint}

	paramsDoc := s.EffectiveParametersDoc(bp)
	if paramsDoc != nil {
		compiled, err := schema.Compile(bp.Name+"/parameters.json", paramsDoc)
		if err != nil {
			return nil, fmt.Errorf("blueprint %s parameters_schema: %w", bp.Name, err)
		}
		entry.parameters = compiled
	}
	if bp.OutputSchema != nil {
		compiled, err := schema.Compile(bp.Name+"/output.json", bp.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("blueprint %s output_schema: %w", bp.Name, err)
		}
		entry.output = compiled
	}

	s.mu.Lock()
	s.compiled[bp.Name] = entry
	s.mu.Unlock()
	return entry, nil
}

func (s *Service) checkSchemas(bp *models.Blueprint) error {
	if bp.ParametersSchema != nil {
		if _, err := schema.Compile(bp.Name+"/parameters.json", bp.ParametersSchema); err != nil {
			return fmt.Errorf("parameters_schema does not compile: %w", err)
		}
	}
	if bp.OutputSchema != nil {
		if _, err := schema.Compile(bp.Name+"/output.json", bp.OutputSchema); err != nil {
			return fmt.Errorf("output_schema does not compile: %w", err)
		}
	}
	return nil
}

func (s *Service) invalidate(name string) {
	s.mu.Lock()
	delete(s.compiled, name)
	s.mu.Unlock()
}

// seedFile is the YAML layout for AGENTOR_BLUEPRINTS_FILE.
type seedFile struct {
	Agents []seedBlueprint `yaml:"agents"`
}

type seedBlueprint struct {
	Name             string                 `yaml:"name"`
	Description      string                 `yaml:"description"`
	Type             string                 `yaml:"type"`
	SystemPrompt     string                 `yaml:"system_prompt"`
	MCPServers       []string               `yaml:"mcp_servers"`
	Skills           []string               `yaml:"skills"`
	Status           string                 `yaml:"status"`
	Demands          *capability.Demands    `yaml:"demands"`
	ParametersSchema map[string]interface{} `yaml:"parameters_schema"`
	OutputSchema     map[string]interface{} `yaml:"output_schema"`
	Command          string                 `yaml:"command"`
}

func (sb *seedBlueprint) toModel() *models.Blueprint {
	return &models.Blueprint{
		Name:             sb.Name,
		Description:      sb.Description,
		Type:             models.BlueprintType(sb.Type),
		SystemPrompt:     sb.SystemPrompt,
		MCPServers:       sb.MCPServers,
		Skills:           sb.Skills,
		Status:           models.BlueprintStatus(sb.Status),
		Demands:          sb.Demands,
		ParametersSchema: normalizeYAMLMap(sb.ParametersSchema),
		OutputSchema:     normalizeYAMLMap(sb.OutputSchema),
		Command:          sb.Command,
	}
}

// normalizeYAMLMap rewrites map[interface{}]interface{} values produced by
// YAML decoding into the string-keyed maps the schema compiler expects.
func normalizeYAMLMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return normalizeYAMLMap(val)
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = normalizeYAMLValue(inner)
		}
		return out
	default:
		return v
	}
}

// SeedFromFile loads blueprints from a YAML file, creating any that do not
// already exist. Existing blueprints are left untouched so local edits
// survive restarts.
func (s *Service) SeedFromFile(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read blueprint seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse blueprint seed file: %w", err)
	}

	for i := range seed.Agents {
		bp := seed.Agents[i].toModel()
		if _, err := s.store.Get(ctx, bp.Name); err == nil {
			continue
		}
		if err := s.Create(ctx, bp); err != nil {
			s.logger.Warn("failed to seed blueprint",
				zap.String("name", bp.Name),
				zap.Error(err))
			continue
		}
		s.logger.Info("seeded blueprint", zap.String("name", bp.Name))
	}
	return nil
}
