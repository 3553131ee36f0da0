package workflow

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/protocol"
	"github.com/go-playground/validator/v10"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidDefinition  = errors.New("invalid workflow definition")
	ErrDefinitionExists   = errors.New("workflow definition already registered")
	ErrDefinitionNotFound = errors.New("workflow definition not found")
)

// HandlerRegistry resolves the handler reference of a task node.
type HandlerRegistry interface {
	Has(id string) bool
	CreateHandler(id string, config map[string]any) (protocol.Handler, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// compiledDefinition is a registered definition with its guards compiled.
type compiledDefinition struct {
	*models.WorkflowDefinition

	guards map[string]*guard
}

// Registry holds immutable workflow definitions keyed by (ID, Version).
type Registry struct {
	mu       sync.RWMutex
	env      *cel.Env
	handlers HandlerRegistry
	defs     map[string]map[int]*compiledDefinition
}

func NewDefinitionRegistry(handlers HandlerRegistry) (*Registry, error) {
	env, err := newGuardEnv()
	if err != nil {
		return nil, err
	}

	return &Registry{
		env:      env,
		handlers: handlers,
		defs:     make(map[string]map[int]*compiledDefinition),
	}, nil
}

// Register validates def and stores a copy. A (ID, Version) pair can only be
// registered once.
func (r *Registry) Register(def models.WorkflowDefinition) error {
	compiled, err := r.compile(&def)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.defs[def.ID]
	if !ok {
		versions = make(map[int]*compiledDefinition)
		r.defs[def.ID] = versions
	}

	if _, exists := versions[def.Version]; exists {
		return fmt.Errorf("%w: %s v%d", ErrDefinitionExists, def.ID, def.Version)
	}

	versions[def.Version] = compiled

	return nil
}

// ValidateDefinition checks def without registering it.
func (r *Registry) ValidateDefinition(def models.WorkflowDefinition) error {
	_, err := r.compile(&def)

	return err
}

func (r *Registry) Get(id string, version int) (*models.WorkflowDefinition, error) {
	def, err := r.get(id, version)
	if err != nil {
		return nil, err
	}

	return def.WorkflowDefinition, nil
}

func (r *Registry) get(id string, version int) (*compiledDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id][version]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrDefinitionNotFound, id, version)
	}

	return def, nil
}

// forEntityType returns the latest version of every definition bound to
// entityType, ordered by ID.
func (r *Registry) forEntityType(entityType string) []*compiledDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*compiledDefinition

	for _, versions := range r.defs {
		var latest *compiledDefinition

		for _, def := range versions {
			if latest == nil || def.Version > latest.Version {
				latest = def
			}
		}

		if latest != nil && latest.EntityType == entityType {
			out = append(out, latest)
		}
	}

	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })

	return out
}

func (r *Registry) compile(def *models.WorkflowDefinition) (*compiledDefinition, error) {
	if err := validate.Struct(def); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	nodes := make(map[string]models.Node, len(def.Nodes))
	terminals := 0

	for _, n := range def.Nodes {
		if n.Type == models.NodeTypeTerminal {
			terminals++
		}

		if _, dup := nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %q", ErrInvalidDefinition, n.ID)
		}

		nodes[n.ID] = n

		if n.Type == models.NodeTypeTask {
			if n.Handler == "" {
				return nil, fmt.Errorf("%w: task node %q has no handler", ErrInvalidDefinition, n.ID)
			}

			if r.handlers != nil && !r.handlers.Has(n.Handler) {
				return nil, fmt.Errorf("%w: node %q references unknown handler %q", ErrInvalidDefinition, n.ID, n.Handler)
			}
		}
	}

	if terminals == 0 {
		return nil, fmt.Errorf("%w: definition has no terminal node", ErrInvalidDefinition)
	}

	if _, ok := nodes[def.StartNodeID]; !ok {
		return nil, fmt.Errorf("%w: start node %q does not exist", ErrInvalidDefinition, def.StartNodeID)
	}

	compiled := &compiledDefinition{guards: make(map[string]*guard)}
	edgeIDs := make(map[string]bool, len(def.Edges))

	for _, e := range def.Edges {
		if edgeIDs[e.ID] {
			return nil, fmt.Errorf("%w: duplicate edge %q", ErrInvalidDefinition, e.ID)
		}

		edgeIDs[e.ID] = true

		from, ok := nodes[e.From]
		if !ok {
			return nil, fmt.Errorf("%w: edge %q leaves unknown node %q", ErrInvalidDefinition, e.ID, e.From)
		}

		if from.Type == models.NodeTypeTerminal {
			return nil, fmt.Errorf("%w: edge %q leaves terminal node %q", ErrInvalidDefinition, e.ID, e.From)
		}

		if _, ok := nodes[e.To]; !ok {
			return nil, fmt.Errorf("%w: edge %q enters unknown node %q", ErrInvalidDefinition, e.ID, e.To)
		}

		if e.Guard == "" {
			continue
		}

		g, err := compileGuard(r.env, e.Guard)
		if err != nil {
			return nil, fmt.Errorf("%w: edge %q: %w", ErrInvalidDefinition, e.ID, err)
		}

		compiled.guards[e.ID] = g
	}

	stored := *def
	stored.Nodes = append([]models.Node(nil), def.Nodes...)
	stored.Edges = append([]models.Edge(nil), def.Edges...)
	stored.StartOn = append([]string(nil), def.StartOn...)
	compiled.WorkflowDefinition = &stored

	return compiled, nil
}

type definitionFile struct {
	Definitions []models.WorkflowDefinition `yaml:"definitions"`
}

// LoadDefinitions registers every definition listed under `definitions:` in
// the YAML file at path.
func (r *Registry) LoadDefinitions(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read definitions: %w", err)
	}

	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse definitions %s: %w", path, err)
	}

	for _, def := range file.Definitions {
		if err := r.Register(def); err != nil {
			return err
		}
	}

	return nil
}
