package kernel

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const (
	DefaultStatusField   = "status"
	DefaultInitialStatus = "draft"
)

var (
	ErrUnknownEntityType  = errors.New("unknown entity type")
	ErrDuplicateKind      = errors.New("entity kind registered twice")
	ErrInvalidKind        = errors.New("invalid entity kind")
	ErrMissingTransition  = errors.New("transition verb has no transition rule")
	ErrOrphanedTransition = errors.New("transition rule for an unsupported verb")
)

// Transition moves an entity whose status is one of From to To.
type Transition struct {
	From []string `json:"from" yaml:"from"`
	To   string   `json:"to"   yaml:"to"`
}

// EffectRule enqueues a side effect whenever the kind commits one of the
// listed verbs.
type EffectRule struct {
	On      []Verb `json:"on"      yaml:"on"`
	Channel string `json:"channel" yaml:"channel"`
	Name    string `json:"name"    yaml:"name"`
}

// EntityKind declares everything the kernel knows about one entity type.
// Verbs is the single source of its supported action types.
type EntityKind struct {
	Type          string                `json:"type"                     yaml:"type"`
	Verbs         []Verb                `json:"verbs"                    yaml:"verbs"`
	StatusField   string                `json:"status_field,omitempty"   yaml:"status_field,omitempty"`
	InitialStatus string                `json:"initial_status,omitempty" yaml:"initial_status,omitempty"`
	Transitions   map[string]Transition `json:"transitions,omitempty"    yaml:"transitions,omitempty"`
	Schema        map[string]any        `json:"schema,omitempty"         yaml:"schema,omitempty"`
	Effects       []EffectRule          `json:"effects,omitempty"        yaml:"effects,omitempty"`

	schema *gojsonschema.Schema
}

func (k *EntityKind) Supports(verb Verb) bool {
	return slices.Contains(k.Verbs, verb)
}

// TransitionFor returns the rule for a transition verb.
func (k *EntityKind) TransitionFor(verb Verb) (Transition, bool) {
	t, ok := k.Transitions[verb.String()]

	return t, ok
}

func (k *EntityKind) prepare() error {
	if k.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidKind)
	}

	if len(k.Verbs) == 0 {
		return fmt.Errorf("%w: %s declares no verbs", ErrInvalidKind, k.Type)
	}

	if k.StatusField == "" {
		k.StatusField = DefaultStatusField
	}

	if k.InitialStatus == "" {
		k.InitialStatus = DefaultInitialStatus
	}

	seen := map[Verb]bool{}

	for _, v := range k.Verbs {
		if !v.Valid() {
			return fmt.Errorf("%w: %s declares %s", ErrInvalidKind, k.Type, v)
		}

		if seen[v] {
			return fmt.Errorf("%w: %s declares %s twice", ErrInvalidKind, k.Type, v)
		}

		seen[v] = true

		if _, ok := k.TransitionFor(v); v.Transition() && !ok {
			return fmt.Errorf("%s.%s: %w", k.Type, v, ErrMissingTransition)
		}
	}

	for name, t := range k.Transitions {
		verb, err := ParseVerb(name)
		if err != nil || !verb.Transition() || !seen[verb] {
			return fmt.Errorf("%s.%s: %w", k.Type, name, ErrOrphanedTransition)
		}

		if t.To == "" || len(t.From) == 0 {
			return fmt.Errorf("%w: %s.%s needs from and to", ErrInvalidKind, k.Type, name)
		}
	}

	for _, e := range k.Effects {
		if e.Channel == "" || e.Name == "" || len(e.On) == 0 {
			return fmt.Errorf("%w: %s effect requires on, channel and name", ErrInvalidKind, k.Type)
		}
	}

	if k.Schema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(k.Schema))
		if err != nil {
			return fmt.Errorf("%w: %s schema: %v", ErrInvalidKind, k.Type, err)
		}

		k.schema = schema
	}

	return nil
}

// validateFields checks fields against the kind schema, returning a message
// per failing field.
func (k *EntityKind) validateFields(fields map[string]any) (map[string]string, error) {
	if k.schema == nil {
		return nil, nil
	}

	result, err := k.schema.Validate(gojsonschema.NewGoLoader(fields))
	if err != nil {
		return nil, fmt.Errorf("failed to validate fields: %w", err)
	}

	if result.Valid() {
		return nil, nil
	}

	errs := make(map[string]string, len(result.Errors()))

	for _, e := range result.Errors() {
		field := e.Field()
		if field == "(root)" {
			if prop, ok := e.Details()["property"].(string); ok {
				field = prop
			}
		}

		errs[field] = e.Description()
	}

	return errs, nil
}

// Catalog is the immutable set of entity kinds known to a kernel.
type Catalog struct {
	kinds map[string]*EntityKind
}

func NewCatalog(kinds ...EntityKind) (*Catalog, error) {
	c := &Catalog{kinds: make(map[string]*EntityKind, len(kinds))}

	for i := range kinds {
		kind := kinds[i]

		if _, exists := c.kinds[kind.Type]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKind, kind.Type)
		}

		if err := kind.prepare(); err != nil {
			return nil, err
		}

		c.kinds[kind.Type] = &kind
	}

	return c, nil
}

func (c *Catalog) Kind(entityType string) (*EntityKind, error) {
	kind, ok := c.kinds[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}

	return kind, nil
}

// ActionTypes lists every supported action type, ordered by entity type and
// then verb.
func (c *Catalog) ActionTypes() []ActionType {
	types := make([]string, 0, len(c.kinds))
	for t := range c.kinds {
		types = append(types, t)
	}

	sort.Strings(types)

	var out []ActionType

	for _, t := range types {
		for _, v := range Verbs() {
			if c.kinds[t].Supports(v) {
				out = append(out, NewActionType(t, v))
			}
		}
	}

	return out
}

// Supports reports whether at names a registered kind and one of its verbs.
func (c *Catalog) Supports(at ActionType) bool {
	kind, ok := c.kinds[at.EntityType]

	return ok && kind.Supports(at.Verb)
}

type kindsFile struct {
	Kinds []EntityKind `yaml:"kinds"`
}

// LoadCatalog reads entity kinds from a YAML file shaped as `kinds: [...]`.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read kinds file %s: %w", path, err)
	}

	var file kindsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse kinds file %s: %w", path, err)
	}

	return NewCatalog(file.Kinds...)
}
