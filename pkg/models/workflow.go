package models

import (
	"slices"
	"time"
)

type NodeType string

const (
	NodeTypeTask     NodeType = "task"
	NodeTypeGateway  NodeType = "gateway"
	NodeTypeTerminal NodeType = "terminal"
)

// Node is a vertex of a workflow graph. Task nodes run Handler, gateway nodes
// only evaluate guards and terminal nodes consume tokens.
type Node struct {
	ID        string         `json:"id"                   yaml:"id"                   validate:"required"`
	Type      NodeType       `json:"type"                 yaml:"type"                 validate:"required,oneof=task gateway terminal"`
	Handler   string         `json:"handler,omitempty"    yaml:"handler,omitempty"`
	Config    map[string]any `json:"config,omitempty"     yaml:"config,omitempty"`
	Join      bool           `json:"join,omitempty"       yaml:"join,omitempty"`
	TimeoutMs int64          `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" validate:"gte=0"`
}

// Edge connects two nodes. An empty Guard is always eligible.
type Edge struct {
	ID    string `json:"id"              yaml:"id"              validate:"required"`
	From  string `json:"from"            yaml:"from"            validate:"required"`
	To    string `json:"to"              yaml:"to"              validate:"required"`
	Guard string `json:"guard,omitempty" yaml:"guard,omitempty"`
}

// WorkflowDefinition is immutable once registered. Instances keep executing
// against the (ID, Version) they started with.
type WorkflowDefinition struct {
	ID          string   `json:"id"                   yaml:"id"                   validate:"required"`
	Version     int      `json:"version"              yaml:"version"              validate:"required,gte=1"`
	Name        string   `json:"name"                 yaml:"name"`
	EntityType  string   `json:"entity_type"          yaml:"entity_type"          validate:"required"`
	StartOn     []string `json:"start_on,omitempty"   yaml:"start_on,omitempty"`
	StartNodeID string   `json:"start_node_id"        yaml:"start_node_id"        validate:"required"`
	Nodes       []Node   `json:"nodes"                yaml:"nodes"                validate:"required,min=1,dive"`
	Edges       []Edge   `json:"edges"                yaml:"edges"                validate:"dive"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" validate:"gte=0"`
}

func (d *WorkflowDefinition) Node(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}

	return Node{}, false
}

// Outgoing returns the edges leaving nodeID in declaration order.
func (d *WorkflowDefinition) Outgoing(nodeID string) []Edge {
	var out []Edge

	for _, e := range d.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}

	return out
}

// Incoming returns the edges entering nodeID in declaration order.
func (d *WorkflowDefinition) Incoming(nodeID string) []Edge {
	var in []Edge

	for _, e := range d.Edges {
		if e.To == nodeID {
			in = append(in, e)
		}
	}

	return in
}

// StartsOn reports whether an event with the given verb starts a new
// instance. Definitions without StartOn start on create.
func (d *WorkflowDefinition) StartsOn(verb string) bool {
	if len(d.StartOn) == 0 {
		return verb == "create"
	}

	return slices.Contains(d.StartOn, verb)
}

type InstanceStatus string

const (
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

func (s InstanceStatus) Terminal() bool {
	return s != InstanceStatusRunning
}

// Token marks one in-flight position within an instance graph.
type Token struct {
	ID         string    `json:"id"`
	NodeID     string    `json:"node_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	ArrivedVia string    `json:"arrived_via,omitempty"`
	Waiting    bool      `json:"waiting,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorkflowInstance tracks one run of a definition for one entity. Revision is
// bumped on every persisted advancement and used for compare-and-swap.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	OrgID             string         `json:"org_id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	EntityType        string         `json:"entity_type"`
	EntityID          string         `json:"entity_id"`
	EntityVersion     int64          `json:"entity_version"`
	Status            InstanceStatus `json:"status"`
	Tokens            []Token        `json:"tokens"`
	Revision          int64          `json:"revision"`
	LastEventID       string         `json:"last_event_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// CurrentNodes returns the distinct node ids that currently hold a token.
func (i *WorkflowInstance) CurrentNodes() []string {
	nodes := make([]string, 0, len(i.Tokens))

	for _, t := range i.Tokens {
		if !slices.Contains(nodes, t.NodeID) {
			nodes = append(nodes, t.NodeID)
		}
	}

	return nodes
}

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// WorkflowStep records one node visit. Steps are append-only.
type WorkflowStep struct {
	ID            string     `json:"id"`
	InstanceID    string     `json:"instance_id"`
	NodeID        string     `json:"node_id"`
	NodeType      NodeType   `json:"node_type"`
	TokenID       string     `json:"token_id"`
	EntityVersion int64      `json:"entity_version"`
	Status        StepStatus `json:"status"`
	ChosenEdgeIDs []string   `json:"chosen_edge_ids"`
	DurationMs    int64      `json:"duration_ms"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
