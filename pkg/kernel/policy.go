package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

var ErrPolicyDenied = errors.New("action denied by policy")

// Actor is the resolved caller of a kernel operation.
type Actor struct {
	UserID string   `json:"user_id"`
	OrgID  string   `json:"org_id"`
	Roles  []string `json:"roles"`
}

// Policy decides whether an actor may perform an action.
type Policy interface {
	Authorize(ctx context.Context, actor Actor, action ActionType) error
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, Actor, ActionType) error { return nil }

// AllowAll returns a policy that permits every action.
func AllowAll() Policy { return allowAll{} }

// RolePolicy grants action types to roles. Action types absent from Rules are
// allowed for any actor; Wildcard grants every action type of an entity type.
type RolePolicy struct {
	Rules map[string][]string
}

const Wildcard = "*"

func (p RolePolicy) Authorize(_ context.Context, actor Actor, action ActionType) error {
	roles, ok := p.Rules[action.String()]
	if !ok {
		roles, ok = p.Rules[action.EntityType+"."+Wildcard]
	}

	if !ok {
		return nil
	}

	for _, role := range actor.Roles {
		if slices.Contains(roles, role) {
			return nil
		}
	}

	return fmt.Errorf("%w: %s requires one of %v", ErrPolicyDenied, action, roles)
}
