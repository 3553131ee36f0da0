// Package web provides HTTP request and response types for the kernelflow API.
package web

import (
	"github.com/dukex/kernelflow/pkg/kernel"
	"github.com/dukex/kernelflow/pkg/models"
)

// MutationRequest is the body of POST /entities/:type/mutations. The entity
// type comes from the path.
type MutationRequest struct {
	Verb            string         `json:"verb"                       validate:"required"`
	EntityID        string         `json:"entity_id,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	ExpectedVersion int64          `json:"expected_version,omitempty" validate:"gte=0"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"  validate:"omitempty,max=255"`
}

// Spec turns the request into a kernel mutation for entityType.
func (r MutationRequest) Spec(entityType string) (kernel.MutationSpec, error) {
	verb, err := kernel.ParseVerb(r.Verb)
	if err != nil {
		return kernel.MutationSpec{}, err
	}

	return kernel.MutationSpec{
		ActionType:      kernel.NewActionType(entityType, verb),
		Ref:             models.EntityRef{EntityType: entityType, EntityID: r.EntityID},
		Input:           r.Input,
		ExpectedVersion: r.ExpectedVersion,
		IdempotencyKey:  r.IdempotencyKey,
	}, nil
}

// RequeueResponse is returned after a dead-lettered outbox row is requeued.
type RequeueResponse struct {
	ID     string              `json:"id"`
	Status models.OutboxStatus `json:"status"`
}
