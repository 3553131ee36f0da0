package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/persistence"
)

type instanceRepository struct {
	state *state
}

func (r *instanceRepository) Insert(_ context.Context, instance *models.WorkflowInstance) error {
	stored, err := clone(instance)
	if err != nil {
		return err
	}

	r.state.Instances[instance.ID] = stored

	return nil
}

func (r *instanceRepository) Get(_ context.Context, id string) (*models.WorkflowInstance, error) {
	stored, ok := r.state.Instances[id]
	if !ok {
		return nil, persistence.NewInstanceError("Get", id, persistence.ErrInstanceNotFound)
	}

	return clone(stored)
}

func (r *instanceRepository) Update(_ context.Context, instance *models.WorkflowInstance, expectedRevision int64) error {
	current, ok := r.state.Instances[instance.ID]
	if !ok {
		return persistence.NewInstanceError("Update", instance.ID, persistence.ErrInstanceNotFound)
	}

	if current.Revision != expectedRevision {
		return persistence.NewInstanceError("Update", instance.ID, persistence.ErrConcurrentAdvance)
	}

	instance.Revision = expectedRevision + 1

	stored, err := clone(instance)
	if err != nil {
		return err
	}

	r.state.Instances[instance.ID] = stored

	return nil
}

func (r *instanceRepository) ListRunningByEntity(_ context.Context, orgID, entityType, entityID string) ([]*models.WorkflowInstance, error) {
	return r.running(func(i *models.WorkflowInstance) bool {
		return i.OrgID == orgID && i.EntityType == entityType && i.EntityID == entityID
	})
}

func (r *instanceRepository) ListRunning(_ context.Context) ([]*models.WorkflowInstance, error) {
	return r.running(func(*models.WorkflowInstance) bool { return true })
}

func (r *instanceRepository) running(match func(*models.WorkflowInstance) bool) ([]*models.WorkflowInstance, error) {
	out := make([]*models.WorkflowInstance, 0)

	for _, i := range r.state.Instances {
		if i.Status == models.InstanceStatusRunning && match(i) {
			out = append(out, i)
		}
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}

		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})

	return clone(out)
}

type stepRepository struct {
	state *state
}

func (r *stepRepository) Append(_ context.Context, step *models.WorkflowStep) error {
	stored, err := clone(step)
	if err != nil {
		return err
	}

	r.state.Steps[step.InstanceID] = append(r.state.Steps[step.InstanceID], stored)

	return nil
}

func (r *stepRepository) ListByInstance(_ context.Context, instanceID string) ([]*models.WorkflowStep, error) {
	steps := r.state.Steps[instanceID]
	if steps == nil {
		steps = []*models.WorkflowStep{}
	}

	return clone(steps)
}

func (r *stepRepository) LastStepAt(_ context.Context, instanceID string) (time.Time, bool, error) {
	var (
		last  time.Time
		found bool
	)

	for _, s := range r.state.Steps[instanceID] {
		if !found || s.CreatedAt.After(last) {
			last = s.CreatedAt
			found = true
		}
	}

	return last, found, nil
}
