// Package task tracks per-stage reviewer assignments and answers whether
// every reviewer of a stage has finished.
package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/docflow/model"
)

// Filter selects review tasks. Empty fields match everything.
type Filter struct {
	InstanceID   string
	StageID      string
	AssignedToID string
	Status       model.TaskStatus
}

// Matches reports whether t satisfies the filter.
func (f Filter) Matches(t model.ReviewTask) bool {
	if f.InstanceID != "" && t.InstanceID != f.InstanceID {
		return false
	}
	if f.StageID != "" && t.StageID != f.StageID {
		return false
	}
	if f.AssignedToID != "" && t.AssignedToID != f.AssignedToID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

// Store persists review tasks. ListTasks returns tasks in creation order.
type Store interface {
	InsertTask(ctx context.Context, t model.ReviewTask) error
	GetTask(ctx context.Context, id string) (model.ReviewTask, error)
	UpdateTask(ctx context.Context, t model.ReviewTask) error
	ListTasks(ctx context.Context, f Filter) ([]model.ReviewTask, error)
}

// Ledger owns review task status transitions. It is cheap to construct and
// is usually bound to a store transaction for the duration of one
// operation.
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger creates a Ledger over store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Assign gives each reviewer a PENDING task for the stage. A reviewer that
// already holds a PENDING task for the stage keeps it; a reviewer whose only
// tasks are COMPLETED gets a fresh one. The returned slice has one task per
// distinct reviewer, in argument order.
func (l *Ledger) Assign(ctx context.Context, instanceID, stageID string, reviewerIDs []string) ([]model.ReviewTask, error) {
	if instanceID == "" || stageID == "" {
		return nil, model.NewBadRequestError("instance id and stage id are required")
	}
	if len(reviewerIDs) == 0 {
		return nil, model.NewBadRequestError("at least one reviewer id is required")
	}

	pending, err := l.store.ListTasks(ctx, Filter{InstanceID: instanceID, StageID: stageID, Status: model.TaskPending})
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	byReviewer := make(map[string]model.ReviewTask, len(pending))
	for _, t := range pending {
		byReviewer[t.AssignedToID] = t
	}

	result := make([]model.ReviewTask, 0, len(reviewerIDs))
	seen := make(map[string]bool, len(reviewerIDs))
	for _, raw := range reviewerIDs {
		reviewer := strings.TrimSpace(raw)
		if reviewer == "" {
			return nil, model.NewBadRequestError("reviewer id must not be blank")
		}
		if seen[reviewer] {
			continue
		}
		seen[reviewer] = true

		if existing, ok := byReviewer[reviewer]; ok {
			result = append(result, existing)
			continue
		}

		t := model.ReviewTask{
			ID:           uuid.New().String(),
			InstanceID:   instanceID,
			StageID:      stageID,
			AssignedToID: reviewer,
			Status:       model.TaskPending,
			CreatedAt:    l.now(),
		}
		if err := l.store.InsertTask(ctx, t); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, nil
}

// Complete records the assignee's decision and closes the task. Completing
// an already COMPLETED task is a CONFLICT.
func (l *Ledger) Complete(ctx context.Context, taskID, decision string) (model.ReviewTask, error) {
	t, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return model.ReviewTask{}, err
	}
	if t.Status == model.TaskCompleted {
		return model.ReviewTask{}, model.NewConflictError(
			fmt.Sprintf("review task %q is already completed", taskID),
		)
	}

	now := l.now()
	t.Status = model.TaskCompleted
	t.Decision = strings.TrimSpace(decision)
	t.CompletedAt = &now
	if err := l.store.UpdateTask(ctx, t); err != nil {
		return model.ReviewTask{}, err
	}
	return t, nil
}

// StageProgress counts the tasks of one stage and lists the reviewers that
// still hold a PENDING task.
func (l *Ledger) StageProgress(ctx context.Context, instanceID, stageID string) (model.StageProgress, error) {
	tasks, err := l.store.ListTasks(ctx, Filter{InstanceID: instanceID, StageID: stageID})
	if err != nil {
		return model.StageProgress{}, fmt.Errorf("list stage tasks: %w", err)
	}

	p := model.StageProgress{InstanceID: instanceID, StageID: stageID, Total: len(tasks)}
	pending := make(map[string]bool)
	for _, t := range tasks {
		if t.Status == model.TaskCompleted {
			p.Completed++
			continue
		}
		pending[t.AssignedToID] = true
	}
	for id := range pending {
		p.Pending = append(p.Pending, id)
	}
	sort.Strings(p.Pending)
	return p, nil
}

// IsStageComplete reports whether at least one task exists for the stage
// and every one of them is COMPLETED. A stage nobody was assigned to is
// never complete by this rule.
func (l *Ledger) IsStageComplete(ctx context.Context, instanceID, stageID string) (bool, error) {
	p, err := l.StageProgress(ctx, instanceID, stageID)
	if err != nil {
		return false, err
	}
	return p.Complete(), nil
}

// ListByInstance returns every task of an instance in creation order.
func (l *Ledger) ListByInstance(ctx context.Context, instanceID string) ([]model.ReviewTask, error) {
	return l.store.ListTasks(ctx, Filter{InstanceID: instanceID})
}

// ListByAssignee returns the PENDING tasks assigned to a reviewer.
func (l *Ledger) ListByAssignee(ctx context.Context, reviewerID string) ([]model.ReviewTask, error) {
	if reviewerID == "" {
		return nil, model.NewBadRequestError("assignee is required")
	}
	return l.store.ListTasks(ctx, Filter{AssignedToID: reviewerID, Status: model.TaskPending})
}
