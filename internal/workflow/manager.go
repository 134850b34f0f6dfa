// Package workflow drives documents through the ordered review stages of a
// workflow definition. Manager is the state machine; Service exposes it to
// callers identified by actor id.
package workflow

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/docflow/internal/definition"
	"github.com/pitabwire/docflow/internal/history"
	"github.com/pitabwire/docflow/internal/observability"
	"github.com/pitabwire/docflow/internal/role"
	"github.com/pitabwire/docflow/internal/store"
	"github.com/pitabwire/docflow/internal/task"
	"github.com/pitabwire/docflow/model"
)

// Result is the outcome of a mutating Manager operation.
type Result struct {
	Instance model.WorkflowInstance `json:"instance"`
	Event    *model.TransitionEvent `json:"event,omitempty"`
	// Tasks are the review tasks assigned on entering the new stage.
	Tasks []model.ReviewTask `json:"tasks,omitempty"`
	// Replayed reports that the store already held the requested end state
	// and nothing was written.
	Replayed bool `json:"replayed,omitempty"`
}

// StartRequest starts a workflow on a document.
type StartRequest struct {
	DocumentID string
	WorkflowID string
	Actor      model.Actor
	Metadata   map[string]any
}

// AdvanceRequest moves an instance to its next stage. ExpectedVersion is the
// instance version the caller acted on; zero means the version read at the
// start of the call.
type AdvanceRequest struct {
	InstanceID      string
	Actor           model.Actor
	Action          string
	Metadata        map[string]any
	Reviewers       []string
	ExpectedVersion int
}

// MoveBackwardRequest returns an instance to an earlier stage.
type MoveBackwardRequest struct {
	InstanceID      string
	Actor           model.Actor
	TargetStageID   string
	Metadata        map[string]any
	ExpectedVersion int
}

// ResetRequest deactivates the active instance of a document.
type ResetRequest struct {
	DocumentID string
	Actor      model.Actor
	Metadata   map[string]any
}

// Manager owns instance and history writes. Every mutation runs as one
// store transaction and publishes its events only after commit.
type Manager struct {
	registry  *definition.Registry
	store     store.Store
	gate      *role.Gate
	publisher history.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher sets the sink for committed transition events.
func WithPublisher(p history.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager.
func NewManager(registry *definition.Registry, st store.Store, gate *role.Gate, opts ...Option) *Manager {
	m := &Manager{
		registry:  registry,
		store:     st,
		gate:      gate,
		publisher: history.NopPublisher{},
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates an instance at the starting stage of a workflow and records
// START. The store rejects the insert when the document already has an
// active instance.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Result, error) {
	// 1. Validate request.
	if req.DocumentID == "" || req.WorkflowID == "" {
		return Result{}, model.NewBadRequestError("document id and workflow id are required")
	}
	if req.Actor.ID == "" {
		return Result{}, model.NewBadRequestError("actor id is required")
	}

	// 2. Look up workflow definition.
	def, err := m.registry.MustGet(req.WorkflowID)
	if err != nil {
		return Result{}, err
	}

	// 3. Check start roles.
	if len(def.StartRoles) > 0 {
		subject := fmt.Sprintf("starting workflow %q", def.ID)
		if err := m.gate.AuthorizeFor(subject, def.StartRoles, req.Actor.Role); err != nil {
			return Result{}, err
		}
	}

	first := definition.StartingStage(def)
	now := m.now()
	inst := model.WorkflowInstance{
		ID:                 uuid.New().String(),
		DocumentID:         req.DocumentID,
		WorkflowID:         def.ID,
		DefinitionChecksum: def.Checksum,
		CurrentStageID:     first.ID,
		IsActive:           true,
		Metadata:           maps.Clone(req.Metadata),
		CreatedAt:          now,
		UpdatedAt:          now,
		Version:            1,
	}

	var res Result
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		// 4. Insert; the store enforces one active instance per document.
		if err := tx.InsertInstance(ctx, inst); err != nil {
			return err
		}

		// 5. Append START.
		ev, err := history.NewRecorder(tx).Append(ctx, model.TransitionEvent{
			InstanceID:  inst.ID,
			DocumentID:  inst.DocumentID,
			ToStageID:   first.ID,
			Action:      model.ActionStart,
			PerformedBy: req.Actor.ID,
			Metadata:    maps.Clone(req.Metadata),
			Timestamp:   now,
		})
		if err != nil {
			return err
		}

		// 6. Assign the starting stage's reviewers.
		tasks, err := assignOnEntry(ctx, task.NewLedger(tx), inst.ID, first, nil)
		if err != nil {
			return err
		}

		res = Result{Instance: inst, Event: &ev, Tasks: tasks}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	m.logger.Info("workflow started", observability.TransitionFields(res.Instance, *res.Event, req.Actor.ID)...)
	m.publish(ctx, *res.Event)
	return res, nil
}

// Advance moves an instance to the next stage by order, or completes it when
// the current stage has no next stage. The current stage must admit the
// actor's role and, when it carries review tasks, every task must be
// completed.
func (m *Manager) Advance(ctx context.Context, req AdvanceRequest) (Result, error) {
	if req.Actor.ID == "" {
		return Result{}, model.NewBadRequestError("actor id is required")
	}

	// 1. Read the version the caller acts on.
	expected, err := m.expectedVersion(ctx, req.InstanceID, req.ExpectedVersion)
	if err != nil {
		return Result{}, err
	}

	var res Result
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		// 2. Lock instance and check version.
		inst, err := tx.LockInstance(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		if inst.Version != expected {
			res, err = m.replay(ctx, tx, inst, expected, req.Actor, advanceTarget)
			return err
		}

		// 3. Verify status.
		if !inst.IsActive {
			return notActive(inst)
		}

		// 4. Look up definition and current stage.
		def, stage, err := m.stageOf(inst)
		if err != nil {
			return err
		}

		// 5. Check role and action label.
		if err := m.gate.Authorize(stage, req.Actor.Role); err != nil {
			return err
		}
		if !stage.AcceptsAction(req.Action) {
			return model.NewBadRequestError(fmt.Sprintf(
				"stage %q does not accept action %q (allowed: %s)",
				stage.ID, req.Action, strings.Join(stage.Actions, ", "),
			))
		}

		// 6. Require review completion.
		ledger := task.NewLedger(tx)
		if err := requireReviews(ctx, ledger, inst.ID, stage); err != nil {
			return err
		}

		// 7. Apply transition.
		action, target := advanceTarget(def, stage.ID)
		now := m.now()
		inst.UpdatedAt = now
		if action == model.ActionComplete {
			inst.IsActive = false
			inst.CompletedAt = &now
		} else {
			inst.CurrentStageID = target
		}
		updated, err := tx.UpdateInstance(ctx, inst)
		if err != nil {
			return err
		}

		// 8. Append event.
		ev, err := history.NewRecorder(tx).Append(ctx, model.TransitionEvent{
			InstanceID:  inst.ID,
			DocumentID:  inst.DocumentID,
			FromStageID: stage.ID,
			ToStageID:   target,
			Action:      action,
			Label:       req.Action,
			PerformedBy: req.Actor.ID,
			Metadata:    maps.Clone(req.Metadata),
			Timestamp:   now,
		})
		if err != nil {
			return err
		}
		res = Result{Instance: updated, Event: &ev}

		// 9. Assign reviewers for the new stage.
		if action == model.ActionAdvance {
			next, err := definition.StageByID(def, target)
			if err != nil {
				return err
			}
			res.Tasks, err = assignOnEntry(ctx, ledger, inst.ID, next, req.Reviewers)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Replayed {
		return res, nil
	}

	m.logger.Info("workflow advanced", observability.TransitionFields(res.Instance, *res.Event, req.Actor.ID)...)
	m.publish(ctx, *res.Event)
	return res, nil
}

// MoveBackward returns an instance to an earlier stage. Review tasks of the
// re-entered stage are left as they are; a re-review needs a new
// assignment.
func (m *Manager) MoveBackward(ctx context.Context, req MoveBackwardRequest) (Result, error) {
	if req.Actor.ID == "" {
		return Result{}, model.NewBadRequestError("actor id is required")
	}
	if req.TargetStageID == "" {
		return Result{}, model.NewBadRequestError("target stage id is required")
	}

	// 1. Read the version the caller acts on.
	expected, err := m.expectedVersion(ctx, req.InstanceID, req.ExpectedVersion)
	if err != nil {
		return Result{}, err
	}

	var res Result
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		// 2. Lock instance and check version.
		inst, err := tx.LockInstance(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		if inst.Version != expected {
			res, err = m.replay(ctx, tx, inst, expected, req.Actor, func(model.WorkflowDefinition, string) (model.Action, string) {
				return model.ActionMoveBackward, req.TargetStageID
			})
			return err
		}

		// 3. Verify status.
		if !inst.IsActive {
			return notActive(inst)
		}

		// 4. Resolve current and target stages.
		def, current, err := m.stageOf(inst)
		if err != nil {
			return err
		}
		target, err := definition.StageByID(def, req.TargetStageID)
		if err != nil {
			return err
		}
		if target.Order >= current.Order {
			return model.NewBadRequestError(fmt.Sprintf(
				"target stage %q (order %d) is not before current stage %q (order %d)",
				target.ID, target.Order, current.ID, current.Order,
			))
		}

		// 5. Check role on the current stage.
		if err := m.gate.Authorize(current, req.Actor.Role); err != nil {
			return err
		}

		// 6. Apply transition and append event.
		now := m.now()
		inst.CurrentStageID = target.ID
		inst.UpdatedAt = now
		updated, err := tx.UpdateInstance(ctx, inst)
		if err != nil {
			return err
		}
		ev, err := history.NewRecorder(tx).Append(ctx, model.TransitionEvent{
			InstanceID:  inst.ID,
			DocumentID:  inst.DocumentID,
			FromStageID: current.ID,
			ToStageID:   target.ID,
			Action:      model.ActionMoveBackward,
			PerformedBy: req.Actor.ID,
			Metadata:    maps.Clone(req.Metadata),
			Timestamp:   now,
		})
		if err != nil {
			return err
		}
		res = Result{Instance: updated, Event: &ev}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Replayed {
		return res, nil
	}

	m.logger.Info("workflow moved backward", observability.TransitionFields(res.Instance, *res.Event, req.Actor.ID)...)
	m.publish(ctx, *res.Event)
	return res, nil
}

// Reset deactivates the active instance of a document and records RESET.
// It never creates an instance and never removes history. With no active
// instance it succeeds without writing and Result.Replayed is set.
func (m *Manager) Reset(ctx context.Context, req ResetRequest) (Result, error) {
	if req.DocumentID == "" {
		return Result{}, model.NewBadRequestError("document id is required")
	}
	if req.Actor.ID == "" {
		return Result{}, model.NewBadRequestError("actor id is required")
	}

	var res Result
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		// 1. Find and lock the active instance.
		inst, ok, err := tx.ActiveInstance(ctx, req.DocumentID)
		if err != nil {
			return err
		}
		if !ok {
			res = Result{Replayed: true}
			return nil
		}

		// 2. Check reset roles, falling back to the current stage's roles.
		if err := m.authorizeReset(inst, req.Actor); err != nil {
			return err
		}

		// 3. Deactivate and append RESET.
		now := m.now()
		inst.IsActive = false
		inst.UpdatedAt = now
		updated, err := tx.UpdateInstance(ctx, inst)
		if err != nil {
			return err
		}
		meta := maps.Clone(req.Metadata)
		if meta == nil {
			meta = make(map[string]any, 1)
		}
		meta["reset_from"] = inst.CurrentStageID
		ev, err := history.NewRecorder(tx).Append(ctx, model.TransitionEvent{
			InstanceID:  inst.ID,
			DocumentID:  inst.DocumentID,
			FromStageID: inst.CurrentStageID,
			Action:      model.ActionReset,
			PerformedBy: req.Actor.ID,
			Metadata:    meta,
			Timestamp:   now,
		})
		if err != nil {
			return err
		}
		res = Result{Instance: updated, Event: &ev}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Replayed {
		return res, nil
	}

	m.logger.Info("workflow reset", observability.TransitionFields(res.Instance, *res.Event, req.Actor.ID)...)
	m.publish(ctx, *res.Event)
	return res, nil
}

// Status reports the active instance of a document and its current stage,
// or NONE.
func (m *Manager) Status(ctx context.Context, documentID string) (model.WorkflowStatus, error) {
	if documentID == "" {
		return model.WorkflowStatus{}, model.NewBadRequestError("document id is required")
	}
	var status model.WorkflowStatus
	err := m.store.View(ctx, func(tx store.Tx) error {
		inst, ok, err := tx.ActiveInstance(ctx, documentID)
		if err != nil {
			return err
		}
		if !ok {
			status = model.WorkflowStatus{State: model.StateNone}
			return nil
		}
		status = model.WorkflowStatus{State: model.StateActive, Instance: &inst}
		if _, stage, err := m.stageOf(inst); err == nil {
			status.Stage = &stage
		}
		return nil
	})
	if err != nil {
		return model.WorkflowStatus{}, err
	}
	return status, nil
}

// Get returns an instance by id.
func (m *Manager) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	if instanceID == "" {
		return model.WorkflowInstance{}, model.NewBadRequestError("instance id is required")
	}
	var inst model.WorkflowInstance
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		inst, err = tx.GetInstance(ctx, instanceID)
		return err
	})
	return inst, err
}

// History returns the transition events of an instance in sequence order.
func (m *Manager) History(ctx context.Context, instanceID string) ([]model.TransitionEvent, error) {
	var events []model.TransitionEvent
	err := m.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetInstance(ctx, instanceID); err != nil {
			return err
		}
		var err error
		events, err = history.NewRecorder(tx).ListByInstance(ctx, instanceID)
		return err
	})
	return events, err
}

// DocumentHistory returns the events of every instance a document has had.
func (m *Manager) DocumentHistory(ctx context.Context, documentID string) ([]model.TransitionEvent, error) {
	var events []model.TransitionEvent
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		events, err = history.NewRecorder(tx).ListByDocument(ctx, documentID)
		return err
	})
	return events, err
}

// expectedVersion returns the version the mutation must find under lock.
// Zero means the version stored when the call begins.
func (m *Manager) expectedVersion(ctx context.Context, instanceID string, expected int) (int, error) {
	inst, err := m.Get(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	if expected == 0 {
		expected = inst.Version
	}
	return expected, nil
}

// replay resolves a version mismatch. Every committed mutation bumps the
// version by one and appends one event, so the move made from version
// expected is the event with sequence expected+1. When that is the only
// move since expected and it is the move this call would have made, the
// stored state is returned as a replay. Anything else is a CONFLICT.
func (m *Manager) replay(
	ctx context.Context,
	tx store.Tx,
	current model.WorkflowInstance,
	expected int,
	actor model.Actor,
	target func(def model.WorkflowDefinition, fromStageID string) (model.Action, string),
) (Result, error) {
	stale := model.NewConflictError(fmt.Sprintf(
		"workflow instance %q version conflict (expected %d, found %d)", current.ID, expected, current.Version,
	))
	if current.Version != expected+1 {
		return Result{}, stale
	}

	last, ok, err := tx.LastEvent(ctx, current.ID)
	if err != nil {
		return Result{}, err
	}
	if !ok || last.Sequence != current.Version {
		return Result{}, stale
	}

	def, err := m.definitionOf(current)
	if err != nil {
		return Result{}, stale
	}
	from, err := definition.StageByID(def, last.FromStageID)
	if err != nil {
		return Result{}, stale
	}
	action, to := target(def, from.ID)
	if last.Action != action || last.ToStageID != to {
		return Result{}, stale
	}
	if current.CurrentStageID != to || current.IsActive == (action == model.ActionComplete) {
		return Result{}, stale
	}

	// The caller must have been allowed to make the move it replays.
	if err := m.gate.Authorize(from, actor.Role); err != nil {
		return Result{}, err
	}

	m.logger.Debug("transition replayed",
		zap.String("instance_id", current.ID),
		zap.String("action", string(action)),
		zap.String("to_stage_id", to))
	return Result{Instance: current, Event: &last, Replayed: true}, nil
}

// definitionOf returns the definition revision inst started on. When this
// process never saw that revision the current definition is used.
func (m *Manager) definitionOf(inst model.WorkflowInstance) (model.WorkflowDefinition, error) {
	if def, ok := m.registry.Revision(inst.WorkflowID, inst.DefinitionChecksum); ok {
		return def, nil
	}
	return m.registry.MustGet(inst.WorkflowID)
}

func (m *Manager) stageOf(inst model.WorkflowInstance) (model.WorkflowDefinition, model.Stage, error) {
	def, err := m.definitionOf(inst)
	if err != nil {
		return model.WorkflowDefinition{}, model.Stage{}, err
	}
	stage, err := definition.StageByID(def, inst.CurrentStageID)
	if err != nil {
		return model.WorkflowDefinition{}, model.Stage{}, err
	}
	return def, stage, nil
}

// authorizeReset gates a reset on the definition's reset roles, then on the
// current stage's roles. An instance whose stage no longer resolves can
// still be reset by ADMIN so the document is never stuck.
func (m *Manager) authorizeReset(inst model.WorkflowInstance, actor model.Actor) error {
	def, err := m.definitionOf(inst)
	if err == nil && len(def.ResetRoles) > 0 {
		subject := fmt.Sprintf("resetting workflow %q", def.ID)
		return m.gate.AuthorizeFor(subject, def.ResetRoles, actor.Role)
	}
	if err == nil {
		stage, serr := definition.StageByID(def, inst.CurrentStageID)
		if serr == nil {
			return m.gate.Authorize(stage, actor.Role)
		}
	}

	m.logger.Warn("resetting instance whose stage does not resolve", observability.InstanceFields(inst)...)
	subject := fmt.Sprintf("resetting workflow instance %q at unknown stage %q", inst.ID, inst.CurrentStageID)
	return m.gate.AuthorizeFor(subject, []string{string(model.RoleAdmin)}, actor.Role)
}

func (m *Manager) publish(ctx context.Context, events ...model.TransitionEvent) {
	for _, ev := range events {
		if err := m.publisher.Publish(ctx, ev); err != nil {
			m.logger.Warn("publish transition event failed",
				zap.String("instance_id", ev.InstanceID),
				zap.Int("sequence", ev.Sequence),
				zap.Error(err))
		}
	}
}

// advanceTarget returns the action and target stage of an advance from
// stageID. Without a next stage the instance completes in place.
func advanceTarget(def model.WorkflowDefinition, stageID string) (model.Action, string) {
	if next, ok := definition.NextStage(def, stageID); ok {
		return model.ActionAdvance, next.ID
	}
	return model.ActionComplete, stageID
}

// requireReviews fails with PRECONDITION_FAILED when the stage's review
// tasks are not all completed. A distributed review stage with no tasks
// fails as well.
func requireReviews(ctx context.Context, ledger *task.Ledger, instanceID string, stage model.Stage) error {
	p, err := ledger.StageProgress(ctx, instanceID, stage.ID)
	if err != nil {
		return err
	}
	if p.Total == 0 {
		if stage.DistributedReview {
			return model.NewPreconditionFailedError(fmt.Sprintf(
				"stage %q requires distributed review but no reviewers are assigned", stage.ID,
			))
		}
		return nil
	}
	if p.Complete() {
		return nil
	}

	details := make([]model.FieldError, 0, len(p.Pending))
	for _, id := range p.Pending {
		details = append(details, model.FieldError{Field: "reviewer", Code: "PENDING", Message: id})
	}
	return model.NewPreconditionFailedError(fmt.Sprintf(
		"stage %q has %d of %d reviews pending: %s",
		stage.ID, p.Total-p.Completed, p.Total, strings.Join(p.Pending, ", "),
	), details...)
}

// assignOnEntry gives the stage's default reviewers plus extra a PENDING
// task each.
func assignOnEntry(ctx context.Context, ledger *task.Ledger, instanceID string, stage model.Stage, extra []string) ([]model.ReviewTask, error) {
	reviewers := append(append([]string(nil), stage.Reviewers...), extra...)
	if len(reviewers) == 0 {
		return nil, nil
	}
	return ledger.Assign(ctx, instanceID, stage.ID, reviewers)
}

func notActive(inst model.WorkflowInstance) error {
	state := "reset"
	if inst.Completed() {
		state = "completed"
	}
	return model.NewConflictError(fmt.Sprintf("workflow instance %q is %s, not active", inst.ID, state))
}
