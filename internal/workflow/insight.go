package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/docflow/internal/observability"
	"github.com/pitabwire/docflow/internal/store"
	"github.com/pitabwire/docflow/internal/task"
	"github.com/pitabwire/docflow/model"
)

// DefaultOverdueAfter is how long an active instance may sit at one stage
// before OverdueInstances reports it.
const DefaultOverdueAfter = 24 * time.Hour

// Permissions reports what actorID may do on the document's workflow right
// now. A document without an active workflow lists the workflows the actor
// may start.
func (s *Service) Permissions(ctx context.Context, documentID, actorID string) (p model.ActorPermissions, err error) {
	ctx, done := s.observe(ctx, "permissions",
		observability.AttrDocumentID.String(documentID),
		observability.AttrActorID.String(actorID))
	defer func() { done(err) }()

	if documentID == "" {
		return model.ActorPermissions{}, model.NewBadRequestError("document id is required")
	}
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return model.ActorPermissions{}, err
	}

	gate := s.manager.gate
	p = model.ActorPermissions{DocumentID: documentID, ActorID: actor.ID, Role: model.RoleUnmapped}
	if r, ok := gate.Resolve(actor.Role); ok {
		p.Role = r
	}

	err = s.store.View(ctx, func(tx store.Tx) error {
		inst, ok, err := tx.ActiveInstance(ctx, documentID)
		if err != nil {
			return err
		}
		if !ok {
			p.State = model.StateNone
			for _, def := range s.manager.registry.All() {
				if len(def.StartRoles) == 0 || gate.Admits(def.StartRoles, actor.Role) {
					p.StartableWorkflows = append(p.StartableWorkflows, def.ID)
				}
			}
			return nil
		}

		p.State = model.StateActive
		p.InstanceID = inst.ID
		p.StageID = inst.CurrentStageID
		p.CanReset = s.manager.authorizeReset(inst, actor) == nil

		def, stage, err := s.manager.stageOf(inst)
		if err != nil {
			// Only a reset can move an instance whose stage no longer
			// resolves.
			if model.IsCode(err, model.ErrNotFound) {
				return nil
			}
			return err
		}

		ledger := task.NewLedger(tx)
		p.PendingTasks, err = tx.ListTasks(ctx, task.Filter{
			InstanceID:   inst.ID,
			AssignedToID: actor.ID,
			Status:       model.TaskPending,
		})
		if err != nil {
			return err
		}

		if gate.CanAct(stage, actor.Role) {
			switch err := requireReviews(ctx, ledger, inst.ID, stage); {
			case err == nil:
				p.CanAdvance = true
			case model.IsCode(err, model.ErrPreconditionFailed):
				p.ReviewsPending = true
			default:
				return err
			}
			p.Actions = stage.Actions
			p.CanAssignReviewers = true
			for _, st := range def.Stages {
				if st.Order < stage.Order {
					p.BackwardTargets = append(p.BackwardTargets, st.ID)
				}
			}
			p.CanMoveBackward = len(p.BackwardTargets) > 0
		}

		if p.CanSubmitFeedback, err = s.feedbackGranted(ctx, tx, documentID, actor, grantSubmit); err != nil {
			return err
		}
		p.CanDecideFeedback, err = s.feedbackGranted(ctx, tx, documentID, actor, grantDecide)
		return err
	})
	if err != nil {
		return model.ActorPermissions{}, err
	}
	return p, nil
}

func (s *Service) feedbackGranted(ctx context.Context, tx store.Tx, documentID string, actor model.Actor, grant feedbackGrant) (bool, error) {
	_, _, err := s.authorizeFeedback(ctx, tx, documentID, actor, grant)
	switch {
	case err == nil:
		return true, nil
	case model.IsCode(err, model.ErrForbidden):
		return false, nil
	default:
		return false, err
	}
}

// Statistics counts every workflow instance by state, workflow and current
// stage, and averages the time from start to completion.
func (s *Service) Statistics(ctx context.Context) (stats model.WorkflowStatistics, err error) {
	ctx, done := s.observe(ctx, "statistics")
	defer func() { done(err) }()

	var instances []model.WorkflowInstance
	err = s.store.View(ctx, func(tx store.Tx) error {
		var err error
		instances, err = tx.FindInstances(ctx, store.InstanceFilter{})
		return err
	})
	if err != nil {
		return model.WorkflowStatistics{}, err
	}

	stats = model.WorkflowStatistics{
		Total:         len(instances),
		ByWorkflow:    make(map[string]int),
		ActiveByStage: make(map[string]map[string]int),
	}
	var elapsed time.Duration
	for _, inst := range instances {
		stats.ByWorkflow[inst.WorkflowID]++
		switch {
		case inst.IsActive:
			stats.Active++
			byStage := stats.ActiveByStage[inst.WorkflowID]
			if byStage == nil {
				byStage = make(map[string]int)
				stats.ActiveByStage[inst.WorkflowID] = byStage
			}
			byStage[inst.CurrentStageID]++
		case inst.Completed():
			stats.Completed++
			elapsed += inst.CompletedAt.Sub(inst.CreatedAt)
		default:
			stats.Reset++
		}
	}
	if stats.Completed > 0 {
		stats.AverageCompletionSeconds = elapsed.Seconds() / float64(stats.Completed)
	}
	return stats, nil
}

// OverdueInstances returns the active instances that have not changed for
// longer than olderThan, least recently updated first. A non-positive
// olderThan means DefaultOverdueAfter.
func (s *Service) OverdueInstances(ctx context.Context, olderThan time.Duration) (instances []model.WorkflowInstance, err error) {
	ctx, done := s.observe(ctx, "overdue")
	defer func() { done(err) }()

	if olderThan <= 0 {
		olderThan = DefaultOverdueAfter
	}
	cutoff := s.manager.now().Add(-olderThan)

	err = s.store.View(ctx, func(tx store.Tx) error {
		var err error
		instances, err = tx.FindInstances(ctx, store.InstanceFilter{ActiveOnly: true, UpdatedBefore: cutoff})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(instances) > 0 {
		s.logger.Debug("overdue workflow instances",
			zap.Int("count", len(instances)),
			zap.Time("cutoff", cutoff))
	}
	return instances, nil
}
