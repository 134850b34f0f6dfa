package workflow

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/docflow/internal/definition"
	"github.com/pitabwire/docflow/internal/feedback"
	"github.com/pitabwire/docflow/internal/observability"
	"github.com/pitabwire/docflow/internal/store"
	"github.com/pitabwire/docflow/internal/task"
	"github.com/pitabwire/docflow/model"
)

// Metrics receives operation and domain measurements from the Service.
// *observability.Metrics satisfies it.
type Metrics interface {
	RecordOperation(operation, outcome string, duration time.Duration)
	RecordTransition(workflowID, stageID string, action model.Action)
	RecordTasksAssigned(stageID string, n int)
	RecordTaskCompleted(decision string)
	RecordFeedbackSubmitted(commentType model.CommentType)
	RecordFeedbackMerge(applied, failed int)
}

type nopMetrics struct{}

func (nopMetrics) RecordOperation(string, string, time.Duration) {}
func (nopMetrics) RecordTransition(string, string, model.Action) {}
func (nopMetrics) RecordTasksAssigned(string, int) {}
func (nopMetrics) RecordTaskCompleted(string) {}
func (nopMetrics) RecordFeedbackSubmitted(model.CommentType) {}
func (nopMetrics) RecordFeedbackMerge(int, int) {}

// AdvanceOptions carries the optional inputs of AdvanceWorkflow.
type AdvanceOptions struct {
	// Reviewers are assigned to the entered stage in addition to its
	// default reviewers.
	Reviewers []string
	// ExpectedVersion is the instance version the caller acted on. Zero
	// means the version read at the start of the call.
	ExpectedVersion int
}

// Service is the public face of the engine. Every operation takes explicit
// ids, resolves the actor's role through the directory, and runs inside a
// trace span.
type Service struct {
	manager   *Manager
	store     store.Store
	content   feedback.ContentStore
	directory model.RoleDirectory
	metrics   Metrics
	logger    *zap.Logger
	sensitive []string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSensitiveFields names metadata keys that are redacted in debug logs.
func WithSensitiveFields(fields ...string) ServiceOption {
	return func(s *Service) { s.sensitive = append(s.sensitive, fields...) }
}

// NewService creates a Service. The manager and the service must share st.
func NewService(manager *Manager, st store.Store, content feedback.ContentStore, directory model.RoleDirectory, opts ...ServiceOption) *Service {
	s := &Service{
		manager:   manager,
		store:     st,
		content:   content,
		directory: directory,
		metrics:   nopMetrics{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartWorkflow starts workflowID on a document.
func (s *Service) StartWorkflow(ctx context.Context, documentID, workflowID, actorID string, metadata map[string]any) (res Result, err error) {
	ctx, done := s.observe(ctx, "start",
		observability.AttrDocumentID.String(documentID),
		observability.AttrWorkflowID.String(workflowID),
		observability.AttrActorID.String(actorID))
	defer func() { done(err) }()

	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return Result{}, err
	}
	s.debugMetadata("start workflow", documentID, metadata)

	res, err = s.manager.Start(ctx, StartRequest{
		DocumentID: documentID,
		WorkflowID: workflowID,
		Actor:      actor,
		Metadata:   metadata,
	})
	if err != nil {
		return Result{}, err
	}
	s.recordResult(res)
	return res, nil
}

// AdvanceWorkflow moves an instance to its next stage, or completes it at
// the last stage.
func (s *Service) AdvanceWorkflow(ctx context.Context, instanceID, actorID, action string, metadata map[string]any, opts AdvanceOptions) (res Result, err error) {
	ctx, done := s.observe(ctx, "advance",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrActorID.String(actorID),
		observability.AttrAction.String(action))
	defer func() { done(err) }()

	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return Result{}, err
	}
	s.debugMetadata("advance workflow", instanceID, metadata)

	res, err = s.manager.Advance(ctx, AdvanceRequest{
		InstanceID:      instanceID,
		Actor:           actor,
		Action:          action,
		Metadata:        metadata,
		Reviewers:       opts.Reviewers,
		ExpectedVersion: opts.ExpectedVersion,
	})
	if err != nil {
		return Result{}, err
	}
	s.recordResult(res)
	return res, nil
}

// MoveWorkflowBackward returns an instance to an earlier stage.
func (s *Service) MoveWorkflowBackward(ctx context.Context, instanceID, actorID, targetStageID string, metadata map[string]any) (res Result, err error) {
	ctx, done := s.observe(ctx, "move_backward",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrActorID.String(actorID),
		observability.AttrStageID.String(targetStageID))
	defer func() { done(err) }()

	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return Result{}, err
	}
	s.debugMetadata("move workflow backward", instanceID, metadata)

	res, err = s.manager.MoveBackward(ctx, MoveBackwardRequest{
		InstanceID:    instanceID,
		Actor:         actor,
		TargetStageID: targetStageID,
		Metadata:      metadata,
	})
	if err != nil {
		return Result{}, err
	}
	s.recordResult(res)
	return res, nil
}

// ResetWorkflow deactivates the active instance of a document. A document
// without an active instance is left as it is.
func (s *Service) ResetWorkflow(ctx context.Context, documentID, actorID string) (res Result, err error) {
	ctx, done := s.observe(ctx, "reset",
		observability.AttrDocumentID.String(documentID),
		observability.AttrActorID.String(actorID))
	defer func() { done(err) }()

	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return Result{}, err
	}
	res, err = s.manager.Reset(ctx, ResetRequest{DocumentID: documentID, Actor: actor})
	if err != nil {
		return Result{}, err
	}
	s.recordResult(res)
	return res, nil
}

// GetWorkflowStatus reports whether a document has an active instance and
// where it stands.
func (s *Service) GetWorkflowStatus(ctx context.Context, documentID string) (status model.WorkflowStatus, err error) {
	ctx, done := s.observe(ctx, "status", observability.AttrDocumentID.String(documentID))
	defer func() { done(err) }()

	return s.manager.Status(ctx, documentID)
}

// GetWorkflowHistory returns the transition log of an instance.
func (s *Service) GetWorkflowHistory(ctx context.Context, instanceID string) (events []model.TransitionEvent, err error) {
	ctx, done := s.observe(ctx, "history", observability.AttrInstanceID.String(instanceID))
	defer func() { done(err) }()

	return s.manager.History(ctx, instanceID)
}

// GetDocumentHistory returns the transition log of every instance a
// document has had, across resets.
func (s *Service) GetDocumentHistory(ctx context.Context, documentID string) (events []model.TransitionEvent, err error) {
	ctx, done := s.observe(ctx, "document_history", observability.AttrDocumentID.String(documentID))
	defer func() { done(err) }()

	if documentID == "" {
		return nil, model.NewBadRequestError("document id is required")
	}
	return s.manager.DocumentHistory(ctx, documentID)
}

// AssignReviewers gives each reviewer a PENDING task for a stage of an
// active instance. The actor must be allowed to act on the instance's
// current stage. Reviewers already holding a PENDING task keep it.
func (s *Service) AssignReviewers(ctx context.Context, instanceID, stageID, actorID string, reviewerIDs []string) (tasks []model.ReviewTask, err error) {
	ctx, done := s.observe(ctx, "assign_reviewers",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrStageID.String(stageID),
		observability.AttrActorID.String(actorID))
	defer func() { done(err) }()

	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		// 1. Lock the instance so assignment serializes with transitions.
		inst, err := tx.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if !inst.IsActive {
			return notActive(inst)
		}

		// 2. Resolve stages and check the actor.
		def, current, err := s.manager.stageOf(inst)
		if err != nil {
			return err
		}
		if _, err := definition.StageByID(def, stageID); err != nil {
			return err
		}
		if err := s.manager.gate.Authorize(current, actor.Role); err != nil {
			return err
		}

		// 3. Assign.
		tasks, err = task.NewLedger(tx).Assign(ctx, instanceID, stageID, reviewerIDs)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordTasksAssigned(stageID, len(tasks))
	s.logger.Info("reviewers assigned",
		zap.String("instance_id", instanceID),
		zap.String("stage_id", stageID),
		zap.Int("tasks", len(tasks)),
		zap.String("actor_id", actor.ID))
	return tasks, nil
}

// CompleteReviewTask records the assignee's decision on a review task. Only
// the assignee may complete a task.
func (s *Service) CompleteReviewTask(ctx context.Context, taskID, actorID, decision string) (t model.ReviewTask, err error) {
	ctx, done := s.observe(ctx, "complete_task",
		observability.AttrTaskID.String(taskID),
		observability.AttrActorID.String(actorID))
	defer func() { done(err) }()

	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return model.ReviewTask{}, err
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if existing.AssignedToID != actor.ID {
			return model.NewForbiddenError(fmt.Sprintf(
				"review task %q is assigned to %q", taskID, existing.AssignedToID,
			))
		}
		t, err = task.NewLedger(tx).Complete(ctx, taskID, decision)
		return err
	})
	if err != nil {
		return model.ReviewTask{}, err
	}

	s.metrics.RecordTaskCompleted(t.Decision)
	s.logger.Info("review task completed",
		zap.String("task_id", t.ID),
		zap.String("instance_id", t.InstanceID),
		zap.String("stage_id", t.StageID),
		zap.String("decision", t.Decision),
		zap.String("actor_id", actor.ID))
	return t, nil
}

// ListReviewerTasks returns the PENDING tasks assigned to a reviewer.
func (s *Service) ListReviewerTasks(ctx context.Context, reviewerID string) (tasks []model.ReviewTask, err error) {
	ctx, done := s.observe(ctx, "list_tasks", observability.AttrActorID.String(reviewerID))
	defer func() { done(err) }()

	err = s.store.View(ctx, func(tx store.Tx) error {
		var err error
		tasks, err = task.NewLedger(tx).ListByAssignee(ctx, reviewerID)
		return err
	})
	return tasks, err
}

// StageProgress reports the review progress of one stage of an instance.
func (s *Service) StageProgress(ctx context.Context, instanceID, stageID string) (p model.StageProgress, err error) {
	ctx, done := s.observe(ctx, "stage_progress",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrStageID.String(stageID))
	defer func() { done(err) }()

	err = s.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetInstance(ctx, instanceID); err != nil {
			return err
		}
		var err error
		p, err = task.NewLedger(tx).StageProgress(ctx, instanceID, stageID)
		return err
	})
	return p, err
}

// SubmitFeedback records a reviewer's proposed change against a document.
// The document must have an active workflow; the item is bound to its
// instance and current stage and the actor becomes the item's reviewer.
// Reviewers holding a task on the current stage may submit alongside the
// stage's roles and the definition's feedback roles.
func (s *Service) SubmitFeedback(ctx context.Context, documentID, actorID string, item model.FeedbackItem) (out model.FeedbackItem, err error) {
	ctx, done := s.observe(ctx, "submit_feedback",
		observability.AttrDocumentID.String(documentID),
		observability.AttrActorID.String(actorID))
	defer func() { done(err) }()

	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return model.FeedbackItem{}, err
	}
	item.ReviewerID = actor.ID

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		inst, stage, err := s.authorizeFeedback(ctx, tx, documentID, actor, grantSubmit)
		if err != nil {
			return err
		}
		item.InstanceID = inst.ID
		item.StageID = stage.ID
		out, err = s.feedbackEngine(tx).Submit(ctx, documentID, item)
		return err
	})
	if err != nil {
		return model.FeedbackItem{}, err
	}
	s.metrics.RecordFeedbackSubmitted(out.CommentType)
	s.logger.Info("feedback submitted",
		zap.String("feedback_id", out.ID),
		zap.String("document_id", documentID),
		zap.String("instance_id", out.InstanceID),
		zap.String("stage_id", out.StageID),
		zap.String("actor_id", actor.ID))
	return out, nil
}

// DecideFeedback accepts or rejects a PENDING feedback item. The actor must
// hold one of the definition's feedback roles or a role of the current stage
// of the document's active workflow.
func (s *Service) DecideFeedback(ctx context.Context, feedbackID, actorID string, status model.FeedbackStatus) (out model.FeedbackItem, err error) {
	ctx, done := s.observe(ctx, "decide_feedback",
		observability.AttrFeedbackID.String(feedbackID),
		observability.AttrActorID.String(actorID))
	defer func() { done(err) }()

	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return model.FeedbackItem{}, err
	}
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		item, err := tx.GetFeedback(ctx, feedbackID)
		if err != nil {
			return err
		}
		if _, _, err := s.authorizeFeedback(ctx, tx, item.DocumentID, actor, grantDecide); err != nil {
			return err
		}
		out, err = s.feedbackEngine(tx).Decide(ctx, feedbackID, status)
		return err
	})
	return out, err
}

// ListFeedback returns the feedback of a document in submission order.
func (s *Service) ListFeedback(ctx context.Context, documentID string) (items []model.FeedbackItem, err error) {
	ctx, done := s.observe(ctx, "list_feedback", observability.AttrDocumentID.String(documentID))
	defer func() { done(err) }()

	err = s.store.View(ctx, func(tx store.Tx) error {
		var err error
		items, err = s.feedbackEngine(tx).List(ctx, documentID)
		return err
	})
	return items, err
}

// MergeFeedback applies the listed feedback items to the document content
// in the requested order ("given", "severity" or "location"). Only ACCEPTED
// items merge, and the actor is gated like DecideFeedback. Per-item failures
// are reported in the result and never abort the batch.
func (s *Service) MergeFeedback(ctx context.Context, documentID, actorID string, feedbackIDs []string, order string) (report model.MergeReport, err error) {
	ctx, done := s.observe(ctx, "merge_feedback",
		observability.AttrDocumentID.String(documentID),
		observability.AttrActorID.String(actorID))
	defer func() { done(err) }()

	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return model.MergeReport{}, err
	}
	mo, err := feedback.ParseMergeOrder(order)
	if err != nil {
		return model.MergeReport{}, err
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if _, _, err := s.authorizeFeedback(ctx, tx, documentID, actor, grantDecide); err != nil {
			return err
		}
		var err error
		report, err = s.feedbackEngine(tx).Merge(ctx, documentID, feedbackIDs, mo)
		return err
	})
	if err != nil {
		return model.MergeReport{}, err
	}
	s.metrics.RecordFeedbackMerge(report.Applied, report.Failed)
	return report, nil
}

// FeedbackStats counts the feedback of a document by status and type.
func (s *Service) FeedbackStats(ctx context.Context, documentID string) (stats model.FeedbackStats, err error) {
	ctx, done := s.observe(ctx, "feedback_stats", observability.AttrDocumentID.String(documentID))
	defer func() { done(err) }()

	err = s.store.View(ctx, func(tx store.Tx) error {
		var err error
		stats, err = s.feedbackEngine(tx).Stats(ctx, documentID)
		return err
	})
	return stats, err
}

type feedbackGrant int

const (
	grantSubmit feedbackGrant = iota
	grantDecide
)

// authorizeFeedback returns the active instance of documentID and its
// current stage when actor may work on the document's feedback. Feedback
// roles and current stage roles hold every grant; a reviewer with a task on
// the current stage may only submit.
func (s *Service) authorizeFeedback(ctx context.Context, tx store.Tx, documentID string, actor model.Actor, grant feedbackGrant) (model.WorkflowInstance, model.Stage, error) {
	inst, ok, err := tx.ActiveInstance(ctx, documentID)
	if err != nil {
		return model.WorkflowInstance{}, model.Stage{}, err
	}
	if !ok {
		return model.WorkflowInstance{}, model.Stage{}, model.NewPreconditionFailedError(
			fmt.Sprintf("document %q has no active workflow", documentID),
		)
	}
	def, stage, err := s.manager.stageOf(inst)
	if err != nil {
		return model.WorkflowInstance{}, model.Stage{}, err
	}

	gate := s.manager.gate
	if gate.Admits(def.FeedbackRoles, actor.Role) || gate.CanAct(stage, actor.Role) {
		return inst, stage, nil
	}
	if grant == grantSubmit {
		tasks, err := tx.ListTasks(ctx, task.Filter{
			InstanceID:   inst.ID,
			StageID:      stage.ID,
			AssignedToID: actor.ID,
		})
		if err != nil {
			return model.WorkflowInstance{}, model.Stage{}, err
		}
		if len(tasks) > 0 {
			return inst, stage, nil
		}
	}

	allowed := make([]string, 0, len(stage.Roles)+len(def.FeedbackRoles))
	allowed = append(allowed, stage.Roles...)
	allowed = append(allowed, def.FeedbackRoles...)
	subject := fmt.Sprintf("feedback on document %q at stage %q", documentID, stage.ID)
	return model.WorkflowInstance{}, model.Stage{}, gate.AuthorizeFor(subject, allowed, actor.Role)
}

// feedbackEngine binds the feedback engine and the content store to tx.
func (s *Service) feedbackEngine(tx store.Tx) *feedback.Engine {
	return feedback.NewEngine(tx, store.ContentIn(tx, s.content), s.logger)
}

// actor resolves actorID to its directory role. An actor the directory does
// not know is forbidden.
func (s *Service) actor(ctx context.Context, actorID string) (model.Actor, error) {
	if actorID == "" {
		return model.Actor{}, model.NewBadRequestError("actor id is required")
	}
	ctx, span := observability.StartSpan(ctx, "role.resolve", observability.AttrActorID.String(actorID))
	raw, err := s.directory.RoleOf(ctx, actorID)
	observability.EndSpanWithError(span, err)
	if err != nil {
		if model.IsCode(err, model.ErrNotFound) {
			return model.Actor{}, model.NewForbiddenError(fmt.Sprintf("actor %q is not in the directory", actorID))
		}
		return model.Actor{}, fmt.Errorf("resolve role of %q: %w", actorID, err)
	}
	return model.Actor{ID: actorID, Role: raw}, nil
}

// observe opens the operation span and returns the func that closes it,
// records the outcome and logs failures.
func (s *Service) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := observability.StartSpan(ctx, "workflow."+op, attrs...)
	start := time.Now()
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = model.CodeOf(err)
			if outcome == "" {
				outcome = model.ErrInternal
			}
		}
		s.metrics.RecordOperation(op, outcome, time.Since(start))
		observability.EndSpanWithError(span, err)

		switch outcome {
		case "ok":
		case model.ErrInternal:
			s.logger.Error("operation failed", zap.String("operation", op), zap.Error(err))
		default:
			s.logger.Warn("operation refused",
				zap.String("operation", op),
				zap.String("code", outcome),
				zap.Error(err))
		}
	}
}

func (s *Service) recordResult(res Result) {
	if res.Replayed || res.Event == nil {
		return
	}
	stageID := res.Event.ToStageID
	if stageID == "" {
		stageID = res.Event.FromStageID
	}
	s.metrics.RecordTransition(res.Instance.WorkflowID, stageID, res.Event.Action)
	if len(res.Tasks) > 0 {
		s.metrics.RecordTasksAssigned(stageID, len(res.Tasks))
	}
}

func (s *Service) debugMetadata(msg, id string, metadata map[string]any) {
	if len(metadata) == 0 || !s.logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	s.logger.Debug(msg,
		zap.String("id", id),
		observability.MetadataField(metadata, s.sensitive))
}
