package model

import "time"

// Action identifies the kind of transition recorded in the history log.
type Action string

// Transition actions.
const (
	ActionStart        Action = "START"
	ActionAdvance      Action = "ADVANCE"
	ActionMoveBackward Action = "MOVE_BACKWARD"
	ActionReset        Action = "RESET"
	ActionComplete     Action = "COMPLETE"
)

// Workflow status states reported for a document.
const (
	StateNone   = "NONE"
	StateActive = "ACTIVE"
)

// WorkflowInstance is a live traversal of a definition for one document.
// Once IsActive is false the instance is never reactivated.
type WorkflowInstance struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	WorkflowID string `json:"workflow_id"`
	// DefinitionChecksum pins the definition revision the instance started
	// on; later reloads of the workflow do not change its stages.
	DefinitionChecksum string         `json:"definition_checksum,omitempty"`
	CurrentStageID     string         `json:"current_stage_id"`
	IsActive           bool           `json:"is_active"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	Version            int            `json:"version"`
}

// Completed reports whether the instance reached its terminal stage, as
// opposed to being deactivated by a reset.
func (i WorkflowInstance) Completed() bool {
	return !i.IsActive && i.CompletedAt != nil
}

// TransitionEvent is an immutable record of a stage change. Sequence is
// 1-based and contiguous per instance.
type TransitionEvent struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"instance_id"`
	DocumentID  string         `json:"document_id"`
	Sequence    int            `json:"sequence"`
	FromStageID string         `json:"from_stage_id,omitempty"`
	ToStageID   string         `json:"to_stage_id,omitempty"`
	Action      Action         `json:"action"`
	Label       string         `json:"label,omitempty"`
	PerformedBy string         `json:"performed_by"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// WorkflowStatus is the answer to "where is this document in its workflow".
type WorkflowStatus struct {
	State    string            `json:"state"`
	Instance *WorkflowInstance `json:"instance,omitempty"`
	Stage    *Stage            `json:"stage,omitempty"`
}

// Actor is the caller of an engine operation with its raw role token as
// recorded in the identity directory.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// ActorPermissions is what one actor may do on a document's workflow at its
// current stage.
type ActorPermissions struct {
	DocumentID string `json:"document_id"`
	ActorID    string `json:"actor_id"`
	Role       Role   `json:"role"`
	State      string `json:"state"`
	InstanceID string `json:"instance_id,omitempty"`
	StageID    string `json:"stage_id,omitempty"`

	CanAdvance         bool `json:"can_advance"`
	ReviewsPending     bool `json:"reviews_pending"`
	CanMoveBackward    bool `json:"can_move_backward"`
	CanReset           bool `json:"can_reset"`
	CanAssignReviewers bool `json:"can_assign_reviewers"`
	CanSubmitFeedback  bool `json:"can_submit_feedback"`
	CanDecideFeedback  bool `json:"can_decide_feedback"`

	// Actions are the advance labels the stage accepts from this actor.
	Actions         []string     `json:"actions,omitempty"`
	BackwardTargets []string     `json:"backward_targets,omitempty"`
	PendingTasks    []ReviewTask `json:"pending_tasks,omitempty"`
	// StartableWorkflows is set when the document has no active workflow.
	StartableWorkflows []string `json:"startable_workflows,omitempty"`
}

// WorkflowStatistics summarizes every instance in the store. Reset counts
// instances deactivated without completing.
type WorkflowStatistics struct {
	Total                    int                       `json:"total"`
	Active                   int                       `json:"active"`
	Completed                int                       `json:"completed"`
	Reset                    int                       `json:"reset"`
	AverageCompletionSeconds float64                   `json:"average_completion_seconds"`
	ByWorkflow               map[string]int            `json:"by_workflow"`
	ActiveByStage            map[string]map[string]int `json:"active_by_stage"`
}
