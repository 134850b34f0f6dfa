package model

import "time"

// TaskStatus is the lifecycle state of a review task.
type TaskStatus string

// Review task statuses. A completed task is never reopened.
const (
	TaskPending   TaskStatus = "PENDING"
	TaskCompleted TaskStatus = "COMPLETED"
)

// Common review decisions. Decisions are free text; these are the values the
// review stages of the shipped definitions use.
const (
	DecisionApprove             = "APPROVE"
	DecisionApproveWithComments = "APPROVE_WITH_COMMENTS"
	DecisionReject              = "REJECT"
)

// ReviewTask is the unit of work assigned to one reviewer for one stage of
// one workflow instance.
type ReviewTask struct {
	ID           string     `json:"id"`
	InstanceID   string     `json:"instance_id"`
	StageID      string     `json:"stage_id"`
	AssignedToID string     `json:"assigned_to_id"`
	Status       TaskStatus `json:"status"`
	Decision     string     `json:"decision,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// StageProgress summarizes the review tasks of one stage.
type StageProgress struct {
	InstanceID string   `json:"instance_id"`
	StageID    string   `json:"stage_id"`
	Total      int      `json:"total"`
	Completed  int      `json:"completed"`
	Pending    []string `json:"pending,omitempty"`
}

// Complete reports whether the stage has at least one task and every task
// is completed.
func (p StageProgress) Complete() bool {
	return p.Total > 0 && p.Completed == p.Total
}
