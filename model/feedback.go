package model

import "time"

// CommentType classifies reviewer feedback by severity.
type CommentType string

// Comment types, most severe first.
const (
	CommentCritical       CommentType = "CRITICAL"
	CommentMajor          CommentType = "MAJOR"
	CommentSubstantive    CommentType = "SUBSTANTIVE"
	CommentAdministrative CommentType = "ADMINISTRATIVE"
)

// Rank orders comment types by severity; lower is more severe. Unknown types
// sort last.
func (c CommentType) Rank() int {
	switch c {
	case CommentCritical:
		return 0
	case CommentMajor:
		return 1
	case CommentSubstantive:
		return 2
	case CommentAdministrative:
		return 3
	default:
		return 4
	}
}

// Valid reports whether c is one of the known comment types.
func (c CommentType) Valid() bool {
	return c.Rank() < 4
}

// FeedbackStatus is the disposition of a feedback item.
type FeedbackStatus string

// Feedback statuses. MERGED is final.
const (
	FeedbackPending  FeedbackStatus = "PENDING"
	FeedbackAccepted FeedbackStatus = "ACCEPTED"
	FeedbackRejected FeedbackStatus = "REJECTED"
	FeedbackMerged   FeedbackStatus = "MERGED"
)

// Locator points at the place in the document a feedback item refers to.
type Locator struct {
	Page      int `json:"page,omitempty"`
	Paragraph int `json:"paragraph,omitempty"`
	Line      int `json:"line,omitempty"`
}

// FeedbackItem is a proposed text change submitted by a reviewer.
type FeedbackItem struct {
	ID            string         `json:"id"`
	DocumentID    string         `json:"document_id"`
	InstanceID    string         `json:"instance_id,omitempty"`
	StageID       string         `json:"stage_id,omitempty"`
	ReviewerID    string         `json:"reviewer_id,omitempty"`
	Component     string         `json:"component,omitempty"`
	CommentType   CommentType    `json:"comment_type"`
	Locator       Locator        `json:"locator"`
	ChangeFrom    string         `json:"change_from"`
	ChangeTo      string         `json:"change_to"`
	Justification string         `json:"justification,omitempty"`
	Status        FeedbackStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
	MergedAt      *time.Time     `json:"merged_at,omitempty"`
}

// MergeSummary describes the effect of applying one feedback item.
type MergeSummary struct {
	Replacements int `json:"replacements"`
	ByteDelta    int `json:"byte_delta"`
}

// MergeItemResult is the per-item outcome of a batch merge. Error is set
// when the item was not applied.
type MergeItemResult struct {
	FeedbackID string         `json:"feedback_id"`
	Applied    bool           `json:"applied"`
	Summary    MergeSummary   `json:"summary"`
	Error      *ErrorEnvelope `json:"error,omitempty"`
}

// MergeReport aggregates a batch merge.
type MergeReport struct {
	DocumentID string            `json:"document_id"`
	Content    string            `json:"content"`
	Applied    int               `json:"applied"`
	Failed     int               `json:"failed"`
	Total      MergeSummary      `json:"total"`
	Items      []MergeItemResult `json:"items"`
}

// FeedbackStats counts the feedback of one document.
type FeedbackStats struct {
	DocumentID string                 `json:"document_id"`
	Total      int                    `json:"total"`
	ByStatus   map[FeedbackStatus]int `json:"by_status"`
	ByType     map[CommentType]int    `json:"by_type"`
}
