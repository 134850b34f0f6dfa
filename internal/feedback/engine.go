package feedback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/docflow/model"
)

// Store persists feedback items. ListFeedback returns items in creation
// order.
type Store interface {
	InsertFeedback(ctx context.Context, item model.FeedbackItem) error
	GetFeedback(ctx context.Context, id string) (model.FeedbackItem, error)
	UpdateFeedback(ctx context.Context, item model.FeedbackItem) error
	ListFeedback(ctx context.Context, documentID string) ([]model.FeedbackItem, error)
}

// ContentStore reads and writes the content field of a document. SetContent
// must leave every other document field untouched. Stores that share a
// transaction with the feedback Store lock the document on GetContent.
type ContentStore interface {
	GetContent(ctx context.Context, documentID string) (string, error)
	SetContent(ctx context.Context, documentID, content string) error
}

// MergeOrder selects the order in which a batch of items is applied.
type MergeOrder string

// Supported merge orders.
const (
	// OrderGiven applies items in the order the caller listed them.
	OrderGiven MergeOrder = "given"
	// OrderSeverity applies CRITICAL items first, then MAJOR, SUBSTANTIVE
	// and ADMINISTRATIVE, keeping the caller's order within a type.
	OrderSeverity MergeOrder = "severity"
	// OrderLocation applies items by page, paragraph and line.
	OrderLocation MergeOrder = "location"
)

// ParseMergeOrder validates an order string. Empty means OrderGiven.
func ParseMergeOrder(s string) (MergeOrder, error) {
	switch MergeOrder(strings.ToLower(strings.TrimSpace(s))) {
	case "", OrderGiven:
		return OrderGiven, nil
	case OrderSeverity:
		return OrderSeverity, nil
	case OrderLocation:
		return OrderLocation, nil
	}
	return "", model.NewBadRequestError(fmt.Sprintf("unknown merge order %q", s))
}

// Engine owns feedback status transitions, including the transition to
// MERGED.
type Engine struct {
	store   Store
	content ContentStore
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine creates a feedback Engine. logger may be nil.
func NewEngine(store Store, content ContentStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   store,
		content: content,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit records a new PENDING feedback item against a document.
func (e *Engine) Submit(ctx context.Context, documentID string, item model.FeedbackItem) (model.FeedbackItem, error) {
	if documentID == "" {
		return model.FeedbackItem{}, model.NewBadRequestError("document id is required")
	}
	if item.ChangeFrom == "" {
		return model.FeedbackItem{}, model.NewInvalidFeedbackError("change_from must not be empty")
	}
	if item.CommentType == "" {
		item.CommentType = model.CommentAdministrative
	}
	item.CommentType = model.CommentType(strings.ToUpper(string(item.CommentType)))
	if !item.CommentType.Valid() {
		return model.FeedbackItem{}, model.NewInvalidFeedbackError(
			fmt.Sprintf("unknown comment type %q", item.CommentType),
		)
	}

	item.ID = uuid.New().String()
	item.DocumentID = documentID
	item.Status = model.FeedbackPending
	item.CreatedAt = e.now()
	item.DecidedAt = nil
	item.MergedAt = nil

	if err := e.store.InsertFeedback(ctx, item); err != nil {
		return model.FeedbackItem{}, err
	}
	return item, nil
}

// Decide accepts or rejects a PENDING item.
func (e *Engine) Decide(ctx context.Context, feedbackID string, status model.FeedbackStatus) (model.FeedbackItem, error) {
	if status != model.FeedbackAccepted && status != model.FeedbackRejected {
		return model.FeedbackItem{}, model.NewBadRequestError(
			fmt.Sprintf("decision must be %s or %s", model.FeedbackAccepted, model.FeedbackRejected),
		)
	}

	item, err := e.store.GetFeedback(ctx, feedbackID)
	if err != nil {
		return model.FeedbackItem{}, err
	}
	if item.Status != model.FeedbackPending {
		return model.FeedbackItem{}, model.NewConflictError(
			fmt.Sprintf("feedback %q is %s and can no longer be decided", feedbackID, item.Status),
		)
	}

	now := e.now()
	item.Status = status
	item.DecidedAt = &now
	if err := e.store.UpdateFeedback(ctx, item); err != nil {
		return model.FeedbackItem{}, err
	}
	return item, nil
}

// List returns the feedback of a document.
func (e *Engine) List(ctx context.Context, documentID string) ([]model.FeedbackItem, error) {
	return e.store.ListFeedback(ctx, documentID)
}

type mergeEntry struct {
	pos  int
	id   string
	item model.FeedbackItem
	err  error
}

// Merge applies the listed ACCEPTED items to the document content
// sequentially in the requested order. A failing item is reported in the
// per-item results and never aborts the batch; later items see the content
// produced by earlier ones. Content is written back once, then applied
// items are marked MERGED. Storage failures abort the whole merge.
func (e *Engine) Merge(ctx context.Context, documentID string, ids []string, order MergeOrder) (model.MergeReport, error) {
	if documentID == "" {
		return model.MergeReport{}, model.NewBadRequestError("document id is required")
	}
	if len(ids) == 0 {
		return model.MergeReport{}, model.NewBadRequestError("at least one feedback id is required")
	}
	if order == "" {
		order = OrderGiven
	}

	// 1. Read the current content. Stores that lock it hold the document
	// for the rest of the unit of work, so merges of one document run one
	// at a time.
	original, err := e.content.GetContent(ctx, documentID)
	if err != nil {
		return model.MergeReport{}, err
	}

	// 2. Load items and decide which ones are eligible. A missing item is
	// a per-item failure; any other read error aborts the merge.
	entries := make([]mergeEntry, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for i, id := range ids {
		entry := mergeEntry{pos: i, id: id}
		if seen[id] {
			entry.err = model.NewBadRequestError(fmt.Sprintf("feedback %q listed more than once", id))
			entries = append(entries, entry)
			continue
		}
		seen[id] = true

		item, err := e.store.GetFeedback(ctx, id)
		switch {
		case model.IsCode(err, model.ErrNotFound):
			entry.err = err
		case err != nil:
			return model.MergeReport{}, fmt.Errorf("load feedback %q: %w", id, err)
		default:
			entry.item = item
			entry.err = eligible(documentID, item)
		}
		entries = append(entries, entry)
	}

	// 3. Order the batch.
	sortEntries(entries, order)

	// 4. Apply sequentially against the current content.
	report := model.MergeReport{DocumentID: documentID, Items: make([]model.MergeItemResult, 0, len(entries))}
	content := original
	var applied []model.FeedbackItem
	for _, entry := range entries {
		res := model.MergeItemResult{FeedbackID: entry.id}
		if entry.err != nil {
			res.Error = envelope(entry.err)
			report.Failed++
			report.Items = append(report.Items, res)
			continue
		}

		next, summary, err := Apply(content, entry.item.ChangeFrom, entry.item.ChangeTo)
		if err != nil {
			res.Error = envelope(err)
			report.Failed++
			report.Items = append(report.Items, res)
			continue
		}

		content = next
		res.Applied = true
		res.Summary = summary
		report.Applied++
		report.Total.Replacements += summary.Replacements
		report.Total.ByteDelta += summary.ByteDelta
		report.Items = append(report.Items, res)
		applied = append(applied, entry.item)
	}
	report.Content = content

	if len(applied) == 0 {
		return report, nil
	}

	// 5. Persist content, then mark items MERGED.
	if err := e.content.SetContent(ctx, documentID, content); err != nil {
		return model.MergeReport{}, fmt.Errorf("write merged content: %w", err)
	}
	now := e.now()
	for _, item := range applied {
		item.Status = model.FeedbackMerged
		item.MergedAt = &now
		if err := e.store.UpdateFeedback(ctx, item); err != nil {
			return model.MergeReport{}, fmt.Errorf("mark feedback %q merged: %w", item.ID, err)
		}
	}

	e.logger.Info("feedback merged",
		zap.String("document_id", documentID),
		zap.String("order", string(order)),
		zap.Int("applied", report.Applied),
		zap.Int("failed", report.Failed),
		zap.Int("replacements", report.Total.Replacements))

	return report, nil
}

// MergeOne merges a single ACCEPTED item and returns its error directly.
// Merging an item that is already MERGED fails and leaves the content
// unchanged.
func (e *Engine) MergeOne(ctx context.Context, documentID, feedbackID string) (model.MergeReport, error) {
	report, err := e.Merge(ctx, documentID, []string{feedbackID}, OrderGiven)
	if err != nil {
		return model.MergeReport{}, err
	}
	if res := report.Items[0]; res.Error != nil {
		return report, res.Error
	}
	return report, nil
}

// Stats counts the feedback of a document by status and by comment type.
func (e *Engine) Stats(ctx context.Context, documentID string) (model.FeedbackStats, error) {
	items, err := e.store.ListFeedback(ctx, documentID)
	if err != nil {
		return model.FeedbackStats{}, err
	}
	stats := model.FeedbackStats{
		DocumentID: documentID,
		Total:      len(items),
		ByStatus:   make(map[model.FeedbackStatus]int),
		ByType:     make(map[model.CommentType]int),
	}
	for _, it := range items {
		stats.ByStatus[it.Status]++
		stats.ByType[it.CommentType]++
	}
	return stats, nil
}

func eligible(documentID string, item model.FeedbackItem) error {
	switch {
	case item.DocumentID != documentID:
		return model.NewInvalidFeedbackError(
			fmt.Sprintf("feedback %q belongs to document %q", item.ID, item.DocumentID),
		)
	case item.Status == model.FeedbackMerged:
		return model.NewConflictError(fmt.Sprintf("feedback %q is already merged", item.ID))
	case item.Status == model.FeedbackRejected:
		return model.NewInvalidFeedbackError(fmt.Sprintf("feedback %q was rejected", item.ID))
	case item.Status != model.FeedbackAccepted:
		return model.NewPreconditionFailedError(
			fmt.Sprintf("feedback %q is %s and must be accepted before it is merged", item.ID, item.Status),
		)
	}
	return nil
}

func sortEntries(entries []mergeEntry, order MergeOrder) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		// Ineligible entries keep their relative order after eligible ones.
		if (a.err == nil) != (b.err == nil) {
			return a.err == nil
		}
		if a.err != nil {
			return a.pos < b.pos
		}
		switch order {
		case OrderSeverity:
			if ra, rb := a.item.CommentType.Rank(), b.item.CommentType.Rank(); ra != rb {
				return ra < rb
			}
		case OrderLocation:
			la, lb := a.item.Locator, b.item.Locator
			if la.Page != lb.Page {
				return la.Page < lb.Page
			}
			if la.Paragraph != lb.Paragraph {
				return la.Paragraph < lb.Paragraph
			}
			if la.Line != lb.Line {
				return la.Line < lb.Line
			}
		}
		return a.pos < b.pos
	})
}

func envelope(err error) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	return model.NewInternalError()
}
