package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/docflow/internal/feedback"
	"github.com/pitabwire/docflow/internal/task"
	"github.com/pitabwire/docflow/model"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the tables and indexes the store needs. It is idempotent.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx implements Store.
func (s *PgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

// View implements Store with a read-only repeatable-read transaction.
func (s *PgStore) View(ctx context.Context, fn func(tx Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	return pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx, readOnly: true})
	})
}

// HealthCheck implements Store.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements Store.
func (s *PgStore) Close() {
	s.pool.Close()
}

type pgTx struct {
	q querier
	// readOnly transactions cannot take row locks.
	readOnly bool
}

// forUpdate returns the row-locking suffix for reads that precede a write
// in the same transaction.
func (t *pgTx) forUpdate() string {
	if t.readOnly {
		return ""
	}
	return " FOR UPDATE"
}

func mapWriteErr(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.NewConflictError(fmt.Sprintf("%s conflicts with an existing row (%s)", what, pgErr.ConstraintName))
	}
	return fmt.Errorf("%s: %w", what, err)
}

func marshalMeta(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func unmarshalMeta(b []byte) (map[string]any, error) {
	if b == nil {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}

const instanceColumns = `id, document_id, workflow_id, definition_checksum, current_stage_id, is_active,
	metadata, version, created_at, updated_at, completed_at`

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var meta []byte
	if err := row.Scan(
		&inst.ID, &inst.DocumentID, &inst.WorkflowID, &inst.DefinitionChecksum, &inst.CurrentStageID, &inst.IsActive,
		&meta, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	m, err := unmarshalMeta(meta)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Metadata = m
	return inst, nil
}

func (t *pgTx) getInstance(ctx context.Context, id, suffix string) (model.WorkflowInstance, error) {
	inst, err := scanInstance(t.q.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", id),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

func (t *pgTx) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	return t.getInstance(ctx, id, "")
}

func (t *pgTx) LockInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	return t.getInstance(ctx, id, t.forUpdate())
}

func (t *pgTx) ActiveInstance(ctx context.Context, documentID string) (model.WorkflowInstance, bool, error) {
	inst, err := scanInstance(t.q.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE document_id = $1 AND is_active`+t.forUpdate(), documentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, false, nil
	}
	if err != nil {
		return model.WorkflowInstance{}, false, fmt.Errorf("query active instance: %w", err)
	}
	return inst, true, nil
}

func (t *pgTx) InsertInstance(ctx context.Context, inst model.WorkflowInstance) error {
	meta, err := marshalMeta(inst.Metadata)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inst.ID, inst.DocumentID, inst.WorkflowID, inst.DefinitionChecksum, inst.CurrentStageID, inst.IsActive,
		meta, inst.Version, inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.NewConflictError(
				fmt.Sprintf("document %q already has an active workflow instance", inst.DocumentID),
			)
		}
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateInstance(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	meta, err := marshalMeta(inst.Metadata)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	// Inactive rows never match the final predicate when inst would
	// reactivate them.
	tag, err := t.q.Exec(ctx, `
		UPDATE workflow_instances SET
			current_stage_id = $1,
			is_active = $2,
			metadata = $3,
			version = $4,
			updated_at = $5,
			completed_at = $6
		WHERE id = $7 AND version = $8 AND (is_active OR NOT $2)`,
		inst.CurrentStageID, inst.IsActive, meta, inst.Version+1,
		inst.UpdatedAt, inst.CompletedAt,
		inst.ID, inst.Version,
	)
	if err != nil {
		return model.WorkflowInstance{}, mapWriteErr(err, "update workflow instance")
	}
	if tag.RowsAffected() == 0 {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	inst.Version++
	return inst, nil
}

func (t *pgTx) ListInstances(ctx context.Context, documentID string) ([]model.WorkflowInstance, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE document_id = $1 ORDER BY created_at ASC, id ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (t *pgTx) FindInstances(ctx context.Context, f InstanceFilter) ([]model.WorkflowInstance, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkflowID != "" {
		args = append(args, f.WorkflowID)
		where = append(where, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if f.ActiveOnly {
		where = append(where, "is_active")
	}
	if !f.UpdatedBefore.IsZero() {
		args = append(args, f.UpdatedBefore)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}
	sql := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY updated_at ASC, id ASC`

	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

const eventColumns = `id, instance_id, document_id, sequence, from_stage_id, to_stage_id,
	action, label, performed_by, metadata, created_at`

func scanEvent(row pgx.Row) (model.TransitionEvent, error) {
	var ev model.TransitionEvent
	var meta []byte
	if err := row.Scan(
		&ev.ID, &ev.InstanceID, &ev.DocumentID, &ev.Sequence, &ev.FromStageID, &ev.ToStageID,
		&ev.Action, &ev.Label, &ev.PerformedBy, &meta, &ev.Timestamp,
	); err != nil {
		return model.TransitionEvent{}, err
	}
	m, err := unmarshalMeta(meta)
	if err != nil {
		return model.TransitionEvent{}, err
	}
	ev.Metadata = m
	return ev, nil
}

func (t *pgTx) InsertEvent(ctx context.Context, ev model.TransitionEvent) error {
	meta, err := marshalMeta(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO workflow_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.InstanceID, ev.DocumentID, ev.Sequence, ev.FromStageID, ev.ToStageID,
		ev.Action, ev.Label, ev.PerformedBy, meta, ev.Timestamp,
	)
	if err != nil {
		return mapWriteErr(err, "insert workflow event")
	}
	return nil
}

func (t *pgTx) LastEvent(ctx context.Context, instanceID string) (model.TransitionEvent, bool, error) {
	ev, err := scanEvent(t.q.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM workflow_events
		 WHERE instance_id = $1 ORDER BY sequence DESC LIMIT 1`, instanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TransitionEvent{}, false, nil
	}
	if err != nil {
		return model.TransitionEvent{}, false, fmt.Errorf("query last event: %w", err)
	}
	return ev, true, nil
}

func (t *pgTx) queryEvents(ctx context.Context, sql string, arg string) ([]model.TransitionEvent, error) {
	rows, err := t.q.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var out []model.TransitionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (t *pgTx) ListEvents(ctx context.Context, instanceID string) ([]model.TransitionEvent, error) {
	return t.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM workflow_events
		 WHERE instance_id = $1 ORDER BY sequence ASC`, instanceID)
}

func (t *pgTx) ListEventsByDocument(ctx context.Context, documentID string) ([]model.TransitionEvent, error) {
	return t.queryEvents(ctx, `
		SELECT e.id, e.instance_id, e.document_id, e.sequence, e.from_stage_id, e.to_stage_id,
		       e.action, e.label, e.performed_by, e.metadata, e.created_at
		FROM workflow_events e
		JOIN workflow_instances i ON i.id = e.instance_id
		WHERE e.document_id = $1
		ORDER BY i.created_at ASC, i.id ASC, e.sequence ASC`, documentID)
}

const taskColumns = `id, instance_id, stage_id, assigned_to_id, status, decision, created_at, completed_at`

func scanTask(row pgx.Row) (model.ReviewTask, error) {
	var rt model.ReviewTask
	err := row.Scan(&rt.ID, &rt.InstanceID, &rt.StageID, &rt.AssignedToID,
		&rt.Status, &rt.Decision, &rt.CreatedAt, &rt.CompletedAt)
	return rt, err
}

func (t *pgTx) InsertTask(ctx context.Context, rt model.ReviewTask) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO review_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rt.ID, rt.InstanceID, rt.StageID, rt.AssignedToID, rt.Status, rt.Decision, rt.CreatedAt, rt.CompletedAt,
	)
	if err != nil {
		return mapWriteErr(err, "insert review task")
	}
	return nil
}

func (t *pgTx) GetTask(ctx context.Context, id string) (model.ReviewTask, error) {
	rt, err := scanTask(t.q.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM review_tasks WHERE id = $1`+t.forUpdate(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ReviewTask{}, model.NewNotFoundError(fmt.Sprintf("review task %q not found", id))
	}
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("query review task: %w", err)
	}
	return rt, nil
}

func (t *pgTx) UpdateTask(ctx context.Context, rt model.ReviewTask) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE review_tasks SET status = $1, decision = $2, completed_at = $3
		WHERE id = $4 AND status = 'PENDING'`,
		rt.Status, rt.Decision, rt.CompletedAt, rt.ID,
	)
	if err != nil {
		return mapWriteErr(err, "update review task")
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("review task %q is not pending", rt.ID))
	}
	return nil
}

func (t *pgTx) ListTasks(ctx context.Context, f task.Filter) ([]model.ReviewTask, error) {
	query := `SELECT ` + taskColumns + ` FROM review_tasks WHERE true`
	var args []any
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		query += fmt.Sprintf(" AND %s = $%d", col, len(args))
	}
	add("instance_id", f.InstanceID)
	add("stage_id", f.StageID)
	add("assigned_to_id", f.AssignedToID)
	add("status", string(f.Status))
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query review tasks: %w", err)
	}
	defer rows.Close()

	var out []model.ReviewTask
	for rows.Next() {
		rt, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review task: %w", err)
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

const feedbackColumns = `id, document_id, instance_id, stage_id, reviewer_id, component, comment_type,
	page, paragraph, line, change_from, change_to, justification, status,
	created_at, decided_at, merged_at`

func scanFeedback(row pgx.Row) (model.FeedbackItem, error) {
	var it model.FeedbackItem
	err := row.Scan(
		&it.ID, &it.DocumentID, &it.InstanceID, &it.StageID, &it.ReviewerID, &it.Component, &it.CommentType,
		&it.Locator.Page, &it.Locator.Paragraph, &it.Locator.Line, &it.ChangeFrom, &it.ChangeTo,
		&it.Justification, &it.Status, &it.CreatedAt, &it.DecidedAt, &it.MergedAt,
	)
	return it, err
}

func (t *pgTx) InsertFeedback(ctx context.Context, it model.FeedbackItem) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO feedback_items (`+feedbackColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		it.ID, it.DocumentID, it.InstanceID, it.StageID, it.ReviewerID, it.Component, it.CommentType,
		it.Locator.Page, it.Locator.Paragraph, it.Locator.Line, it.ChangeFrom, it.ChangeTo,
		it.Justification, it.Status, it.CreatedAt, it.DecidedAt, it.MergedAt,
	)
	if err != nil {
		return mapWriteErr(err, "insert feedback")
	}
	return nil
}

// GetFeedback locks the row inside InTx so a concurrent decide or merge of
// the same item waits for this transaction.
func (t *pgTx) GetFeedback(ctx context.Context, id string) (model.FeedbackItem, error) {
	it, err := scanFeedback(t.q.QueryRow(ctx,
		`SELECT `+feedbackColumns+` FROM feedback_items WHERE id = $1`+t.forUpdate(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.FeedbackItem{}, model.NewNotFoundError(fmt.Sprintf("feedback %q not found", id))
	}
	if err != nil {
		return model.FeedbackItem{}, fmt.Errorf("query feedback: %w", err)
	}
	return it, nil
}

func (t *pgTx) UpdateFeedback(ctx context.Context, it model.FeedbackItem) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE feedback_items SET status = $1, decided_at = $2, merged_at = $3
		WHERE id = $4 AND status <> 'MERGED'`,
		it.Status, it.DecidedAt, it.MergedAt, it.ID,
	)
	if err != nil {
		return mapWriteErr(err, "update feedback")
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("feedback %q is merged and immutable", it.ID))
	}
	return nil
}

func (t *pgTx) ListFeedback(ctx context.Context, documentID string) ([]model.FeedbackItem, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+feedbackColumns+` FROM feedback_items
		 WHERE document_id = $1 ORDER BY created_at ASC, id ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var out []model.FeedbackItem
	for rows.Next() {
		it, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// PgContentStore reads and writes documents.content and touches nothing
// else on the row. Bound to a unit of work it runs on that transaction and
// GetContent locks the document row until commit.
type PgContentStore struct {
	q    querier
	lock bool
}

// NewPgContentStore creates a content store over the documents table.
func NewPgContentStore(pool *pgxpool.Pool) *PgContentStore {
	return &PgContentStore{q: pool}
}

// Bind implements TxContentStore. Transactions of other stores are
// ignored.
func (c *PgContentStore) Bind(tx Tx) feedback.ContentStore {
	t, ok := tx.(*pgTx)
	if !ok {
		return c
	}
	return &PgContentStore{q: t.q, lock: !t.readOnly}
}

// GetContent returns the content of a document.
func (c *PgContentStore) GetContent(ctx context.Context, documentID string) (string, error) {
	query := `SELECT content FROM documents WHERE id = $1`
	if c.lock {
		query += ` FOR UPDATE`
	}
	var content string
	err := c.q.QueryRow(ctx, query, documentID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", model.NewNotFoundError(fmt.Sprintf("document %q not found", documentID))
	}
	if err != nil {
		return "", fmt.Errorf("query document content: %w", err)
	}
	return content, nil
}

// SetContent replaces the content column of a document.
func (c *PgContentStore) SetContent(ctx context.Context, documentID, content string) error {
	tag, err := c.q.Exec(ctx,
		`UPDATE documents SET content = $1, updated_at = $2 WHERE id = $3`,
		content, time.Now().UTC(), documentID)
	if err != nil {
		return fmt.Errorf("update document content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("document %q not found", documentID))
	}
	return nil
}
