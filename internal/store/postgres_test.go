package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pitabwire/docflow/model"
)

// recordingQuerier captures the SQL a pgTx sends and answers every row
// query with content.
type recordingQuerier struct {
	sql     []string
	content string
}

func (q *recordingQuerier) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	q.sql = append(q.sql, sql)
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (q *recordingQuerier) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	q.sql = append(q.sql, sql)
	return nil, errors.New("not supported")
}

func (q *recordingQuerier) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	q.sql = append(q.sql, sql)
	return contentRow{content: q.content}
}

type contentRow struct{ content string }

func (r contentRow) Scan(dest ...any) error {
	if len(dest) != 1 {
		return pgx.ErrNoRows
	}
	p, ok := dest[0].(*string)
	if !ok {
		return pgx.ErrNoRows
	}
	*p = r.content
	return nil
}

func TestPgContentStore_boundToWriteTxLocksDocument(t *testing.T) {
	ctx := context.Background()
	q := &recordingQuerier{content: "text"}
	content := ContentIn(&pgTx{q: q}, NewPgContentStore(nil))

	got, err := content.GetContent(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if got != "text" {
		t.Errorf("content = %q, want text", got)
	}
	if err := content.SetContent(ctx, "doc-1", "TEXT"); err != nil {
		t.Fatalf("SetContent: %v", err)
	}

	if len(q.sql) != 2 {
		t.Fatalf("statements = %d, want both on the transaction", len(q.sql))
	}
	if !strings.HasSuffix(q.sql[0], "FOR UPDATE") {
		t.Errorf("content read does not lock the document: %s", q.sql[0])
	}
	if !strings.HasPrefix(q.sql[1], "UPDATE documents") {
		t.Errorf("content write = %s", q.sql[1])
	}
}

func TestPgContentStore_readOnlyTxDoesNotLock(t *testing.T) {
	q := &recordingQuerier{content: "text"}
	content := ContentIn(&pgTx{q: q, readOnly: true}, NewPgContentStore(nil))

	if _, err := content.GetContent(context.Background(), "doc-1"); err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if strings.Contains(q.sql[0], "FOR UPDATE") {
		t.Errorf("read-only view must not take row locks: %s", q.sql[0])
	}
}

func TestPgContentStore_otherStoresAreNotBound(t *testing.T) {
	pg := NewPgContentStore(nil)
	var tx Tx = &memTx{st: newState()}
	if got := ContentIn(tx, pg); got != pg {
		t.Error("a memory transaction should leave the content store unbound")
	}

	mem := NewMemoryContentStore()
	if got := ContentIn(&pgTx{q: &recordingQuerier{}}, mem); got != mem {
		t.Error("a store without Bind should be returned as is")
	}
}

func TestPgTx_readsLockOnlyInsideWriteTx(t *testing.T) {
	ctx := context.Background()

	write := &recordingQuerier{}
	wtx := &pgTx{q: write}
	// contentRow cannot scan a feedback row, so the read reports NOT_FOUND;
	// only the SQL matters here.
	_, err := wtx.GetFeedback(ctx, "fb-1")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("GetFeedback error = %v", err)
	}
	_, _, _ = wtx.ActiveInstance(ctx, "doc-1")
	for _, sql := range write.sql {
		if !strings.HasSuffix(sql, "FOR UPDATE") {
			t.Errorf("write transaction read without lock: %s", sql)
		}
	}

	read := &recordingQuerier{}
	rtx := &pgTx{q: read, readOnly: true}
	_, _ = rtx.GetFeedback(ctx, "fb-1")
	_, _, _ = rtx.ActiveInstance(ctx, "doc-1")
	_, _ = rtx.GetTask(ctx, "task-1")
	for _, sql := range read.sql {
		if strings.Contains(sql, "FOR UPDATE") {
			t.Errorf("read-only transaction took a row lock: %s", sql)
		}
	}
}

func TestPgTx_FindInstances_buildsFilter(t *testing.T) {
	q := &recordingQuerier{}
	tx := &pgTx{q: q, readOnly: true}
	_, _ = tx.FindInstances(context.Background(), InstanceFilter{
		WorkflowID:    "publication-review",
		ActiveOnly:    true,
		UpdatedBefore: time.Now(),
	})

	if len(q.sql) != 1 {
		t.Fatalf("statements = %d, want 1", len(q.sql))
	}
	sql := q.sql[0]
	for _, want := range []string{"workflow_id = $1", "is_active", "updated_at < $2", "ORDER BY updated_at ASC"} {
		if !strings.Contains(sql, want) {
			t.Errorf("query %q lacks %q", sql, want)
		}
	}

	q.sql = nil
	_, _ = tx.FindInstances(context.Background(), InstanceFilter{})
	if strings.Contains(q.sql[0], "WHERE") {
		t.Errorf("empty filter should not restrict: %s", q.sql[0])
	}
}
