package integration

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pitabwire/docflow/internal/store"
	"github.com/pitabwire/docflow/internal/workflow"
	"github.com/pitabwire/docflow/model"
)

// ==========================================================================
// Helpers
// ==========================================================================

func startPublication(t *testing.T, h *TestHarness, documentID string) workflow.Result {
	t.Helper()

	resp := h.POST("/v1/documents/"+documentID+"/workflow/start", map[string]any{
		"workflow_id": "publication-review",
	}, h.Token("user-ao"))

	var res workflow.Result
	h.AssertJSON(t, resp, http.StatusCreated, &res)
	if res.Instance.ID == "" {
		t.Fatal("expected workflow instance ID in start response")
	}
	return res
}

func advance(t *testing.T, h *TestHarness, instanceID, actor string, body map[string]any) workflow.Result {
	t.Helper()
	var res workflow.Result
	h.AssertJSON(t, h.POST("/v1/workflows/instances/"+instanceID+"/advance", body, h.Token(actor)), http.StatusOK, &res)
	return res
}

func completeTasks(t *testing.T, h *TestHarness, reviewer string) {
	t.Helper()
	var list struct {
		Data []model.ReviewTask `json:"data"`
	}
	h.AssertJSON(t, h.GET("/v1/tasks", h.Token(reviewer)), http.StatusOK, &list)
	if len(list.Data) == 0 {
		t.Fatalf("%s has no pending tasks", reviewer)
	}
	for _, task := range list.Data {
		resp := h.POST("/v1/tasks/"+task.ID+"/complete", map[string]any{"decision": model.DecisionApprove}, h.Token(reviewer))
		h.AssertStatus(t, resp, http.StatusOK)
	}
}

func receive(t *testing.T, ch chan *nats.Msg) model.TransitionEvent {
	t.Helper()
	select {
	case msg := <-ch:
		var ev model.TransitionEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return model.TransitionEvent{}
	}
}

// ==========================================================================
// Full Publication Lifecycle
// ==========================================================================

func TestWorkflow_FullPublicationLifecycle(t *testing.T) {
	h := NewTestHarness(t, WithEvents())
	events := h.Subscribe("docflow.workflow.>")

	// 1. Start at draft.
	started := startPublication(t, h, "doc-1")
	instanceID := started.Instance.ID
	if got := receive(t, events); got.Action != model.ActionStart || got.ToStageID != "draft" {
		t.Fatalf("start event = %+v", got)
	}

	// 2. Submit to coordination; configured reviewers are assigned.
	res := advance(t, h, instanceID, "user-ao", map[string]any{"action": "submit"})
	if res.Instance.CurrentStageID != "coordination" || len(res.Tasks) != 2 {
		t.Fatalf("after submit = %s", FormatJSON(res))
	}
	receive(t, events)

	// 3. Coordination cannot advance until both reviews are in.
	h.AssertErrorCode(t,
		h.POST("/v1/workflows/instances/"+instanceID+"/advance", nil, h.Token("user-pcm")),
		http.StatusPreconditionFailed, model.ErrPreconditionFailed)

	completeTasks(t, h, "reviewer-1")
	completeTasks(t, h, "reviewer-2")

	// 4. Coordination -> legal -> publish -> complete.
	res = advance(t, h, instanceID, "user-pcm", nil)
	if res.Instance.CurrentStageID != "legal" {
		t.Fatalf("stage = %s, want legal", res.Instance.CurrentStageID)
	}
	receive(t, events)

	res = advance(t, h, instanceID, "user-legal", nil)
	if res.Instance.CurrentStageID != "publish" {
		t.Fatalf("stage = %s, want publish", res.Instance.CurrentStageID)
	}
	receive(t, events)

	res = advance(t, h, instanceID, "user-afdpo", nil)
	if res.Instance.IsActive || res.Instance.CompletedAt == nil {
		t.Fatalf("instance should be completed: %s", FormatJSON(res.Instance))
	}
	if got := receive(t, events); got.Action != model.ActionComplete {
		t.Errorf("last event action = %s, want COMPLETE", got.Action)
	}

	// 5. History replays the whole path.
	var history struct {
		Data []model.TransitionEvent `json:"data"`
	}
	h.AssertJSON(t, h.GET("/v1/workflows/instances/"+instanceID+"/history", h.Token("user-ao")), http.StatusOK, &history)
	if len(history.Data) != 5 {
		t.Fatalf("history = %d events, want 5", len(history.Data))
	}
	for i, ev := range history.Data {
		if ev.Sequence != i+1 {
			t.Errorf("event %d sequence = %d", i, ev.Sequence)
		}
	}
	if history.Data[4].Sequence != res.Instance.Version {
		t.Errorf("last sequence %d != instance version %d", history.Data[4].Sequence, res.Instance.Version)
	}

	// 6. A completed document has no active workflow; a new one may start.
	var status model.WorkflowStatus
	h.AssertJSON(t, h.GET("/v1/documents/doc-1/workflow", h.Token("user-ao")), http.StatusOK, &status)
	if status.State != model.StateNone {
		t.Errorf("state = %s, want NONE", status.State)
	}
	startPublication(t, h, "doc-1")
}

func TestWorkflow_StaleVersionIsReplayedOrRejected(t *testing.T) {
	h := NewTestHarness(t)
	started := startPublication(t, h, "doc-2")
	instanceID := started.Instance.ID

	body := map[string]any{"action": "submit", "expected_version": started.Instance.Version}
	first := advance(t, h, instanceID, "user-ao", body)

	// Same request again: the store already holds its outcome.
	second := advance(t, h, instanceID, "user-ao", body)
	if !second.Replayed || second.Instance.Version != first.Instance.Version {
		t.Errorf("retry = %s", FormatJSON(second))
	}
}

func TestWorkflow_MoveBackwardAndReset(t *testing.T) {
	h := NewTestHarness(t)
	started := startPublication(t, h, "doc-3")
	instanceID := started.Instance.ID
	advance(t, h, instanceID, "user-ao", map[string]any{"action": "submit"})

	var res workflow.Result
	h.AssertJSON(t, h.POST("/v1/workflows/instances/"+instanceID+"/move-backward",
		map[string]any{"target_stage_id": "draft"}, h.Token("user-pcm")), http.StatusOK, &res)
	if res.Instance.CurrentStageID != "draft" || res.Event.Action != model.ActionMoveBackward {
		t.Fatalf("move backward = %s", FormatJSON(res))
	}

	// Reset needs ADMIN or OPR.
	h.AssertErrorCode(t, h.POST("/v1/documents/doc-3/workflow/reset", nil, h.Token("user-ao")),
		http.StatusForbidden, model.ErrForbidden)
	h.AssertStatus(t, h.POST("/v1/documents/doc-3/workflow/reset", nil, h.Token("user-admin")), http.StatusOK)

	var history struct {
		Data []model.TransitionEvent `json:"data"`
	}
	h.AssertJSON(t, h.GET("/v1/documents/doc-3/workflow/history", h.Token("user-ao")), http.StatusOK, &history)
	last := history.Data[len(history.Data)-1]
	if last.Action != model.ActionReset {
		t.Errorf("last action = %s, want RESET", last.Action)
	}
}

// ==========================================================================
// Feedback
// ==========================================================================

func TestWorkflow_FeedbackMergedIntoContent(t *testing.T) {
	h := NewTestHarness(t)
	h.Content.Put(store.Document{ID: "doc-4", Title: "Policy", Content: "Teh policy applies to teh staff."})
	started := startPublication(t, h, "doc-4")
	advance(t, h, started.Instance.ID, "user-ao", map[string]any{"action": "submit"})

	submit := func(reviewer string, item map[string]any) model.FeedbackItem {
		var out model.FeedbackItem
		h.AssertJSON(t, h.POST("/v1/documents/doc-4/feedback", item, h.Token(reviewer)), http.StatusCreated, &out)
		if out.InstanceID != started.Instance.ID || out.StageID != "coordination" {
			t.Errorf("feedback bound to %s/%s", out.InstanceID, out.StageID)
		}
		return out
	}
	typo := submit("reviewer-1", map[string]any{"comment_type": "ADMINISTRATIVE", "change_from": "teh", "change_to": "the"})
	title := submit("reviewer-2", map[string]any{"comment_type": "CRITICAL", "change_from": "Teh", "change_to": "The"})
	missing := submit("reviewer-2", map[string]any{"change_from": "absent phrase", "change_to": "x"})
	pending := submit("reviewer-1", map[string]any{"change_from": "staff", "change_to": "personnel"})

	// The legal reviewer holds no task at coordination.
	h.AssertErrorCode(t, h.POST("/v1/documents/doc-4/feedback", map[string]any{"change_from": "policy", "change_to": "rule"},
		h.Token("user-legal")), http.StatusForbidden, model.ErrForbidden)

	for _, item := range []model.FeedbackItem{typo, title, missing} {
		h.AssertStatus(t, h.POST("/v1/feedback/"+item.ID+"/decision",
			map[string]any{"status": "ACCEPTED"}, h.Token("user-pcm")), http.StatusOK)
	}

	h.AssertErrorCode(t, h.POST("/v1/documents/doc-4/feedback/merge", map[string]any{
		"feedback_ids": []string{typo.ID},
	}, h.Token("reviewer-1")), http.StatusForbidden, model.ErrForbidden)

	var report model.MergeReport
	h.AssertJSON(t, h.POST("/v1/documents/doc-4/feedback/merge", map[string]any{
		"feedback_ids": []string{typo.ID, title.ID, missing.ID, pending.ID},
		"order":        "severity",
	}, h.Token("user-pcm")), http.StatusOK, &report)

	if report.Content != "The policy applies to the staff." {
		t.Errorf("content = %q", report.Content)
	}
	if report.Applied != 2 || report.Failed != 2 {
		t.Errorf("applied/failed = %d/%d, want 2/2", report.Applied, report.Failed)
	}
	for _, it := range report.Items {
		if it.FeedbackID == pending.ID && (it.Error == nil || it.Error.Code != model.ErrPreconditionFailed) {
			t.Errorf("undecided item result = %+v", it)
		}
	}

	doc, _ := h.Content.Document("doc-4")
	if doc.Content != report.Content {
		t.Errorf("stored content = %q", doc.Content)
	}

	var stats model.FeedbackStats
	h.AssertJSON(t, h.GET("/v1/documents/doc-4/feedback/stats", h.Token("user-ao")), http.StatusOK, &stats)
	if stats.ByStatus[model.FeedbackMerged] != 2 || stats.ByStatus[model.FeedbackAccepted] != 1 || stats.ByStatus[model.FeedbackPending] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

// ==========================================================================
// Idempotency
// ==========================================================================

func TestWorkflow_IdempotentStartAcrossRetries(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())
	token := h.Token("user-ao")
	headers := map[string]string{"X-Idempotency-Key": "start-doc-5"}
	body := map[string]any{"workflow_id": "publication-review"}

	var first, second workflow.Result
	h.AssertJSON(t, h.POSTWithHeaders("/v1/documents/doc-5/workflow/start", body, token, headers), http.StatusCreated, &first)

	resp := h.POSTWithHeaders("/v1/documents/doc-5/workflow/start", body, token, headers)
	if resp.Header.Get("Idempotent-Replayed") != "true" {
		t.Error("second start should be replayed")
	}
	h.AssertJSON(t, resp, http.StatusCreated, &second)
	if first.Instance.ID != second.Instance.ID {
		t.Errorf("instance ids differ: %s vs %s", first.Instance.ID, second.Instance.ID)
	}

	// Same key with a different body is a conflict.
	h.AssertErrorCode(t,
		h.POSTWithHeaders("/v1/documents/doc-5/workflow/start", map[string]any{"workflow_id": "other"}, token, headers),
		http.StatusConflict, model.ErrConflict)
}
