package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/docflow/internal/workflow"
)

type assignRequest struct {
	Reviewers []string `json:"reviewers"`
}

func handleAssignReviewers(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorID(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var body assignRequest
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		tasks, err := svc.AssignReviewers(r.Context(), chi.URLParam(r, "instanceId"), chi.URLParam(r, "stageId"), actor, body.Reviewers)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": tasks})
	}
}

func handleStageProgress(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.StageProgress(r.Context(), chi.URLParam(r, "instanceId"), chi.URLParam(r, "stageId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"progress": p,
			"complete": p.Complete(),
		})
	}
}

type completeRequest struct {
	Decision string `json:"decision"`
}

func handleCompleteTask(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorID(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var body completeRequest
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		t, err := svc.CompleteReviewTask(r.Context(), chi.URLParam(r, "taskId"), actor, body.Decision)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, t)
	}
}

// handleListTasks lists the pending tasks of ?assignee=, defaulting to the
// caller.
func handleListTasks(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assignee := r.URL.Query().Get("assignee")
		if assignee == "" {
			actor, err := actorID(r)
			if err != nil {
				WriteError(w, err)
				return
			}
			assignee = actor
		}

		tasks, err := svc.ListReviewerTasks(r.Context(), assignee)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": tasks})
	}
}
