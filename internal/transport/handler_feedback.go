package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/docflow/internal/workflow"
	"github.com/pitabwire/docflow/model"
)

func handleSubmitFeedback(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorID(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var item model.FeedbackItem
		if err := decodeBody(r, &item); err != nil {
			WriteError(w, err)
			return
		}

		out, err := svc.SubmitFeedback(r.Context(), chi.URLParam(r, "documentId"), actor, item)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, out)
	}
}

func handleListFeedback(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := svc.ListFeedback(r.Context(), chi.URLParam(r, "documentId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": items})
	}
}

type decisionRequest struct {
	Status model.FeedbackStatus `json:"status"`
}

func handleDecideFeedback(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorID(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var body decisionRequest
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		out, err := svc.DecideFeedback(r.Context(), chi.URLParam(r, "feedbackId"), actor, body.Status)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

type mergeRequest struct {
	FeedbackIDs []string `json:"feedback_ids"`
	Order       string   `json:"order"`
}

// handleMergeFeedback answers 200 with the per-item report even when some
// items failed. Only a batch-level failure is an error response.
func handleMergeFeedback(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorID(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var body mergeRequest
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		report, err := svc.MergeFeedback(r.Context(), chi.URLParam(r, "documentId"), actor, body.FeedbackIDs, body.Order)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

func handleFeedbackStats(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.FeedbackStats(r.Context(), chi.URLParam(r, "documentId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}
