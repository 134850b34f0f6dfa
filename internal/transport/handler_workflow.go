package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/docflow/internal/workflow"
	"github.com/pitabwire/docflow/model"
)

// actorID returns the authenticated actor of the request.
func actorID(r *http.Request) (string, error) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil || rctx.ActorID == "" {
		return "", model.NewUnauthorizedError("missing request context")
	}
	return rctx.ActorID, nil
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return model.NewBadRequestError("invalid JSON body")
}

type startRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Metadata   map[string]any `json:"metadata"`
}

func handleStartWorkflow(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorID(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var body startRequest
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		res, err := svc.StartWorkflow(r.Context(), chi.URLParam(r, "documentId"), body.WorkflowID, actor, body.Metadata)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

func handleResetWorkflow(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorID(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		res, err := svc.ResetWorkflow(r.Context(), chi.URLParam(r, "documentId"), actor)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleWorkflowStatus(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := svc.GetWorkflowStatus(r.Context(), chi.URLParam(r, "documentId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, status)
	}
}

func handleDocumentHistory(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := svc.GetDocumentHistory(r.Context(), chi.URLParam(r, "documentId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}

type advanceRequest struct {
	Action          string         `json:"action"`
	Metadata        map[string]any `json:"metadata"`
	Reviewers       []string       `json:"reviewers"`
	ExpectedVersion int            `json:"expected_version"`
}

func handleAdvance(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorID(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var body advanceRequest
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		res, err := svc.AdvanceWorkflow(r.Context(), chi.URLParam(r, "instanceId"), actor, body.Action, body.Metadata,
			workflow.AdvanceOptions{Reviewers: body.Reviewers, ExpectedVersion: body.ExpectedVersion})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

type moveBackwardRequest struct {
	TargetStageID string         `json:"target_stage_id"`
	Metadata      map[string]any `json:"metadata"`
}

func handleMoveBackward(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorID(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var body moveBackwardRequest
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		res, err := svc.MoveWorkflowBackward(r.Context(), chi.URLParam(r, "instanceId"), actor, body.TargetStageID, body.Metadata)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleInstanceHistory(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := svc.GetWorkflowHistory(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}
