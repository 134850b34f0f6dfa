package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/docflow/internal/workflow"
	"github.com/pitabwire/docflow/model"
)

// handlePermissions reports what the authenticated actor may do on the
// document's workflow.
func handlePermissions(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorID(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		p, err := svc.Permissions(r.Context(), chi.URLParam(r, "documentId"), actor)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

func handleStatistics(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Statistics(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

// handleOverdue lists stalled instances. older_than is a Go duration such
// as "48h"; it defaults to a day.
func handleOverdue(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var olderThan time.Duration
		if raw := r.URL.Query().Get("older_than"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				WriteError(w, model.NewBadRequestError("older_than must be a positive duration such as 48h"))
				return
			}
			olderThan = d
		}
		instances, err := svc.OverdueInstances(r.Context(), olderThan)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": instances})
	}
}
