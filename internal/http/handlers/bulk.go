package handlers

import (
	"context"
	"net/http"

	"enhancer/internal/domain"
	"enhancer/internal/jobs"
)

type bulkRequest struct {
	JobIDs []string `json:"jobIds"`
}

func (a *App) BulkCancel(w http.ResponseWriter, r *http.Request) {
	a.bulk(w, r, a.Jobs.BulkCancel)
}

func (a *App) BulkRetry(w http.ResponseWriter, r *http.Request) {
	a.bulk(w, r, a.Jobs.BulkRetry)
}

func (a *App) BulkDelete(w http.ResponseWriter, r *http.Request) {
	a.bulk(w, r, a.Jobs.BulkDelete)
}

// bulk answers 200 once the batch is accepted; per-item failures are
// reported in the counts.
func (a *App) bulk(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.Caller, []string) jobs.BulkResult) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := jobs.ValidateBulkIDs(req.JobIDs); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, op(r.Context(), caller, req.JobIDs))
}
