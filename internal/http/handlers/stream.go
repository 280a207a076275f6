package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// StreamJob pushes job snapshots as server-sent events. A newer stream for
// the same job replaces this one.
func (a *App) StreamJob(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := a.Jobs.Snapshot(r.Context(), caller, id); err != nil {
		a.fail(w, r, err)
		return
	}

	// Register before reading the state sent first so no change slips between.
	sub := a.Streams.Register(id)
	defer a.Streams.Unregister(sub)
	initial, err := a.Jobs.Snapshot(r.Context(), caller, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.Streams.Stream(w, r, sub, initial); err != nil {
		a.Logger.Debug().Err(err).Str("job_id", id).Msg("stream closed")
	}
}
