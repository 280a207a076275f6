package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"enhancer/internal/webhook"
)

// Callback receives engine progress. The raw body is kept intact because
// the signature covers it byte for byte.
func (a *App) Callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, "body_too_large", "callback body too large")
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	out, err := a.Callbacks.Handle(r.Context(), webhook.Request{
		JobID:     chi.URLParam(r, "id"),
		Body:      body,
		Signature: r.Header.Get("X-Signature"),
		Timestamp: r.Header.Get("X-Timestamp"),
		Nonce:     r.Header.Get("X-Nonce"),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, out)
}
