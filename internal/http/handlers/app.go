package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"enhancer/internal/domain"
	"enhancer/internal/jobs"
	"enhancer/internal/middleware"
	"enhancer/internal/realtime"
	"enhancer/internal/webhook"
)

const maxBodyBytes = 1 << 20

type App struct {
	Jobs      *jobs.Service
	Callbacks *webhook.Processor
	Streams   *realtime.Manager
	Logger    zerolog.Logger
	// Ping reports store readiness; nil means always ready.
	Ping func(ctx context.Context) error
}

func NewApp(svc *jobs.Service, callbacks *webhook.Processor, streams *realtime.Manager, logger zerolog.Logger) *App {
	return &App{Jobs: svc, Callbacks: callbacks, Streams: streams, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) error(w http.ResponseWriter, status int, code, msg string) {
	a.json(w, status, map[string]errorPayload{"error": {Code: code, Message: msg}})
}

// fail maps err onto the HTTP error contract.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		a.error(w, http.StatusBadRequest, "validation_error", verr.Error())
	case errors.Is(err, domain.ErrForbidden):
		a.error(w, http.StatusForbidden, "forbidden", "job belongs to another user")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, domain.ErrConflict):
		a.error(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrNonceReplayed):
		a.error(w, http.StatusUnauthorized, "nonce_replayed", "nonce already used")
	case errors.Is(err, domain.ErrStaleTimestamp):
		a.error(w, http.StatusUnauthorized, "stale_timestamp", "timestamp outside tolerance")
	case errors.Is(err, domain.ErrInvalidSignature):
		a.error(w, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
	default:
		a.Logger.Error().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Msgf("%s %s failed", r.Method, r.URL.Path)
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (a *App) caller(w http.ResponseWriter, r *http.Request) (domain.Caller, bool) {
	c, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
	}
	return c, ok
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return domain.NewValidationError("", "invalid JSON body: %v", err)
}
