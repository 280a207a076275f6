package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"enhancer/internal/http/handlers"
	"enhancer/internal/middleware"
)

type Options struct {
	JWTSecret       string
	RateLimitPerMin int
	CORSOrigins     []string
	Logger          zerolog.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
	)

	r.Get("/healthz", app.Health)
	r.Get("/readyz", app.Ready)

	r.Route("/enhancement-jobs", func(r chi.Router) {
		// Engine callbacks authenticate by signature, not by user token.
		r.Post("/{id}/callback", app.Callback)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthJWT(opts.JWTSecret))

			r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).Post("/", app.CreateJob)
			r.Get("/", app.ListJobs)
			r.Post("/bulk-cancel", app.BulkCancel)
			r.Post("/bulk-retry", app.BulkRetry)
			r.Post("/bulk-delete", app.BulkDelete)

			r.Get("/{id}", app.GetJob)
			r.Delete("/{id}", app.DeleteJob)
			r.Get("/{id}/stream", app.StreamJob)
			r.Post("/{id}/cancel", app.CancelJob)
			r.Post("/{id}/retry", app.RetryJob)
		})
	})

	return r
}
