package router

import (
	"log/slog"
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/chaos-zhu/easyimg/internal/transport/handler"
)

func NewRouter(h *handler.Handler, corsOrigins []string, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.GetHead)
	r.Use(handler.RequestLogger(logger))
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.With(h.OptionalAuth).Get("/i/{name}", h.ServeImage)

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload", h.UploadImage)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Get("/images/preview/*", h.PreviewImage)
			r.Get("/images/{id}", h.GetImage)
			r.Delete("/images/{id}", h.DeleteImage)
		})
	})

	return r
}
