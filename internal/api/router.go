package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Router assembles the HTTP surface.
func Router(logger *zap.Logger, handlers *Handlers, jwtService *JWTService) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", handlers.Healthz)
	r.Post("/v1/auth/token", handlers.IssueToken)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtService, logger))

		r.Post("/v1/builds", handlers.CreateBuild)
		r.Get("/v1/builds", handlers.ListBuilds)
		r.Get("/v1/builds/{id}", handlers.GetBuild)
		r.Get("/v1/builds/{id}/logs", handlers.GetBuildLog)
		r.Get("/v1/images/{digest}", handlers.GetImage)
		r.Get("/v1/layers/{digest}/diff", handlers.GetLayerDiff)
	})

	return r
}
