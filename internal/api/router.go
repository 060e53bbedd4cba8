package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/gpupool/internal/balancer"
)

// NewRouter builds the balancing boundary router consumed by the dispatcher.
func NewRouter(b *balancer.Balancer, apiKey string) chi.Router {
	r := chi.NewRouter()
	for _, m := range middlewareChain(apiKey) {
		r.Use(m)
	}
	r.Post("/select", SelectHandler(b))
	r.Post("/instances/{id}/success", SuccessHandler(b))
	r.Post("/instances/{id}/failure", FailureHandler(b))
	r.Get("/health", HealthHandler(b))
	return r
}
