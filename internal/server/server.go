package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/gpupool/internal/api"
	"github.com/gaspardpetit/gpupool/internal/balancer"
	"github.com/gaspardpetit/gpupool/internal/config"
	"github.com/gaspardpetit/gpupool/internal/inflight"
	"github.com/gaspardpetit/gpupool/internal/serverstate"
)

// New constructs the HTTP handler for the balancer server. The /metrics
// endpoint is mounted only when the metrics address shares the public port;
// otherwise main serves it separately.
func New(cfg config.BalancerConfig, b *balancer.Balancer, drainable *inflight.Counter) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}

	r.With(drainable.Middleware(), rejectWhileDraining).Mount("/api/v1", api.NewRouter(b, cfg.APIKey))
	r.Get("/api/v1/state/ws", StateWSHandler(b))
	r.Get("/state", StateHandler(b))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func rejectWhileDraining(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// stateView is the /state export: readiness plus the live health snapshot.
type stateView struct {
	Status    string                  `json:"status"`
	Instances []balancer.InstanceView `json:"instances"`
}

// StateHandler reports the server status and all tracked instances.
func StateHandler(b *balancer.Balancer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hs, err := b.GetHealthStatus(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestTimeout)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stateView{Status: serverstate.GetStatus(), Instances: hs.Instances})
	}
}
