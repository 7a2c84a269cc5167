// Package httpapi mounts the operational endpoints and owns the prometheus
// registry the services register their collectors on.
package httpapi

import (
	"outreach-engine/pkg/health"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewRegistry,
		func(reg *prometheus.Registry) prometheus.Registerer { return reg },
	),
	fx.Invoke(RegisterOpsEndpoints),
)

// NewRegistry holds the service collectors. /metrics also serves the default
// registry, which carries the runtime collectors and the gorm pool stats.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func RegisterOpsEndpoints(r *gin.Engine, h health.HealthService, reg *prometheus.Registry) {
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, reg}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})))
}
