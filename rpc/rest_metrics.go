package rpc

import (
	"net/http"

	"github.com/gorilla/mux"
)

// MetricsEndpoints registers "/metrics" when "handler" is not nil (Prometheus exporter is enabled).
func MetricsEndpoints(handler http.Handler) RegistrarFunc {
	return func(r *mux.Router) {
		if handler == nil {
			return
		}
		r.Handle("/metrics", handler).Methods(http.MethodGet, http.MethodOptions)
	}
}
