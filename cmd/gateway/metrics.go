package main

import (
	"net/http"

	"github.com/vyrodovalexey/svcgw/internal/gateway"
	"github.com/vyrodovalexey/svcgw/internal/observability"
)

// newMetricsServer creates the Prometheus listener on its own address.
func newMetricsServer(
	listen string,
	path string,
	metrics *observability.Metrics,
	logger observability.Logger,
) *gateway.Listener {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	mux.HandleFunc("/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return gateway.NewListener("metrics", listen, mux, gateway.WithListenerLogger(logger))
}
