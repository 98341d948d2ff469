package main

import (
	"fmt"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/stats"
)

// startMetrics brings up the Prometheus endpoint when enabled and
// returns the recorder the loops report into. With metrics disabled
// everything is discarded.
func startMetrics(cfg *config.Config, logger log.Logger) (stats.Recorder, error) {
	if !cfg.Metrics.Enabled {
		return stats.Nop{}, nil
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := stats.NewPrometheus(registry)

	addr := net.JoinHostPort(cfg.Metrics.Host, fmt.Sprintf("%d", cfg.Metrics.Port))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	go func() {
		if err := http.Serve(listener, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", "err", err)
		}
	}()
	logger.Info("Metrics exposed", "addr", fmt.Sprintf("http://%s/metrics", addr))
	return recorder, nil
}
