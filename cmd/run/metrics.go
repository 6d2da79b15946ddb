package run

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Mmx233/framelink/metrics"
	"github.com/Mmx233/framelink/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// newMetrics returns collectors on a private registry together with that
// registry, so the process and Go collectors sit next to the framelink ones.
func newMetrics() (*metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(metrics.WithRegistry(reg)), reg
}

// serveMetrics exposes reg on addr/metrics. An empty addr serves nothing.
func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) (shutdown func()) {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	hs := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}
}

// newRegistry holds the packet variants both ends of the CLI speak. The
// probe is added by the client and server constructors.
func newRegistry() (*protocol.Registry, error) {
	reg := protocol.NewRegistry()
	if err := reg.Register(&protocol.ChunkPacket{}); err != nil {
		return nil, err
	}
	return reg, nil
}
