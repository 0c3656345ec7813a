// Package observe wires OpenTelemetry metrics with a Prometheus scrape
// endpoint. Pipeline stages publish measurements through the event bus;
// the Recorder here translates them into instruments.
package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the metrics provider.
type ProviderConfig struct {
	Enabled    bool
	ListenAddr string
	Service    string
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Enabled:    true,
		ListenAddr: "localhost:9090",
		Service:    "reflexagent",
	}
}

// Provider owns the meter provider and the scrape server.
type Provider struct {
	mp     *sdkmetric.MeterProvider
	server *http.Server
	logger zerolog.Logger
}

// NewProvider builds the Prometheus-backed meter provider and starts the
// /metrics endpoint. When disabled, a provider with a no-op exporterless
// meter is still returned so callers need no nil checks.
func NewProvider(cfg ProviderConfig, logger zerolog.Logger) (*Provider, error) {
	log := logger.With().Str("component", "observe").Logger()

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.Service),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	var server *http.Server
	if cfg.Enabled {
		exporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exporter))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	p := &Provider{mp: mp, server: server, logger: log}
	if server != nil {
		go func() {
			log.Info().Str("addr", cfg.ListenAddr).Msg("Metrics endpoint listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}
	return p, nil
}

// Shutdown flushes and stops the provider and the scrape server.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.server != nil {
		shutCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := p.server.Shutdown(shutCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
