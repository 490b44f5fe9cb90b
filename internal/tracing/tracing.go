// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing wires the OpenTelemetry SDK into archflow. A Provider
// owns a tracer provider whose span exporter is chosen by configuration
// (stdout for development, OTLP over gRPC or HTTP for collectors) and a
// meter provider whose prometheus reader feeds the scrape registry. The
// engine starts a span per run and per step, the invoker one per tool
// call; everything reaches the exporter through the provider built here.
package tracing

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter kinds accepted by Config.Exporter.
const (
	ExporterStdout   = "stdout"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

// Config selects the span exporter and names the service on the emitted
// resource. The zero value is a disabled provider with a private metrics
// registry.
type Config struct {
	// Enabled turns span recording and export on. Metrics are
	// unaffected; the meter provider runs either way.
	Enabled bool

	// Exporter is one of stdout, otlp-grpc, otlp-http. Empty means
	// stdout.
	Exporter string

	// Endpoint is the OTLP receiver address, e.g. "localhost:4317" for
	// gRPC or "collector.example.com" for HTTP. Ignored by the stdout
	// exporter.
	Endpoint string

	// Insecure disables TLS on the OTLP connection.
	Insecure bool

	// Headers are sent with every OTLP export request, typically
	// tenant or auth headers for hosted collectors.
	Headers map[string]string

	// ServiceName overrides the service.name resource attribute.
	// Empty means "archflow".
	ServiceName string

	// ServiceVersion is recorded as service.version when set.
	ServiceVersion string

	// Registerer receives the OTel metric reader's collectors. Nil
	// means the provider creates a private registry and serves it via
	// MetricsHandler; the daemon passes the registry behind its
	// /api/metrics endpoint instead so everything lands on one scrape.
	Registerer prometheus.Registerer

	// Writer receives stdout exporter output. Nil means os.Stdout.
	Writer io.Writer
}

// Provider owns the tracer and meter providers for one process.
type Provider struct {
	tp  *sdktrace.TracerProvider // nil when tracing is disabled
	mp  *sdkmetric.MeterProvider
	reg *prometheus.Registry // nil when Config.Registerer was supplied
}

// New builds a provider from cfg and installs it as the process-global
// OTel provider. Extra tracer provider options run after the resource
// and exporter options; tests inject in-memory exporters through them.
func New(ctx context.Context, cfg Config, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "archflow"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}

	// The schema URL stays empty so merging with the default resource
	// cannot fail on a version mismatch.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	p := &Provider{}

	registerer := cfg.Registerer
	if registerer == nil {
		p.reg = prometheus.NewRegistry()
		registerer = p.reg
	}
	promReader, err := otelprom.New(otelprom.WithRegisterer(registerer))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus reader: %w", err)
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promReader),
	)
	otel.SetMeterProvider(p.mp)

	if !cfg.Enabled {
		return p, nil
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tpOpts := append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	}, opts...)
	p.tp = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(p.tp)

	return p, nil
}

// Tracer returns a tracer for the given instrumentation scope. Disabled
// providers hand out no-op tracers so callers never branch.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Meter returns a meter for the given instrumentation scope.
func (p *Provider) Meter(name string) metric.Meter {
	return p.mp.Meter(name)
}

// MetricsHandler serves the provider's private registry. It returns nil
// when Config.Registerer was supplied, because the owner of that
// registry serves the scrape endpoint.
func (p *Provider) MetricsHandler() http.Handler {
	if p.reg == nil {
		return nil
	}
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

// ForceFlush exports all pending spans and metrics synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.tp != nil {
		if err := p.tp.ForceFlush(ctx); err != nil {
			return err
		}
	}
	return p.mp.ForceFlush(ctx)
}

// Shutdown flushes pending telemetry and releases exporter resources.
// The tracer provider shuts down first so no span outlives its exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			return err
		}
	}
	return p.mp.Shutdown(ctx)
}
