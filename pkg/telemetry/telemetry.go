/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package telemetry owns the OpenTelemetry tracer provider for the
// coordinator.
//
// The provider is constructed once at startup and injected into the proxy
// server; nothing in the request path reaches for ambient global tracer
// state. Span export is batched and asynchronous: a tracing backend outage
// must never cause an inference request to fail or stall.
//
// Trace context is propagated on every outbound call regardless of the local
// sampling decision. Downstream services continue the same trace even when
// this process records nothing.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/llm-d/llm-d-pd-coordinator/pkg/common"
)

const tracerName = "github.com/llm-d/llm-d-pd-coordinator"

// SamplingMode selects the head sampling strategy for root spans. Children
// inherit the root's decision (parent-based); the decision is made once per
// request, never re-evaluated per span.
type SamplingMode string

const (
	// SamplingParentBased respects an inbound sampling flag and applies the
	// configured ratio to new traces. The production default.
	SamplingParentBased SamplingMode = "parent_based"

	// SamplingAlwaysOn records every request. Debugging only.
	SamplingAlwaysOn SamplingMode = "always_on"

	// SamplingAlwaysOff records nothing. Context propagation still happens.
	SamplingAlwaysOff SamplingMode = "always_off"
)

// Config is the telemetry configuration, assembled once at startup.
type Config struct {
	// ServiceName identifies this coordinator instance in emitted spans.
	ServiceName string

	// Endpoint is the OTLP/HTTP span collector, host:port or URL.
	Endpoint string

	// SamplingMode is one of parent_based, always_on, always_off.
	SamplingMode SamplingMode

	// SamplingRatio applies to new traces under parent_based.
	// Range [0.0, 1.0].
	SamplingRatio float64
}

// Validate checks the configuration at startup.
func (c Config) Validate() error {
	switch c.SamplingMode {
	case SamplingParentBased, SamplingAlwaysOn, SamplingAlwaysOff:
	default:
		return fmt.Errorf("invalid sampling mode %q: must be one of: %s, %s, %s",
			c.SamplingMode, SamplingParentBased, SamplingAlwaysOn, SamplingAlwaysOff)
	}
	if c.SamplingRatio < 0 || c.SamplingRatio > 1 {
		return fmt.Errorf("sampling ratio %v out of range [0.0, 1.0]", c.SamplingRatio)
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	return nil
}

func (c Config) sampler() sdktrace.Sampler {
	switch c.SamplingMode {
	case SamplingAlwaysOn:
		return sdktrace.AlwaysSample()
	case SamplingAlwaysOff:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SamplingRatio))
	}
}

// Telemetry bundles the tracer and propagator handed to the proxy server.
type Telemetry struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	provider   *sdktrace.TracerProvider
}

// New creates a Telemetry instance exporting OTLP spans to cfg.Endpoint.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(common.StripScheme(cfg.Endpoint)),
	}
	if !strings.HasPrefix(cfg.Endpoint, "https://") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(cfg.sampler()),
		sdktrace.WithResource(res),
	)

	return &Telemetry{
		tracer:     provider.Tracer(tracerName),
		propagator: w3cPropagator(),
		provider:   provider,
	}, nil
}

// NewNoop returns a Telemetry that records nothing but still propagates W3C
// trace context, for tests and for running without a collector.
func NewNoop() *Telemetry {
	return &Telemetry{
		tracer:     noop.NewTracerProvider().Tracer(tracerName),
		propagator: w3cPropagator(),
	}
}

func w3cPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// Tracer returns the tracer for coordinator spans.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Propagator returns the W3C traceparent/tracestate propagator.
func (t *Telemetry) Propagator() propagation.TextMapPropagator {
	return t.propagator
}

// Shutdown flushes pending spans. Export failures are logged by the caller
// and dropped; they never surface to request handling.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.provider.Shutdown(ctx)
}
