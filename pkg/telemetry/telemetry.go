// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry builds the OpenTelemetry meter provider used by the
// issuer and the counters every component records into.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const (
	instrumentationName = "github.com/stacklok/ltiauth"

	// ServiceName identifies the issuer in exported metrics.
	ServiceName = "ltiauth"
)

// Config configures the metrics provider.
type Config struct {
	// Enabled turns on the Prometheus reader and the /metrics handler.
	Enabled bool
	// IncludeRuntimeMetrics adds Go runtime and process collectors.
	IncludeRuntimeMetrics bool
}

// Provider owns the meter provider and, when enabled, the Prometheus handler.
type Provider struct {
	meterProvider metric.MeterProvider
	handler       http.Handler
	shutdown      func(context.Context) error
}

// NewProvider creates a Provider. When metrics are disabled it returns a
// no-op meter provider and a nil handler.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			meterProvider: noop.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	registry := prometheus.NewRegistry()
	if cfg.IncludeRuntimeMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", ServiceName))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	return &Provider{
		meterProvider: mp,
		handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		shutdown:      mp.Shutdown,
	}, nil
}

// MeterProvider returns the meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// Handler returns the Prometheus scrape handler, or nil when disabled.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}

// Instruments holds the issuer counters.
type Instruments struct {
	tokensIssued       metric.Int64Counter
	validationFailures metric.Int64Counter
	grantsCleaned      metric.Int64Counter
	keyRotations       metric.Int64Counter
	backendErrors      metric.Int64Counter
}

// NewInstruments creates the issuer counters on the given meter provider.
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	meter := mp.Meter(instrumentationName)

	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create %s counter: %w", name, err))
		}
		return c
	}

	inst := &Instruments{
		tokensIssued:       counter("ltiauth_tokens_issued", "Number of tokens issued by grant type"),
		validationFailures: counter("ltiauth_validation_failures", "Number of rejected tokens by reason"),
		grantsCleaned:      counter("ltiauth_grants_cleaned", "Number of expired grants removed"),
		keyRotations:       counter("ltiauth_key_rotations", "Number of signing key rotations performed"),
		backendErrors:      counter("ltiauth_backend_errors", "Number of persistence failures by operation"),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return inst, nil
}

// NoopInstruments returns counters that record nothing.
func NoopInstruments() *Instruments {
	inst, _ := NewInstruments(noop.NewMeterProvider())
	return inst
}

// TokenIssued records an issued token.
func (i *Instruments) TokenIssued(ctx context.Context, grantType string) {
	i.tokensIssued.Add(ctx, 1, metric.WithAttributes(grantTypeKey.String(grantType)))
}

// ValidationFailed records a rejected token.
func (i *Instruments) ValidationFailed(ctx context.Context, reason string) {
	i.validationFailures.Add(ctx, 1, metric.WithAttributes(reasonKey.String(reason)))
}

// GrantsCleaned records removed grants.
func (i *Instruments) GrantsCleaned(ctx context.Context, n int) {
	i.grantsCleaned.Add(ctx, int64(n))
}

// KeyRotated records a key rotation.
func (i *Instruments) KeyRotated(ctx context.Context, trigger string) {
	i.keyRotations.Add(ctx, 1, metric.WithAttributes(triggerKey.String(trigger)))
}

// BackendError records a persistence failure.
func (i *Instruments) BackendError(ctx context.Context, op string) {
	i.backendErrors.Add(ctx, 1, metric.WithAttributes(operationKey.String(op)))
}
