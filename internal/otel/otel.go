// Package otel wires the relay's metric instruments. With telemetry disabled
// every instrument is a noop, so call sites never branch on configuration.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MeterName is the instrumentation scope for every relay instrument.
const MeterName = "relayd"

// Version is the relay version attached to the telemetry resource.
const Version = "v0.1-dev"

// Config selects whether metrics are collected and under what service name.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Provider owns the meter provider lifecycle. Shutdown must be called on
// exit when metrics are enabled.
type Provider struct {
	MeterProvider metric.MeterProvider
	Meter         metric.Meter
	shutdown      func(context.Context) error
}

// Init builds the provider. Disabled config yields noop instruments and a
// no-op Shutdown.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			MeterProvider: mp,
			Meter:         mp.Meter(MeterName),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "relayd"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		attribute.String("relayd.version", Version),
	))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	return &Provider{
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
		shutdown:      mp.Shutdown,
	}, nil
}

// Shutdown flushes pending metrics and releases the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
