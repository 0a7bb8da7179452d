/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package adapter

import (
	"context"
	"fmt"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/plugin-host/pkg/events"
	"github.com/srediag/plugin-host/plugin"
)

// TelemetryConfig selects the OTLP trace exporter. Tracing is off unless an
// endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `env:"OTEL_ENDPOINT"`
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"true"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"plugin-host"`
}

// LoadTelemetryConfig reads PLUGINHOST_OTEL_* from the environment.
func LoadTelemetryConfig() (TelemetryConfig, error) {
	var c TelemetryConfig
	if err := env.ParseWithOptions(&c, env.Options{Prefix: plugin.EnvPrefix}); err != nil {
		return TelemetryConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}

// SetupTracing builds a tracer provider exporting to cfg.Endpoint and
// installs it globally. With tracing off it returns a noop provider. The
// returned shutdown flushes pending spans.
func SetupTracing(ctx context.Context, cfg TelemetryConfig) (trace.TracerProvider, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Endpoint == "" {
		return tracenoop.NewTracerProvider(), noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, noop, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	log.Infof("exporting traces to %s", cfg.Endpoint)
	return tp, tp.Shutdown, nil
}

// RecordEvents counts the events of sub on the pluginhost.events counter,
// labelled by event type, until ctx is done or sub is closed.
func RecordEvents(ctx context.Context, sub *events.Subscription, mp metric.MeterProvider) error {
	counter, err := mp.Meter("github.com/srediag/plugin-host/adapter").Int64Counter(
		"pluginhost.events", metric.WithDescription("Host events by type."))
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			counter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("event.type", e.Type.String()),
				attribute.String("plugin.name", e.PluginName),
			))
		}
	}
}
