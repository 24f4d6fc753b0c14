/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the agent.
//
// Spans follow the OTel GenAI semantic conventions where applicable:
//   - gen_ai.system — the LLM client
//   - gen_ai.request.model — the model name
//   - gen_ai.usage.input_tokens / output_tokens — token usage
//
// Custom span attributes use the `twinward.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "twinward/agent"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Init initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context, endpoint, serviceName, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via OTEL_EXPORTER_OTLP_* env
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartChatSpan creates the parent span for one chat request.
func StartChatSpan(ctx context.Context, requestID string, roleCount int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.chat",
		trace.WithAttributes(
			attribute.String("twinward.request_id", requestID),
			attribute.Int("twinward.role_count", roleCount),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartLLMSpan creates a child span for a language-model call, following
// GenAI conventions.
func StartLLMSpan(ctx context.Context, client, model string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gen_ai.chat",
		trace.WithAttributes(
			attribute.String("gen_ai.system", client),
			attribute.String("gen_ai.request.model", model),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndLLMSpan enriches the LLM span with usage data before ending it.
func EndLLMSpan(span trace.Span, inputTokens, outputTokens int64, toolCalls int) {
	span.SetAttributes(
		attribute.Int64("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", outputTokens),
		attribute.Int("twinward.tool_calls", toolCalls),
	)
	span.End()
}

// StartToolSpan creates a child span for one tool-call execution.
func StartToolSpan(ctx context.Context, tool, actionID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.tool",
		trace.WithAttributes(
			attribute.String("twinward.tool", tool),
			attribute.String("twinward.action_id", actionID),
		),
	)
}

// StartJobSpan creates a child span for async job monitoring.
func StartJobSpan(ctx context.Context, jobID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.job_monitor",
		trace.WithAttributes(attribute.String("twinward.job_id", jobID)),
	)
}
