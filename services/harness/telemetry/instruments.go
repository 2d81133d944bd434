// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope for harness spans and metrics.
const ScopeName = "replharness/lifecycle"

// Instruments holds the tracer and metric instruments of one harness run.
//
// # Description
//
// The lifecycle controller opens one span per transition and counts
// transitions, poll attempts and injected faults. All metric names carry the
// "replharness_" prefix.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
type Instruments struct {
	tracer trace.Tracer

	transitions        metric.Int64Counter
	transitionDuration metric.Float64Histogram
	pollAttempts       metric.Int64Counter
	faults             metric.Int64Counter
}

// NewInstruments registers the harness instruments.
//
// # Inputs
//
//   - tp: Tracer provider. Nil selects otel.GetTracerProvider().
//   - mp: Meter provider. Nil selects otel.GetMeterProvider().
func NewInstruments(tp trace.TracerProvider, mp metric.MeterProvider) (*Instruments, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(ScopeName)
	in := &Instruments{tracer: tp.Tracer(ScopeName)}

	var err error
	in.transitions, err = meter.Int64Counter(
		"replharness_transitions_total",
		metric.WithDescription("Lifecycle transitions by operation and outcome"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create transitions_total: %w", err)
	}

	in.transitionDuration, err = meter.Float64Histogram(
		"replharness_transition_duration_seconds",
		metric.WithDescription("Lifecycle transition duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create transition_duration_seconds: %w", err)
	}

	in.pollAttempts, err = meter.Int64Counter(
		"replharness_poll_attempts_total",
		metric.WithDescription("State poller probe attempts by policy and observed code"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create poll_attempts_total: %w", err)
	}

	in.faults, err = meter.Int64Counter(
		"replharness_faults_total",
		metric.WithDescription("Injected faults by kind"),
		metric.WithUnit("{fault}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create faults_total: %w", err)
	}
	return in, nil
}

// Noop returns instruments backed by the global providers, which are
// no-ops until Init runs. It never fails.
func Noop() *Instruments {
	in, err := NewInstruments(nil, nil)
	if err != nil {
		return &Instruments{tracer: otel.GetTracerProvider().Tracer(ScopeName)}
	}
	return in
}

// StartTransition opens the span for one controller operation.
func (in *Instruments) StartTransition(ctx context.Context, sessionID, op, from string) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("lifecycle.from", from),
	))
}

// EndTransition closes span and records the outcome. err == nil counts as
// "ok", anything else under outcome "error" with the error on the span.
func (in *Instruments) EndTransition(ctx context.Context, span trace.Span, op, to string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		RecordError(span, err)
	} else {
		span.SetAttributes(attribute.String("lifecycle.to", to))
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	)
	if in.transitions != nil {
		in.transitions.Add(ctx, 1, attrs)
	}
	if in.transitionDuration != nil {
		in.transitionDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// PollAttempt counts one probe of the named policy.
func (in *Instruments) PollAttempt(ctx context.Context, policy, code string) {
	if in.pollAttempts == nil {
		return
	}
	in.pollAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy", policy),
		attribute.String("code", code),
	))
}

// Fault counts one injected fault and tags the active span.
func (in *Instruments) Fault(ctx context.Context, kind string) {
	trace.SpanFromContext(ctx).AddEvent("fault", trace.WithAttributes(attribute.String("fault.kind", kind)))
	if in.faults == nil {
		return
	}
	in.faults.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordError records err on span and marks it failed. Nil span or err is
// a no-op.
func RecordError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}
	opts := make([]trace.EventOption, 0, 1)
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	span.RecordError(err, opts...)
	span.SetStatus(codes.Error, err.Error())
}
