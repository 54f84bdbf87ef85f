// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"

	// Pipeline attributes
	PipelineRunIDKey  = "pipeline.run_id"
	PipelineStagesKey = "pipeline.stages"
	PipelineStateKey  = "pipeline.state"
	PipelineReasonKey = "pipeline.reason"
	DrainTimeoutKey   = "pipeline.drain_timeout_ms"
	DrainTimedOutKey  = "pipeline.drain_timed_out"

	// Stage attributes
	StageNameKey  = "stage.name"
	StageIndexKey = "stage.index"
	StageRoleKey  = "stage.role"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// RunAttributes describes a pipeline run.
func RunAttributes(runID string, stages int) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if runID != "" {
		attrs = append(attrs, attribute.String(PipelineRunIDKey, runID))
	}
	return append(attrs, attribute.Int(PipelineStagesKey, stages))
}

// OutcomeAttributes describes how a pipeline run ended.
func OutcomeAttributes(state, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(PipelineStateKey, state),
		attribute.String(PipelineReasonKey, reason),
	}
}

// StageAttributes identifies one stage of a chain.
func StageAttributes(name, role string, index int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(StageNameKey, name),
		attribute.String(StageRoleKey, role),
		attribute.Int(StageIndexKey, index),
	}
}

// DrainAttributes describes the drain phase of a run.
func DrainAttributes(timeoutMS int64, timedOut bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(DrainTimeoutKey, timeoutMS),
		attribute.Bool(DrainTimedOutKey, timedOut),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
