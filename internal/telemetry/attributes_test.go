// SPDX-License-Identifier: MIT
package telemetry

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestHTTPAttributes(t *testing.T) {
	attrs := HTTPAttributes("GET", "/api/v1/pipeline", 200)

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, HTTPMethodKey, "GET")
	verifyAttribute(t, attrs, HTTPRouteKey, "/api/v1/pipeline")
	verifyIntAttribute(t, attrs, HTTPStatusCodeKey, 200)
}

func TestRunAttributes(t *testing.T) {
	tests := []struct {
		name    string
		runID   string
		stages  int
		wantLen int
	}{
		{name: "with run id", runID: "3f6c", stages: 3, wantLen: 2},
		{name: "without run id", runID: "", stages: 2, wantLen: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := RunAttributes(tt.runID, tt.stages)

			if len(attrs) != tt.wantLen {
				t.Errorf("Expected %d attributes, got %d", tt.wantLen, len(attrs))
			}
			if tt.runID != "" {
				verifyAttribute(t, attrs, PipelineRunIDKey, tt.runID)
			}
			verifyIntAttribute(t, attrs, PipelineStagesKey, tt.stages)
		})
	}
}

func TestStageAttributes(t *testing.T) {
	attrs := StageAttributes("file", "output", 2)

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, StageNameKey, "file")
	verifyAttribute(t, attrs, StageRoleKey, "output")
	verifyIntAttribute(t, attrs, StageIndexKey, 2)
}

func TestOutcomeAndDrainAttributes(t *testing.T) {
	attrs := OutcomeAttributes("failed", "drain-timeout")
	verifyAttribute(t, attrs, PipelineStateKey, "failed")
	verifyAttribute(t, attrs, PipelineReasonKey, "drain-timeout")

	attrs = DrainAttributes(30000, true)
	verifyInt64Attribute(t, attrs, DrainTimeoutKey, 30000)
	verifyBoolAttribute(t, attrs, DrainTimedOutKey, true)
}

func TestErrorAttributes(t *testing.T) {
	err := errors.New("test error")
	attrs := ErrorAttributes(err, "start_error")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyBoolAttribute(t, attrs, ErrorKey, true)
	verifyAttribute(t, attrs, ErrorTypeKey, "start_error")
}

// Helper functions for attribute verification

func verifyAttribute(t *testing.T, attrs []attribute.KeyValue, key, expectedValue string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != expectedValue {
				t.Errorf("Expected %s=%s, got %s", key, expectedValue, attr.Value.AsString())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyIntAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != int64(expectedValue) {
				t.Errorf("Expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyInt64Attribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int64) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != expectedValue {
				t.Errorf("Expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyBoolAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue bool) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsBool() != expectedValue {
				t.Errorf("Expected %s=%t, got %t", key, expectedValue, attr.Value.AsBool())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}
