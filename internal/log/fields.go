// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRunID         = "run_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldTraceID       = "trace_id"
	FieldSpanID        = "span_id"

	// Process / pipeline fields
	FieldEvent      = "event"
	FieldComponent  = "component"
	FieldStage      = "stage"
	FieldStageIndex = "stage_index"
	FieldRole       = "role"
	FieldBuffer     = "buffer"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"

	// Stream fields
	FieldPackets = "packets"
	FieldPID     = "pid"
	FieldBitrate = "bitrate"
	FieldFormat  = "format"

	// Path / address fields
	FieldPath    = "path"
	FieldAddress = "address"
)
