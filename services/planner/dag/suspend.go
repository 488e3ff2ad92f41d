// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dag

import (
	"encoding/json"
	"fmt"
)

// SuspendError pauses the pipeline from inside a node.
//
// Description:
//
//	A node returns *SuspendError from Execute when it needs input that
//	only arrives from outside the pipeline (a human approval response,
//	for example). The Executor records the payload in the State, halts
//	scheduling, and reports Result.Suspended. The node stays incomplete:
//	on the next Run/Resume it executes again with the payload available
//	under InputSuspension and any driver-supplied answer under
//	InputResumption.
//
// The payload must be JSON-serializable because it travels through the
// checkpoint file across process invocations.
type SuspendError struct {
	// Reason is a short human-readable description of what the node is
	// waiting for (e.g. "itinerary approval").
	Reason string

	// Payload is the serialized continuation the driver should present
	// to whatever answers the suspension.
	Payload json.RawMessage
}

// Error implements the error interface.
func (e *SuspendError) Error() string {
	return fmt.Sprintf("suspended: %s", e.Reason)
}

// Unwrap ties SuspendError to the ErrSuspended sentinel so callers can
// use errors.Is.
func (e *SuspendError) Unwrap() error {
	return ErrSuspended
}

// Suspend builds a SuspendError from any JSON-serializable payload.
//
// Inputs:
//
//	reason - Short description of the awaited input.
//	payload - Continuation state to record. Marshaled with encoding/json.
//
// Outputs:
//
//	error - The *SuspendError to return from Execute, or a marshal error.
func Suspend(reason string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal suspension payload: %w", err)
	}
	return &SuspendError{Reason: reason, Payload: data}
}
