// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides the output validator: a generic
// validate-and-retry wrapper around structured-producing steps.
//
// Every structural contract in the planner is enforced here and only here.
// A step is a plain function taking its input plus the accumulated violation
// feedback from earlier attempts; a validator inspects the output and
// returns violations. On violation the step is re-invoked with the feedback
// appended so a corrective step (typically an LLM call) can use it. Retries
// are always bounded; exhaustion surfaces an ExhaustedError that callers
// wrap into their own step-specific failure kind.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/itinera-ai/itinera/pkg/logging"
)

// DefaultMaxAttempts is the system-wide default attempt bound. Steps with
// tighter budgets (geocoding) pass their own.
const DefaultMaxAttempts = 3

// ErrExhausted is the sentinel wrapped by every ExhaustedError.
var ErrExhausted = errors.New("validation retries exhausted")

// Step is one structured-producing attempt. The feedback slice carries the
// accumulated violations from earlier attempts, empty on the first call.
// Implementations must vary their behavior on feedback rather than repeat
// the previous attempt verbatim.
type Step[I, O any] func(ctx context.Context, input I, feedback []string) (O, error)

// Validator inspects a step output and returns violations, empty when the
// output is valid. Validators must be pure: no mutation of the output.
type Validator[O any] func(output O) []string

// ExhaustedError reports a step that spent its attempt budget without
// producing a valid output.
//
// # Fields
//
//   - Step: The step name, for user-visible failure reporting.
//   - Attempts: The number of attempts made.
//   - Violations: The violations observed on the final attempt.
type ExhaustedError struct {
	Step       string
	Attempts   int
	Violations []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("step %s failed validation after %d attempts: %s",
		e.Step, e.Attempts, strings.Join(e.Violations, "; "))
}

func (e *ExhaustedError) Unwrap() error {
	return ErrExhausted
}

// Run invokes fn until validate passes or maxAttempts is spent.
//
// # Description
//
// The single enforcement point for structural output contracts. Each failed
// attempt's violations are appended to the feedback passed into the next
// attempt. A step error (as opposed to a validation failure) is converted
// into a violation and consumes an attempt, except context cancellation,
// which aborts immediately.
//
// Re-validating an already-valid output is free of side effects: the first
// attempt validates cleanly and returns without any retry.
//
// # Inputs
//
//   - ctx: Cancels the retry loop between attempts and is passed to fn.
//   - logger: May be nil; attempts are logged at Warn on violation.
//   - step: Step name used in logs and in the ExhaustedError.
//   - input: Passed unchanged to every attempt.
//   - fn: The step function.
//   - validate: The output contract. May be nil, meaning any non-error
//     output is valid.
//   - maxAttempts: Attempt bound; values < 1 fall back to DefaultMaxAttempts.
//
// # Outputs
//
//   - O: The first output that validated cleanly.
//   - error: Context error, or *ExhaustedError after the final attempt.
//
// # Thread Safety
//
// Safe for concurrent use when fn and validate are.
func Run[I, O any](
	ctx context.Context,
	logger *logging.Logger,
	step string,
	input I,
	fn Step[I, O],
	validate Validator[O],
	maxAttempts int,
) (O, error) {
	var zero O

	if logger == nil {
		logger = logging.Nop()
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}

	var feedback []string
	var last []string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		output, err := fn(ctx, input, feedback)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return zero, err
			}
			last = []string{err.Error()}
			feedback = append(feedback, last...)
			logger.Warn("step attempt failed",
				"step", step,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"error", err)
			continue
		}

		if validate == nil {
			return output, nil
		}

		violations := validate(output)
		if len(violations) == 0 {
			return output, nil
		}

		last = violations
		feedback = append(feedback, violations...)
		logger.Warn("step output failed validation",
			"step", step,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"violations", strings.Join(violations, "; "))
	}

	return zero, &ExhaustedError{Step: step, Attempts: maxAttempts, Violations: last}
}
