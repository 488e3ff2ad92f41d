// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prefs parses free-text user preferences into structured
// directives.
//
// The language model is invoked with a constrained menu: it may only emit
// isolate, pin_to_day, and size_bound directives as a JSON object.
// Structurally invalid output (unknown attraction, out-of-range day,
// min > max) drives a bounded retry with the violations fed back; retry
// exhaustion is fatal to the run, since preferences are inputs the user
// must correct.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/itinera-ai/itinera/pkg/logging"
	"github.com/itinera-ai/itinera/services/planner/datatypes"
	"github.com/itinera-ai/itinera/services/planner/llm"
	"github.com/itinera-ai/itinera/services/planner/middleware"
)

// ErrPreferenceParse is the fatal failure kind for unparseable preferences.
var ErrPreferenceParse = errors.New("preference parse error")

const systemPrompt = `You translate travel preferences into JSON directives.
Emit exactly one JSON object of the form:
{"directives": [
  {"kind": "isolate", "attraction": "<name>"},
  {"kind": "pin_to_day", "attraction": "<name>", "day": <1-based day>},
  {"kind": "size_bound", "min_size": <int or omit>, "max_size": <int or omit>}
]}
Use attraction names exactly as given, byte for byte. Days are 1-based.
Emit {"directives": []} when the preferences imply no constraint.`

// Parser resolves free text into directives.
type Parser struct {
	client      llm.Client
	logger      *logging.Logger
	maxAttempts int
}

// NewParser creates a Parser. logger may be nil.
func NewParser(client llm.Client, logger *logging.Logger) *Parser {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Parser{
		client:      client,
		logger:      logger.With("component", "prefs"),
		maxAttempts: middleware.DefaultMaxAttempts,
	}
}

// WithMaxAttempts overrides the retry bound.
func (p *Parser) WithMaxAttempts(n int) *Parser {
	p.maxAttempts = n
	return p
}

type parseInput struct {
	freeText    string
	attractions []string
	dayCount    int
}

// Parse resolves freeText into directives.
//
// # Description
//
// Empty or whitespace-only input yields zero directives without a model
// call. Otherwise the model output is validated against the known
// attraction set and day count through the middleware; exhaustion surfaces
// ErrPreferenceParse.
//
// # Inputs
//
//   - freeText: The user's preference text.
//   - knownAttractions: Exact attraction names valid as directive targets.
//   - dayCount: The total day count; pin targets must be within [1, dayCount].
func (p *Parser) Parse(ctx context.Context, freeText string, knownAttractions []string, dayCount int) ([]datatypes.Directive, error) {
	if strings.TrimSpace(freeText) == "" {
		return nil, nil
	}

	input := parseInput{freeText: freeText, attractions: knownAttractions, dayCount: dayCount}
	validate := func(directives []datatypes.Directive) []string {
		return validateDirectives(directives, knownAttractions, dayCount)
	}

	directives, err := middleware.Run(ctx, p.logger, "parse_prefs",
		input, p.parseOnce, validate, p.maxAttempts)
	if err != nil {
		var exhausted *middleware.ExhaustedError
		if errors.As(err, &exhausted) {
			return nil, fmt.Errorf("%w: %s", ErrPreferenceParse, strings.Join(exhausted.Violations, "; "))
		}
		return nil, err
	}
	return directives, nil
}

type directiveEnvelope struct {
	Directives []datatypes.Directive `json:"directives"`
}

// parseOnce is one model call. Feedback from earlier attempts is appended
// as a corrective user turn so the retry is never a verbatim repeat.
func (p *Parser) parseOnce(ctx context.Context, input parseInput, feedback []string) ([]datatypes.Directive, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Preferences: %s\n", input.freeText)
	fmt.Fprintf(&sb, "Attractions: %s\n", strings.Join(input.attractions, ", "))
	fmt.Fprintf(&sb, "Days: %d\n", input.dayCount)

	messages := []llm.Message{{Role: llm.RoleUser, Content: sb.String()}}
	if len(feedback) > 0 {
		messages = append(messages, llm.Message{
			Role:    llm.RoleUser,
			Content: "Your previous output was invalid: " + strings.Join(feedback, "; ") + ". Emit corrected directives.",
		})
	}

	resp, err := p.client.Complete(ctx, &llm.Request{
		SystemPrompt: systemPrompt,
		Messages:     messages,
		ForceJSON:    true,
	})
	if err != nil {
		return nil, err
	}

	var envelope directiveEnvelope
	if err := json.Unmarshal([]byte(resp.Text), &envelope); err != nil {
		return nil, fmt.Errorf("output is not valid directive JSON: %w", err)
	}
	return envelope.Directives, nil
}

// validateDirectives enforces the structural invariants on a directive set.
func validateDirectives(directives []datatypes.Directive, knownAttractions []string, dayCount int) []string {
	known := make(map[string]bool, len(knownAttractions))
	for _, name := range knownAttractions {
		known[name] = true
	}

	var violations []string
	for i, d := range directives {
		switch d.Kind {
		case datatypes.DirectiveIsolate:
			if !known[d.Attraction] {
				violations = append(violations, fmt.Sprintf("directive %d references unknown attraction %q", i+1, d.Attraction))
			}
		case datatypes.DirectivePinToDay:
			if !known[d.Attraction] {
				violations = append(violations, fmt.Sprintf("directive %d references unknown attraction %q", i+1, d.Attraction))
			}
			if d.Day < 1 || d.Day > dayCount {
				violations = append(violations, fmt.Sprintf("directive %d pins to day %d, outside 1..%d", i+1, d.Day, dayCount))
			}
		case datatypes.DirectiveSizeBound:
			if d.MinSize == nil && d.MaxSize == nil {
				violations = append(violations, fmt.Sprintf("directive %d has no size bound", i+1))
			}
			if d.MinSize != nil && d.MaxSize != nil && *d.MinSize > *d.MaxSize {
				violations = append(violations, fmt.Sprintf("directive %d has min %d above max %d", i+1, *d.MinSize, *d.MaxSize))
			}
			if d.MinSize != nil && *d.MinSize < 1 {
				violations = append(violations, fmt.Sprintf("directive %d has min %d below 1", i+1, *d.MinSize))
			}
		default:
			violations = append(violations, fmt.Sprintf("directive %d has unknown kind %q", i+1, d.Kind))
		}
	}
	return violations
}
