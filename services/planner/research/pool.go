// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package research

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/itinera-ai/itinera/pkg/logging"
	"github.com/itinera-ai/itinera/services/planner/datatypes"
	"github.com/itinera-ai/itinera/services/planner/middleware"
)

// ErrJoinMismatch is the fatal internal-consistency failure: the joined
// results do not line up one-to-one with the finalized partition. It
// should never occur in correct operation.
var ErrJoinMismatch = errors.New("research join mismatch")

// DefaultParallelism bounds concurrent day-group tasks.
const DefaultParallelism = 3

// Pool fans research tasks out over day groups and joins their results.
type Pool struct {
	researcher  Researcher
	logger      *logging.Logger
	parallelism int
	maxAttempts int
}

// NewPool creates a Pool. logger may be nil.
func NewPool(researcher Researcher, logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pool{
		researcher:  researcher,
		logger:      logger.With("component", "research_pool"),
		parallelism: DefaultParallelism,
		maxAttempts: middleware.DefaultMaxAttempts,
	}
}

// WithParallelism overrides the task concurrency limit.
func (p *Pool) WithParallelism(n int) *Pool {
	if n > 0 {
		p.parallelism = n
	}
	return p
}

// WithMaxAttempts overrides the per-task validation retry bound.
func (p *Pool) WithMaxAttempts(n int) *Pool {
	p.maxAttempts = n
	return p
}

type dayInput struct {
	day      int
	members  []string
	language string
}

// Run researches every day group of a finalized partition.
//
// # Description
//
// One task per day group, each owning a pre-allocated slot; no shared
// mutable state. A task whose output exhausts validation retries yields
// partial fallback results (description placeholder, enrichment absent,
// Partial set) for its whole group rather than failing the join. The
// join completes only after every task finishes and must produce exactly
// one entry per attraction; anything else is ErrJoinMismatch.
//
// Run must only ever see a finalized partition; callers enforce the
// approval gate first.
//
// # Outputs
//
//   - map[string]datatypes.ResearchResult: Keyed by attraction name.
//   - error: Context cancellation or ErrJoinMismatch.
func (p *Pool) Run(ctx context.Context, partition *datatypes.Partition, language string) (map[string]datatypes.ResearchResult, error) {
	slots := make([][]datatypes.ResearchResult, len(partition.Days))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)

	for i, group := range partition.Days {
		g.Go(func() error {
			input := dayInput{day: group.Day, members: group.Members, language: language}
			validate := validateDayResults(group.Members)

			results, err := middleware.Run(gctx, p.logger,
				fmt.Sprintf("research_day_%d", group.Day),
				input, p.researchOnce, validate, p.maxAttempts)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				// Retry exhaustion degrades the group to partial results;
				// sibling tasks are never aborted.
				p.logger.Warn("research degraded to partial results", "day", group.Day, "error", err)
				slots[i] = partialResults(group.Day, group.Members)
				return nil
			}
			slots[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return join(slots, partition)
}

func (p *Pool) researchOnce(ctx context.Context, input dayInput, feedback []string) ([]datatypes.ResearchResult, error) {
	return p.researcher.ResearchDay(ctx, input.day, input.members, input.language, feedback)
}

// join flattens the per-day slots into the final mapping and checks
// completeness against the partition.
func join(slots [][]datatypes.ResearchResult, partition *datatypes.Partition) (map[string]datatypes.ResearchResult, error) {
	out := make(map[string]datatypes.ResearchResult, partition.MemberCount())
	for _, results := range slots {
		for _, result := range results {
			if _, dup := out[result.Name]; dup {
				return nil, fmt.Errorf("%w: duplicate entry for %q", ErrJoinMismatch, result.Name)
			}
			out[result.Name] = result
		}
	}

	for _, group := range partition.Days {
		for _, name := range group.Members {
			if _, ok := out[name]; !ok {
				return nil, fmt.Errorf("%w: no entry for %q", ErrJoinMismatch, name)
			}
		}
	}
	if len(out) != partition.MemberCount() {
		return nil, fmt.Errorf("%w: %d entries for %d attractions", ErrJoinMismatch, len(out), partition.MemberCount())
	}
	return out, nil
}

// validateDayResults is the per-task output contract: exactly one result
// per member with structurally valid fields.
func validateDayResults(members []string) middleware.Validator[[]datatypes.ResearchResult] {
	want := make(map[string]bool, len(members))
	for _, name := range members {
		want[name] = true
	}

	return func(results []datatypes.ResearchResult) []string {
		var violations []string
		seen := make(map[string]bool, len(results))

		for _, result := range results {
			if !want[result.Name] {
				violations = append(violations, fmt.Sprintf("unexpected attraction %q", result.Name))
				continue
			}
			if seen[result.Name] {
				violations = append(violations, fmt.Sprintf("duplicate result for %q", result.Name))
				continue
			}
			seen[result.Name] = true

			if result.Description == "" {
				violations = append(violations, fmt.Sprintf("empty description for %q", result.Name))
			}
			if err := result.Validate(); err != nil {
				violations = append(violations, fmt.Sprintf("invalid result for %q: %v", result.Name, err))
			}
		}
		for _, name := range members {
			if !seen[name] {
				violations = append(violations, fmt.Sprintf("missing result for %q", name))
			}
		}
		return violations
	}
}

// partialResults is the fallback for a group that exhausted its retries:
// descriptions present, enrichment absent, visible in the final output.
func partialResults(day int, members []string) []datatypes.ResearchResult {
	out := make([]datatypes.ResearchResult, 0, len(members))
	for _, name := range members {
		out = append(out, datatypes.ResearchResult{
			Name:        name,
			Day:         day,
			Description: fmt.Sprintf("No verified details could be gathered for %s.", name),
			Partial:     true,
		})
	}
	return out
}
