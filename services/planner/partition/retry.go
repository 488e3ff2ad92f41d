// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package partition

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/itinera-ai/itinera/pkg/logging"
	"github.com/itinera-ai/itinera/services/planner/datatypes"
	"github.com/itinera-ai/itinera/services/planner/middleware"
)

// retryAttempts allows one clustering retry with adjusted bounds before
// surfacing ErrInfeasible.
const retryAttempts = 2

type buildInput struct {
	attractions map[string]datatypes.Attraction
	dayCount    int
	directives  []datatypes.Directive
}

type buildResult struct {
	partition  *datatypes.Partition
	warnings   []string
	directives []datatypes.Directive // the set actually honored
}

// BuildWithRetry is Build wrapped by the output validator.
//
// # Description
//
// The first attempt honors every directive. If it fails or its output
// violates the partition invariants, one retry runs with the size bounds
// relaxed (pin and isolate directives are never relaxed) and a warning is
// attached. Exhaustion surfaces ErrInfeasible carrying the last
// violations.
func BuildWithRetry(ctx context.Context, logger *logging.Logger, attractions map[string]datatypes.Attraction, dayCount int, directives []datatypes.Directive) (*datatypes.Partition, []string, error) {
	names := make([]string, 0, len(attractions))
	for name := range attractions {
		names = append(names, name)
	}

	input := buildInput{attractions: attractions, dayCount: dayCount, directives: directives}

	fn := func(ctx context.Context, in buildInput, feedback []string) (buildResult, error) {
		dirs := in.directives
		var warnings []string
		if len(feedback) > 0 {
			relaxed := withoutSizeBounds(dirs)
			if len(relaxed) != len(dirs) {
				dirs = relaxed
				warnings = append(warnings, "size bounds relaxed after an infeasible attempt")
			}
		}
		p, w, err := Build(in.attractions, in.dayCount, dirs)
		if err != nil {
			return buildResult{}, err
		}
		return buildResult{partition: p, warnings: append(warnings, w...), directives: dirs}, nil
	}

	validate := func(res buildResult) []string {
		return res.partition.Violations(names, res.directives)
	}

	res, err := middleware.Run(ctx, logger, "partition", input, fn, validate, retryAttempts)
	if err != nil {
		var exhausted *middleware.ExhaustedError
		if errors.As(err, &exhausted) {
			return nil, nil, fmt.Errorf("%w: %s", ErrInfeasible, strings.Join(exhausted.Violations, "; "))
		}
		return nil, nil, err
	}
	return res.partition, res.warnings, nil
}

func withoutSizeBounds(directives []datatypes.Directive) []datatypes.Directive {
	out := make([]datatypes.Directive, 0, len(directives))
	for _, d := range directives {
		if d.Kind == datatypes.DirectiveSizeBound {
			continue
		}
		out = append(out, d)
	}
	return out
}
