// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package geocode resolves attraction names to canonical addresses and
// coordinates.
//
// Resolution is search-disambiguated: the resolver queries the web for
// "<name> official address" and geocodes the address found there instead of
// the raw name, so attractions with namesakes across cities land in the
// right place. Each name is validated and retried through the middleware
// with the violations fed into the next attempt's query.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/itinera-ai/itinera/pkg/logging"
	"github.com/itinera-ai/itinera/services/planner/datatypes"
	"github.com/itinera-ai/itinera/services/planner/middleware"
	"github.com/itinera-ai/itinera/services/planner/search"
)

// ErrGeocodeFailure is the per-attraction failure kind. Recoverable: the
// run degrades that attraction and continues.
var ErrGeocodeFailure = errors.New("geocode failure")

// DefaultMaxAttempts bounds retries per attraction.
const DefaultMaxAttempts = 2

// DefaultParallelism bounds concurrent resolutions in ResolveAll.
const DefaultParallelism = 4

// Resolver resolves attraction names.
//
// # Thread Safety
//
// Safe for concurrent use when the injected Searcher and Geocoder are.
type Resolver struct {
	searcher    search.Searcher
	geocoder    Geocoder
	logger      *logging.Logger
	maxAttempts int
	parallelism int
}

// NewResolver creates a Resolver. logger may be nil.
func NewResolver(searcher search.Searcher, geocoder Geocoder, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Resolver{
		searcher:    searcher,
		geocoder:    geocoder,
		logger:      logger.With("component", "geocode"),
		maxAttempts: DefaultMaxAttempts,
		parallelism: DefaultParallelism,
	}
}

// WithMaxAttempts overrides the per-attraction retry bound.
func (r *Resolver) WithMaxAttempts(n int) *Resolver {
	r.maxAttempts = n
	return r
}

// WithParallelism overrides the ResolveAll concurrency limit.
func (r *Resolver) WithParallelism(n int) *Resolver {
	if n > 0 {
		r.parallelism = n
	}
	return r
}

// Resolve resolves one attraction name to a populated Attraction.
//
// # Outputs
//
//   - datatypes.Attraction: Name, Address, and Coords populated.
//   - error: ErrGeocodeFailure-wrapped after retry exhaustion.
func (r *Resolver) Resolve(ctx context.Context, name string) (datatypes.Attraction, error) {
	attraction, err := middleware.Run(ctx, r.logger, "geocode",
		name, r.resolveOnce, validateAttraction, r.maxAttempts)
	if err != nil {
		var exhausted *middleware.ExhaustedError
		if errors.As(err, &exhausted) {
			return datatypes.Attraction{}, fmt.Errorf("%w: %q: %s",
				ErrGeocodeFailure, name, strings.Join(exhausted.Violations, "; "))
		}
		return datatypes.Attraction{}, err
	}
	return attraction, nil
}

// resolveOnce is one search-then-geocode attempt. Violation feedback from
// the previous attempt widens the search query.
func (r *Resolver) resolveOnce(ctx context.Context, name string, feedback []string) (datatypes.Attraction, error) {
	query := name + " official address"
	if len(feedback) > 0 {
		query = fmt.Sprintf("%s (previous attempt: %s)", query, feedback[len(feedback)-1])
	}

	resp, err := r.searcher.Search(ctx, query, search.Options{MaxResults: 3})
	if err != nil {
		return datatypes.Attraction{}, fmt.Errorf("address search: %w", err)
	}

	address := extractAddress(resp)
	if address == "" {
		return datatypes.Attraction{Name: name}, nil // caught by the validator
	}

	coords, err := r.geocoder.Geocode(ctx, address)
	if err != nil {
		return datatypes.Attraction{}, fmt.Errorf("geocode %q: %w", address, err)
	}

	return datatypes.Attraction{Name: name, Address: address, Coords: coords}, nil
}

// ResolveAll resolves names in parallel with per-name isolation.
//
// # Description
//
// A name that exhausts its retries never aborts the siblings: it appears in
// the failures map and its entry in the resolved map is a name-only
// fallback Attraction (nil Coords), ready for fallback placement during
// partitioning.
//
// # Outputs
//
//   - map[string]datatypes.Attraction: One entry per input name.
//   - map[string]error: Failures keyed by name; empty when all resolved.
func (r *Resolver) ResolveAll(ctx context.Context, names []string) (map[string]datatypes.Attraction, map[string]error) {
	results := make([]datatypes.Attraction, len(names))
	errs := make([]error, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)

	for i, name := range names {
		g.Go(func() error {
			attraction, err := r.Resolve(gctx, name)
			if err != nil {
				r.logger.Warn("attraction degraded", "attraction", name, "error", err)
				errs[i] = err
				results[i] = datatypes.Attraction{Name: name}
				return nil // isolation: siblings keep running
			}
			results[i] = attraction
			return nil
		})
	}
	_ = g.Wait() // tasks never return errors

	resolved := make(map[string]datatypes.Attraction, len(names))
	failures := make(map[string]error)
	for i, name := range names {
		resolved[name] = results[i]
		if errs[i] != nil {
			failures[name] = errs[i]
		}
	}
	return resolved, failures
}

// validateAttraction is the output contract: non-empty address, in-range
// coordinates.
func validateAttraction(a datatypes.Attraction) []string {
	var violations []string
	if a.Address == "" {
		violations = append(violations, "no address found in search results")
	}
	if a.Coords == nil {
		violations = append(violations, "coordinates missing")
	} else {
		if a.Coords.Lat < -90 || a.Coords.Lat > 90 {
			violations = append(violations, fmt.Sprintf("latitude %f out of range", a.Coords.Lat))
		}
		if a.Coords.Lon < -180 || a.Coords.Lon > 180 {
			violations = append(violations, fmt.Sprintf("longitude %f out of range", a.Coords.Lon))
		}
	}
	return violations
}

// extractAddress picks the address string out of search results: first
// non-empty snippet, falling back to the first title.
func extractAddress(resp *search.Response) string {
	for _, result := range resp.Results {
		if s := strings.TrimSpace(result.Snippet); s != "" {
			return s
		}
	}
	for _, result := range resp.Results {
		if s := strings.TrimSpace(result.Title); s != "" {
			return s
		}
	}
	return ""
}
