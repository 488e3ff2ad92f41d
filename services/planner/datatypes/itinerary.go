// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides the data structures shared across the planner
// service.
//
// This file contains the core run model: attractions, preference directives,
// day partitions, and the approval state machine record. Research result
// types live in research.go.
package datatypes

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxDays is the maximum number of days a single plan may span.
	MaxDays = 30

	// MaxAttractions is the maximum number of attractions per plan.
	MaxAttractions = 100
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// validate is the validator instance for planner datatypes.
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate runs go-playground/validator struct validation on v.
//
// # Description
//
// Single entry point so every package validates against the same instance
// (iso4217, url, email and the other built-in tags behave identically
// everywhere).
//
// # Outputs
//
//   - error: Non-nil if validation failed, with details about which field
func Validate(v any) error {
	return validate.Struct(v)
}

// =============================================================================
// Attractions
// =============================================================================

// Coordinates is a WGS84 latitude/longitude pair.
type Coordinates struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// Attraction is a single point of interest.
//
// # Description
//
// The Name is the user's original spelling and is the immutable identity used
// in every downstream mapping. It is never translated or normalized. Address
// and Coords start absent and are populated by the geocoder; an attraction
// that survives geocoding failure keeps a nil Coords and receives fallback
// placement during partitioning.
//
// # Fields
//
//   - Name: Required. Unique key for the attraction within one run.
//   - Address: Optional. Canonical street address from the geocoder.
//   - Coords: Optional. Resolved coordinates; nil when geocoding failed.
type Attraction struct {
	Name    string       `json:"name" validate:"required"`
	Address string       `json:"address,omitempty"`
	Coords  *Coordinates `json:"coords,omitempty"`
}

// HasCoords reports whether the attraction has resolved coordinates.
func (a Attraction) HasCoords() bool {
	return a.Coords != nil
}

// =============================================================================
// Preference Directives
// =============================================================================

// DirectiveKind discriminates the Directive union.
type DirectiveKind string

const (
	// DirectiveIsolate places the attraction alone in its own day group.
	DirectiveIsolate DirectiveKind = "isolate"

	// DirectivePinToDay forces the attraction into a specific day group.
	DirectivePinToDay DirectiveKind = "pin_to_day"

	// DirectiveSizeBound constrains the size of every free day group.
	DirectiveSizeBound DirectiveKind = "size_bound"
)

// Directive is one structured user constraint parsed from free-text
// preferences.
//
// # Fields
//
//   - Kind: Required. One of isolate, pin_to_day, size_bound.
//   - Attraction: The target attraction name (isolate, pin_to_day).
//   - Day: 1-based target day index (pin_to_day only).
//   - MinSize/MaxSize: Inclusive group size bounds (size_bound only). Either
//     may be nil meaning unbounded on that side.
//
// # Validation
//
// Day must be within [1, day count] and MinSize <= MaxSize when both are
// present. Those checks need run context (the day count, the known
// attraction set) so they live in prefs, not in tags.
type Directive struct {
	Kind       DirectiveKind `json:"kind" validate:"required,oneof=isolate pin_to_day size_bound"`
	Attraction string        `json:"attraction,omitempty"`
	Day        int           `json:"day,omitempty"`
	MinSize    *int          `json:"min_size,omitempty"`
	MaxSize    *int          `json:"max_size,omitempty"`
}

// SizeBounds extracts the effective min/max group size from a directive set.
//
// # Outputs
//
//   - min, max: nil when no size_bound directive supplies that side. When
//     multiple size_bound directives exist the last one wins.
func SizeBounds(directives []Directive) (min, max *int) {
	for _, d := range directives {
		if d.Kind != DirectiveSizeBound {
			continue
		}
		if d.MinSize != nil {
			min = d.MinSize
		}
		if d.MaxSize != nil {
			max = d.MaxSize
		}
	}
	return min, max
}

// =============================================================================
// Partition
// =============================================================================

// DayGroup is the set of attraction names assigned to one day.
//
// Members are kept sorted alphabetically for deterministic output.
type DayGroup struct {
	Day     int      `json:"day" validate:"gte=1"`
	Members []string `json:"members"`
}

// Partition assigns every attraction to exactly one day group.
//
// # Description
//
// Days is an ordered sequence whose length equals the requested day count,
// with Days[i].Day == i+1. The invariants (completeness, non-empty groups,
// isolate/pin placement, size bounds) are checked by Violations; the
// partitioner and the approval gate both validate through that single method.
type Partition struct {
	Days []DayGroup `json:"days" validate:"min=1,dive"`
}

// Clone returns a deep copy of the partition.
func (p *Partition) Clone() *Partition {
	out := &Partition{Days: make([]DayGroup, len(p.Days))}
	for i, g := range p.Days {
		members := make([]string, len(g.Members))
		copy(members, g.Members)
		out.Days[i] = DayGroup{Day: g.Day, Members: members}
	}
	return out
}

// FindMember returns the 1-based day index holding name, or 0 when absent.
func (p *Partition) FindMember(name string) int {
	for _, g := range p.Days {
		for _, m := range g.Members {
			if m == name {
				return g.Day
			}
		}
	}
	return 0
}

// MemberCount returns the total number of members across all groups,
// counting duplicates.
func (p *Partition) MemberCount() int {
	n := 0
	for _, g := range p.Days {
		n += len(g.Members)
	}
	return n
}

// Normalize sorts each group's members alphabetically and renumbers days
// sequentially from 1. Call after any structural mutation.
func (p *Partition) Normalize() {
	for i := range p.Days {
		p.Days[i].Day = i + 1
		sort.Strings(p.Days[i].Members)
	}
}

// Violations checks the partition invariants against the input attraction
// set and directives.
//
// # Description
//
// Returns an ordered list of human-readable violations, empty when the
// partition is valid. Checked invariants:
//
//   - Days[i].Day == i+1 for every position.
//   - Every input attraction appears in exactly one group, and no group
//     contains an unknown name.
//   - No group is empty.
//   - An isolated attraction's group contains only that attraction.
//   - A pinned attraction sits in its pinned day.
//   - When size bounds are supplied, every group size is within [min, max],
//     except groups containing a pinned or isolated member, which are exempt.
//
// # Inputs
//
//   - attractions: The full input attraction name set for the run.
//   - directives: The resolved preference directives.
//
// # Outputs
//
//   - []string: Violation messages; nil slice semantics are not used, an
//     empty list means valid.
func (p *Partition) Violations(attractions []string, directives []Directive) []string {
	violations := []string{}

	known := make(map[string]bool, len(attractions))
	for _, name := range attractions {
		known[name] = true
	}

	seen := make(map[string]int)
	for i, g := range p.Days {
		if g.Day != i+1 {
			violations = append(violations, fmt.Sprintf("day %d is numbered %d", i+1, g.Day))
		}
		if len(g.Members) == 0 {
			violations = append(violations, fmt.Sprintf("day %d is empty", i+1))
		}
		for _, m := range g.Members {
			seen[m]++
			if !known[m] {
				violations = append(violations, fmt.Sprintf("unknown attraction %q in day %d", m, i+1))
			}
		}
	}

	for _, name := range attractions {
		switch seen[name] {
		case 0:
			violations = append(violations, fmt.Sprintf("attraction %q is missing from the partition", name))
		case 1:
			// exactly once, as required
		default:
			violations = append(violations, fmt.Sprintf("attraction %q appears %d times", name, seen[name]))
		}
	}

	constrained := make(map[string]bool)
	for _, d := range directives {
		switch d.Kind {
		case DirectiveIsolate:
			constrained[d.Attraction] = true
			day := p.FindMember(d.Attraction)
			if day == 0 {
				continue // already reported as missing
			}
			if size := len(p.Days[day-1].Members); size != 1 {
				violations = append(violations, fmt.Sprintf("isolated attraction %q shares day %d with %d others", d.Attraction, day, size-1))
			}
		case DirectivePinToDay:
			constrained[d.Attraction] = true
			day := p.FindMember(d.Attraction)
			if day == 0 {
				continue
			}
			if day != d.Day {
				violations = append(violations, fmt.Sprintf("attraction %q pinned to day %d but placed in day %d", d.Attraction, d.Day, day))
			}
		}
	}

	minSize, maxSize := SizeBounds(directives)
	if minSize != nil || maxSize != nil {
		for i, g := range p.Days {
			if groupHasAny(g, constrained) {
				continue // pin/isolate groups are exempt from size bounds
			}
			if minSize != nil && len(g.Members) < *minSize {
				violations = append(violations, fmt.Sprintf("day %d has %d members, below minimum %d", i+1, len(g.Members), *minSize))
			}
			if maxSize != nil && len(g.Members) > *maxSize {
				violations = append(violations, fmt.Sprintf("day %d has %d members, above maximum %d", i+1, len(g.Members), *maxSize))
			}
		}
	}

	return violations
}

func groupHasAny(g DayGroup, names map[string]bool) bool {
	for _, m := range g.Members {
		if names[m] {
			return true
		}
	}
	return false
}

// =============================================================================
// Approval State
// =============================================================================

// ApprovalStatus is the state of the approval gate FSM.
type ApprovalStatus string

const (
	// StatusProposed means a partition is awaiting a human response.
	StatusProposed ApprovalStatus = "proposed"

	// StatusAccepted means the partition is finalized.
	StatusAccepted ApprovalStatus = "accepted"

	// StatusAbandoned means the human channel was unresponsive or
	// unparseable beyond the configured bound.
	StatusAbandoned ApprovalStatus = "abandoned"
)

// ApprovalState is the serialized continuation of the approval gate.
//
// # Description
//
// The whole suspend/resume protocol round-trips through this record: it is
// the only state that survives a suspension, so a run can be resumed from a
// separate process invocation given just this plus the original inputs. The
// gate owns it exclusively for the run's lifetime.
//
// # Fields
//
//   - Proposal: The current proposed partition.
//   - Round: 1-based proposal/response cycle counter.
//   - Reprompts: Consecutive unparseable responses since the last valid one.
//   - Status: proposed, accepted, or abandoned.
//   - Warnings: Accumulated user-visible warnings (auto-accept, fallback
//     placements) carried into the final document.
type ApprovalState struct {
	Proposal  Partition      `json:"proposal"`
	Round     int            `json:"round" validate:"gte=1"`
	Reprompts int            `json:"reprompts" validate:"gte=0"`
	Status    ApprovalStatus `json:"status" validate:"required,oneof=proposed accepted abandoned"`
	Warnings  []string       `json:"warnings,omitempty"`
}

// NewApprovalState creates the initial proposed state for a partition.
func NewApprovalState(proposal Partition) *ApprovalState {
	return &ApprovalState{
		Proposal: proposal,
		Round:    1,
		Status:   StatusProposed,
	}
}

// =============================================================================
// Plan Request
// =============================================================================

// PlanRequest is the validated input for one itinerary run.
//
// # Fields
//
//   - Days: Required. Number of days, 1-30.
//   - Attractions: Required. 1-100 unique attraction names.
//   - Preferences: Optional free-text preferences.
//   - Language: Output language code (en, pt-br, es, fr).
//   - Email: Optional recipient for the rendered document.
type PlanRequest struct {
	Days        int      `json:"days" validate:"required,gte=1,lte=30"`
	Attractions []string `json:"attractions" validate:"required,min=1,max=100,unique,dive,required"`
	Preferences string   `json:"preferences,omitempty"`
	Language    string   `json:"language,omitempty" validate:"omitempty,oneof=en pt-br es fr"`
	Email       string   `json:"email,omitempty" validate:"omitempty,email"`
}

// Validate validates the PlanRequest fields.
func (r *PlanRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if r.Days > len(r.Attractions) {
		return fmt.Errorf("day count %d exceeds attraction count %d", r.Days, len(r.Attractions))
	}
	return nil
}
