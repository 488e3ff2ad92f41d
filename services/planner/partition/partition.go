// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package partition groups attractions into day buckets with
// size-constrained geographic clustering.
//
// Directives are reconciled inside one clustering call, not layered after
// it: pinned and isolated attractions are removed from the free pool
// before clustering, and the day slots they occupy count toward the size
// bounds of the remaining assignment. The day count is never altered;
// only membership is. Everything here is deterministic for a given input.
package partition

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/itinera-ai/itinera/services/planner/datatypes"
)

// ErrInfeasible is the fatal failure kind for contradictory configuration:
// more isolated attractions than days, size bounds that cannot hold the
// attraction set, a day count above the attraction count.
var ErrInfeasible = errors.New("partition infeasible")

// maxIterations bounds the clustering refinement loop.
const maxIterations = 10

// Build produces a partition of the attractions into exactly dayCount
// groups.
//
// # Description
//
// Pinned and isolated attractions are placed first; the free pool is then
// clustered into the remaining capacity with farthest-point-seeded,
// capacity-aware k-means. Group sizes are balanced as evenly as possible
// when no bounds are supplied and kept within [min, max] when they are
// (groups holding a pinned or isolated member are exempt). Attractions
// without coordinates receive fallback placement into the smallest group
// and produce a warning rather than an error.
//
// # Inputs
//
//   - attractions: The resolved attraction set keyed by name. Coords may
//     be nil for degraded entries.
//   - dayCount: The number of groups; never altered.
//   - directives: Resolved preference directives.
//
// # Outputs
//
//   - *datatypes.Partition: Days numbered 1..dayCount, members sorted.
//   - []string: User-visible warnings (fallback placements).
//   - error: ErrInfeasible-wrapped on contradiction.
func Build(attractions map[string]datatypes.Attraction, dayCount int, directives []datatypes.Directive) (*datatypes.Partition, []string, error) {
	if dayCount < 1 {
		return nil, nil, fmt.Errorf("%w: day count %d", ErrInfeasible, dayCount)
	}
	if len(attractions) < dayCount {
		return nil, nil, fmt.Errorf("%w: %d attractions cannot fill %d days", ErrInfeasible, len(attractions), dayCount)
	}

	names := make([]string, 0, len(attractions))
	for name := range attractions {
		names = append(names, name)
	}
	sort.Strings(names)

	pinned := make(map[string]int)
	isolated := make(map[string]bool)
	for _, d := range directives {
		switch d.Kind {
		case datatypes.DirectivePinToDay:
			if _, ok := attractions[d.Attraction]; !ok {
				return nil, nil, fmt.Errorf("%w: pin targets unknown attraction %q", ErrInfeasible, d.Attraction)
			}
			if d.Day < 1 || d.Day > dayCount {
				return nil, nil, fmt.Errorf("%w: pin to day %d outside 1..%d", ErrInfeasible, d.Day, dayCount)
			}
			pinned[d.Attraction] = d.Day
		case datatypes.DirectiveIsolate:
			if _, ok := attractions[d.Attraction]; !ok {
				return nil, nil, fmt.Errorf("%w: isolate targets unknown attraction %q", ErrInfeasible, d.Attraction)
			}
			isolated[d.Attraction] = true
		}
	}

	groups := make([][]string, dayCount)
	reserved := make([]bool, dayCount) // isolate singleton, takes no further members
	exempt := make([]bool, dayCount)   // holds a pinned/isolated member, exempt from bounds

	// Pinned, non-isolated attractions go straight to their day.
	for _, name := range names {
		day, isPinned := pinned[name]
		if !isPinned || isolated[name] {
			continue
		}
		groups[day-1] = append(groups[day-1], name)
		exempt[day-1] = true
	}

	// Isolated attractions. One that is also pinned claims its pinned day
	// exclusively; the rest claim the lowest empty day.
	for _, name := range names {
		if !isolated[name] {
			continue
		}
		if day, isPinned := pinned[name]; isPinned {
			if len(groups[day-1]) > 0 {
				return nil, nil, fmt.Errorf("%w: isolated attraction %q pinned to occupied day %d", ErrInfeasible, name, day)
			}
			groups[day-1] = []string{name}
			reserved[day-1] = true
			exempt[day-1] = true
		}
	}
	for _, name := range names {
		if !isolated[name] {
			continue
		}
		if _, isPinned := pinned[name]; isPinned {
			continue
		}
		placed := false
		for d := 0; d < dayCount; d++ {
			if len(groups[d]) == 0 && !reserved[d] {
				groups[d] = []string{name}
				reserved[d] = true
				exempt[d] = true
				placed = true
				break
			}
		}
		if !placed {
			return nil, nil, fmt.Errorf("%w: no free day for isolated attraction %q", ErrInfeasible, name)
		}
	}

	// Free pool: everything not pinned or isolated.
	var free []string
	for _, name := range names {
		if isolated[name] {
			continue
		}
		if _, isPinned := pinned[name]; isPinned {
			continue
		}
		free = append(free, name)
	}

	var receiving []int
	for d := 0; d < dayCount; d++ {
		if !reserved[d] {
			receiving = append(receiving, d)
		}
	}
	if len(free) > 0 && len(receiving) == 0 {
		return nil, nil, fmt.Errorf("%w: every day is reserved by an isolate directive", ErrInfeasible)
	}

	caps, err := computeCapacities(groups, receiving, exempt, len(free), directives)
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	var withCoords, coordless []string
	for _, name := range free {
		if attractions[name].HasCoords() {
			withCoords = append(withCoords, name)
		} else {
			coordless = append(coordless, name)
		}
	}

	if len(withCoords) > 0 {
		assignClustered(attractions, withCoords, groups, receiving, caps)
	}

	// Fallback placement for attractions without coordinates: smallest
	// group with remaining capacity.
	for _, name := range coordless {
		best := -1
		for _, d := range receiving {
			if caps[d] <= 0 {
				continue
			}
			if best == -1 || len(groups[d]) < len(groups[best]) {
				best = d
			}
		}
		if best == -1 {
			return nil, nil, fmt.Errorf("%w: no capacity left for %q", ErrInfeasible, name)
		}
		groups[best] = append(groups[best], name)
		caps[best]--
		warnings = append(warnings, fmt.Sprintf("attraction %q has no coordinates; placed in day %d", name, best+1))
	}

	partition := &datatypes.Partition{Days: make([]datatypes.DayGroup, dayCount)}
	for d := 0; d < dayCount; d++ {
		partition.Days[d] = datatypes.DayGroup{Day: d + 1, Members: groups[d]}
	}
	partition.Normalize()
	return partition, warnings, nil
}

// computeCapacities decides how many free-pool members each receiving day
// takes. Targets are balanced one slot at a time onto the currently
// smallest day, honoring min/max bounds for non-exempt days.
func computeCapacities(groups [][]string, receiving []int, exempt []bool, freeCount int, directives []datatypes.Directive) ([]int, error) {
	minB, maxB := datatypes.SizeBounds(directives)

	caps := make([]int, len(groups))
	totals := make([]int, len(groups))
	for _, d := range receiving {
		totals[d] = len(groups[d])
	}

	remaining := freeCount

	// First satisfy minimums: every day must end non-empty, and bounded
	// days must reach min.
	for _, d := range receiving {
		need := 1
		if minB != nil && !exempt[d] {
			need = *minB
		}
		for totals[d] < need {
			if remaining == 0 {
				return nil, fmt.Errorf("%w: not enough attractions to reach minimum size %d on every day", ErrInfeasible, need)
			}
			caps[d]++
			totals[d]++
			remaining--
		}
	}

	// Balance the rest onto the smallest day that still has headroom.
	for remaining > 0 {
		best := -1
		for _, d := range receiving {
			if maxB != nil && !exempt[d] && totals[d] >= *maxB {
				continue
			}
			if best == -1 || totals[d] < totals[best] {
				best = d
			}
		}
		if best == -1 {
			return nil, fmt.Errorf("%w: size bounds leave no room for %d attractions", ErrInfeasible, remaining)
		}
		caps[best]++
		totals[best]++
		remaining--
	}

	return caps, nil
}

// assignClustered runs capacity-aware k-means over the free pool,
// mutating groups in place. caps is decremented as slots fill.
func assignClustered(attractions map[string]datatypes.Attraction, free []string, groups [][]string, receiving []int, caps []int) {
	// Days that can take free members.
	var days []int
	for _, d := range receiving {
		if caps[d] > 0 {
			days = append(days, d)
		}
	}
	if len(days) == 0 {
		return
	}

	centroids := seedCentroids(attractions, free, groups, days)

	var assignment map[string]int
	for iter := 0; iter < maxIterations; iter++ {
		next := assignGreedy(attractions, free, groups, days, caps, centroids)
		if assignmentsEqual(assignment, next) {
			break
		}
		assignment = next
		centroids = recomputeCentroids(attractions, free, groups, days, assignment, centroids)
	}

	for _, name := range free {
		d := assignment[name]
		groups[d] = append(groups[d], name)
		caps[d]--
	}
}

// seedCentroids initializes one centroid per receiving day. Days that
// already hold located members use their mean; the rest are seeded by
// farthest-point sampling over the free pool.
func seedCentroids(attractions map[string]datatypes.Attraction, free []string, groups [][]string, days []int) map[int]datatypes.Coordinates {
	centroids := make(map[int]datatypes.Coordinates)
	var unseeded []int
	for _, d := range days {
		if c, ok := meanOf(attractions, groups[d]); ok {
			centroids[d] = c
		} else {
			unseeded = append(unseeded, d)
		}
	}

	if len(unseeded) == 0 {
		return centroids
	}

	// First seed: the free point farthest from the overall mean, so the
	// spread starts wide. Subsequent seeds maximize distance to every
	// centroid chosen so far.
	overall, _ := meanOf(attractions, free)
	taken := make(map[string]bool)
	for _, d := range unseeded {
		bestName := ""
		bestDist := -1.0
		for _, name := range free {
			if taken[name] {
				continue
			}
			p := *attractions[name].Coords
			dist := haversineKm(overall, p)
			for _, c := range centroids {
				if dd := haversineKm(c, p); dd < dist {
					dist = dd
				}
			}
			if dist > bestDist {
				bestDist = dist
				bestName = name
			}
		}
		if bestName == "" {
			centroids[d] = overall
			continue
		}
		taken[bestName] = true
		centroids[d] = *attractions[bestName].Coords
	}
	return centroids
}

// candidate is one (point, day) pairing considered by the greedy pass.
type candidate struct {
	name string
	day  int
	dist float64
	size int // group size at sort time, the equidistant tie-break
}

// assignGreedy assigns every free point to a day. All point/day pairs are
// ranked by distance; equidistant pairs prefer the smaller group, then the
// lower day index. Capacity is respected throughout.
func assignGreedy(attractions map[string]datatypes.Attraction, free []string, groups [][]string, days []int, caps []int, centroids map[int]datatypes.Coordinates) map[string]int {
	candidates := make([]candidate, 0, len(free)*len(days))
	for _, name := range free {
		p := *attractions[name].Coords
		for _, d := range days {
			candidates = append(candidates, candidate{
				name: name,
				day:  d,
				dist: haversineKm(p, centroids[d]),
				size: len(groups[d]),
			})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if a.size != b.size {
			return a.size < b.size
		}
		if a.day != b.day {
			return a.day < b.day
		}
		return a.name < b.name
	})

	remaining := make([]int, len(caps))
	copy(remaining, caps)

	assignment := make(map[string]int, len(free))
	for _, c := range candidates {
		if len(assignment) == len(free) {
			break
		}
		if _, done := assignment[c.name]; done {
			continue
		}
		if remaining[c.day] <= 0 {
			continue
		}
		assignment[c.name] = c.day
		remaining[c.day]--
	}
	return assignment
}

// recomputeCentroids averages each day's existing members plus its
// currently assigned free points. Days that end up with nothing keep
// their previous centroid.
func recomputeCentroids(attractions map[string]datatypes.Attraction, free []string, groups [][]string, days []int, assignment map[string]int, previous map[int]datatypes.Coordinates) map[int]datatypes.Coordinates {
	centroids := make(map[int]datatypes.Coordinates, len(days))
	for _, d := range days {
		members := append([]string{}, groups[d]...)
		for _, name := range free {
			if assignment[name] == d {
				members = append(members, name)
			}
		}
		if c, ok := meanOf(attractions, members); ok {
			centroids[d] = c
		} else {
			centroids[d] = previous[d]
		}
	}
	return centroids
}

// meanOf averages the coordinates of the named attractions, skipping
// entries without coordinates. ok is false when none had coordinates.
func meanOf(attractions map[string]datatypes.Attraction, names []string) (datatypes.Coordinates, bool) {
	var lat, lon float64
	n := 0
	for _, name := range names {
		a := attractions[name]
		if a.Coords == nil {
			continue
		}
		lat += a.Coords.Lat
		lon += a.Coords.Lon
		n++
	}
	if n == 0 {
		return datatypes.Coordinates{}, false
	}
	return datatypes.Coordinates{Lat: lat / float64(n), Lon: lon / float64(n)}, true
}

func assignmentsEqual(a, b map[string]int) bool {
	if a == nil || len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

const earthRadiusKm = 6371.0

// haversineKm is the great-circle distance between two points.
func haversineKm(a, b datatypes.Coordinates) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := latB - latA
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
