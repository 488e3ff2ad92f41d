// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package research

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itinera-ai/itinera/services/planner/datatypes"
)

// stubResearcher produces deterministic results, with optional per-day
// overrides to simulate broken output.
type stubResearcher struct {
	mu       sync.Mutex
	calls    map[int]int
	badDays  map[int]bool // always emit an invalid (empty) result set
	flakyDay int          // fails validation once, then succeeds
	active   atomic.Int32
	maxSeen  atomic.Int32
}

func newStubResearcher() *stubResearcher {
	return &stubResearcher{calls: make(map[int]int), badDays: make(map[int]bool)}
}

func (s *stubResearcher) ResearchDay(ctx context.Context, day int, members []string, language string, feedback []string) ([]datatypes.ResearchResult, error) {
	cur := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		max := s.maxSeen.Load()
		if cur <= max || s.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}

	s.mu.Lock()
	s.calls[day]++
	attempt := s.calls[day]
	bad := s.badDays[day] || (s.flakyDay == day && attempt == 1)
	s.mu.Unlock()

	if bad {
		return nil, nil // missing every member: validation fails
	}

	out := make([]datatypes.ResearchResult, 0, len(members))
	for _, name := range members {
		out = append(out, datatypes.ResearchResult{
			Name:        name,
			Day:         day,
			Description: fmt.Sprintf("%s described in %s", name, language),
			Cost:        &datatypes.Cost{Amount: 10, Currency: "EUR"},
		})
	}
	return out, nil
}

func finalized() *datatypes.Partition {
	return &datatypes.Partition{Days: []datatypes.DayGroup{
		{Day: 1, Members: []string{"Louvre", "Orsay"}},
		{Day: 2, Members: []string{"Eiffel Tower"}},
		{Day: 3, Members: []string{"Versailles"}},
	}}
}

func TestPool_Run_JoinCompleteness(t *testing.T) {
	stub := newStubResearcher()
	pool := NewPool(stub, nil)

	results, err := pool.Run(context.Background(), finalized(), "en")
	require.NoError(t, err)

	// Exactly one entry per attraction across all groups.
	require.Len(t, results, 4)
	for _, name := range []string{"Louvre", "Orsay", "Eiffel Tower", "Versailles"} {
		result, ok := results[name]
		require.True(t, ok, "missing %q", name)
		assert.Equal(t, name, result.Name)
		assert.False(t, result.Partial)
		assert.NotEmpty(t, result.Description)
	}
	assert.Equal(t, 2, results["Eiffel Tower"].Day)
}

func TestPool_Run_RetryThenSuccess(t *testing.T) {
	stub := newStubResearcher()
	stub.flakyDay = 2
	pool := NewPool(stub, nil)

	results, err := pool.Run(context.Background(), finalized(), "en")
	require.NoError(t, err)

	assert.Equal(t, 2, stub.calls[2], "flaky day retried once")
	assert.False(t, results["Eiffel Tower"].Partial)
}

func TestPool_Run_PartialFallbackIsolated(t *testing.T) {
	stub := newStubResearcher()
	stub.badDays[1] = true // day 1 never validates
	pool := NewPool(stub, nil).WithMaxAttempts(2)

	results, err := pool.Run(context.Background(), finalized(), "en")
	require.NoError(t, err)

	// Join still contains every attraction; the failed group is partial.
	require.Len(t, results, 4)
	assert.True(t, results["Louvre"].Partial)
	assert.True(t, results["Orsay"].Partial)
	assert.NotEmpty(t, results["Louvre"].Description)
	assert.Nil(t, results["Louvre"].Cost)

	// Siblings are untouched.
	assert.False(t, results["Eiffel Tower"].Partial)
	assert.False(t, results["Versailles"].Partial)

	assert.Equal(t, 2, stub.calls[1], "retry bound respected")
}

func TestPool_Run_ParallelismBounded(t *testing.T) {
	stub := newStubResearcher()
	pool := NewPool(stub, nil).WithParallelism(1)

	_, err := pool.Run(context.Background(), finalized(), "en")
	require.NoError(t, err)
	assert.LessOrEqual(t, stub.maxSeen.Load(), int32(1))
}

func TestPool_Run_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := NewPool(newStubResearcher(), nil)
	_, err := pool.Run(ctx, finalized(), "en")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJoin_DuplicateIsMismatch(t *testing.T) {
	p := &datatypes.Partition{Days: []datatypes.DayGroup{
		{Day: 1, Members: []string{"Louvre"}},
		{Day: 2, Members: []string{"Orsay"}},
	}}
	slots := [][]datatypes.ResearchResult{
		{{Name: "Louvre", Day: 1, Description: "d"}},
		{{Name: "Louvre", Day: 2, Description: "d"}},
	}

	_, err := join(slots, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJoinMismatch)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestJoin_MissingIsMismatch(t *testing.T) {
	p := &datatypes.Partition{Days: []datatypes.DayGroup{
		{Day: 1, Members: []string{"Louvre", "Orsay"}},
	}}
	slots := [][]datatypes.ResearchResult{
		{{Name: "Louvre", Day: 1, Description: "d"}},
	}

	_, err := join(slots, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJoinMismatch)
	assert.Contains(t, err.Error(), `"Orsay"`)
}

func TestValidateDayResults(t *testing.T) {
	validate := validateDayResults([]string{"Louvre", "Orsay"})

	valid := []datatypes.ResearchResult{
		{Name: "Louvre", Day: 1, Description: "d"},
		{Name: "Orsay", Day: 1, Description: "d"},
	}
	assert.Empty(t, validate(valid))

	violations := validate([]datatypes.ResearchResult{
		{Name: "Louvre", Day: 1, Description: "d"},
		{Name: "Louvre", Day: 1, Description: "d"},
	})
	require.Len(t, violations, 2) // duplicate Louvre, missing Orsay
	assert.Contains(t, violations[0], "duplicate")
	assert.Contains(t, violations[1], "missing")

	violations = validate([]datatypes.ResearchResult{
		{Name: "Atlantis", Day: 1, Description: "d"},
		{Name: "Louvre", Day: 1, Description: ""},
		{Name: "Orsay", Day: 1, Description: "d", Cost: &datatypes.Cost{Amount: 5, Currency: "nope"}},
	})
	joined := fmt.Sprintf("%v", violations)
	assert.Contains(t, joined, "unexpected")
	assert.Contains(t, joined, "empty description")
	assert.Contains(t, joined, "invalid result")
}

func TestPartialResults(t *testing.T) {
	results := partialResults(3, []string{"Louvre", "Orsay"})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Partial)
		assert.Equal(t, 3, r.Day)
		assert.NotEmpty(t, r.Description)
		assert.Nil(t, r.Cost)
		assert.Empty(t, r.Images)
	}
}
