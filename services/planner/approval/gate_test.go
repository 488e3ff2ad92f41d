// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package approval

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itinera-ai/itinera/services/planner/datatypes"
)

var gateNames = []string{"Louvre", "Orsay", "Eiffel Tower", "Versailles"}

func newProposal() datatypes.Partition {
	return datatypes.Partition{Days: []datatypes.DayGroup{
		{Day: 1, Members: []string{"Louvre", "Orsay"}},
		{Day: 2, Members: []string{"Eiffel Tower"}},
		{Day: 3, Members: []string{"Versailles"}},
	}}
}

func newGate(directives []datatypes.Directive) *Gate {
	return NewGate(gateNames, directives, Config{}, nil)
}

func TestGate_AcceptImmediately(t *testing.T) {
	for _, phrase := range []string{"yes", "Yes", "  ok  ", "LGTM", "looks good", "approved!"} {
		t.Run(phrase, func(t *testing.T) {
			gate := newGate(nil)
			state := datatypes.NewApprovalState(newProposal())

			reply, err := gate.Respond(state, phrase)
			require.NoError(t, err)
			assert.Empty(t, reply)
			assert.Equal(t, datatypes.StatusAccepted, state.Status)
			assert.Equal(t, 1, state.Round)
		})
	}
}

func TestGate_MoveEdit(t *testing.T) {
	gate := newGate(nil)
	state := datatypes.NewApprovalState(newProposal())

	reply, err := gate.Respond(state, "move Louvre to day 2")
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusProposed, state.Status)
	assert.Equal(t, 2, state.Round)
	assert.Equal(t, 2, state.Proposal.FindMember("Louvre"))
	assert.Contains(t, reply, `Moved "Louvre" to day 2`)
	assert.Contains(t, reply, "Day 2: Eiffel Tower, Louvre")

	// Only Louvre moved; everything else is unchanged.
	assert.Equal(t, []string{"Orsay"}, state.Proposal.Days[0].Members)
	assert.Equal(t, []string{"Versailles"}, state.Proposal.Days[2].Members)
}

func TestGate_MovePartialNameMatch(t *testing.T) {
	gate := newGate(nil)
	state := datatypes.NewApprovalState(newProposal())

	_, err := gate.Respond(state, "move orsay to day 2")
	require.NoError(t, err)
	assert.Equal(t, 2, state.Proposal.FindMember("Orsay"))
	assert.Equal(t, 2, state.Round)
}

func TestGate_MoveSoleMemberRejected(t *testing.T) {
	gate := newGate(nil)
	state := datatypes.NewApprovalState(newProposal())

	reply, err := gate.Respond(state, "move eiffel to day 1")
	require.NoError(t, err)

	assert.Equal(t, 2, state.Proposal.FindMember("Eiffel Tower"), "proposal unchanged")
	assert.Equal(t, 2, state.Round, "sole-member moves consume a round")
	assert.Contains(t, reply, "leave day 2 empty")
}

func TestGate_SwapEdit(t *testing.T) {
	gate := newGate(nil)
	state := datatypes.NewApprovalState(newProposal())

	reply, err := gate.Respond(state, "swap day 1 and day 3")
	require.NoError(t, err)

	assert.Equal(t, []string{"Versailles"}, state.Proposal.Days[0].Members)
	assert.Equal(t, []string{"Louvre", "Orsay"}, state.Proposal.Days[2].Members)
	assert.Equal(t, 2, state.Round)
	assert.Contains(t, reply, "Swapped day 1 and day 3")
}

func TestGate_InvalidEditConsumesRound(t *testing.T) {
	gate := newGate(nil)
	state := datatypes.NewApprovalState(newProposal())
	before := state.Proposal.Clone()

	reply, err := gate.Respond(state, "move Louvre to day 9")
	require.NoError(t, err)

	assert.Equal(t, 2, state.Round, "parseable but invalid edits consume a round")
	assert.Equal(t, *before, state.Proposal, "proposal must be unchanged")
	assert.Contains(t, reply, "Day 9 does not exist")
}

func TestGate_EditBreakingIsolateRejected(t *testing.T) {
	directives := []datatypes.Directive{{Kind: datatypes.DirectiveIsolate, Attraction: "Versailles"}}
	gate := newGate(directives)
	state := datatypes.NewApprovalState(newProposal())

	reply, err := gate.Respond(state, "move Louvre to day 3")
	require.NoError(t, err)

	assert.Equal(t, 1, state.Proposal.FindMember("Louvre"), "proposal unchanged")
	assert.Equal(t, 2, state.Round)
	assert.Contains(t, reply, "breaks the itinerary constraints")
	assert.Contains(t, reply, "isolated attraction")
}

func TestGate_UnparseableRepromptsWithoutConsumingRound(t *testing.T) {
	gate := newGate(nil)
	state := datatypes.NewApprovalState(newProposal())

	reply, err := gate.Respond(state, "what's the weather like?")
	require.NoError(t, err)

	assert.Equal(t, 1, state.Round)
	assert.Equal(t, 1, state.Reprompts)
	assert.Contains(t, reply, "could not understand")
	assert.Contains(t, reply, `Reply "yes"`)
}

func TestGate_AmbiguousNameIsReprompt(t *testing.T) {
	names := []string{"Torre Eiffel", "Torre de Belem", "Louvre"}
	gate := NewGate(names, nil, Config{}, nil)
	state := datatypes.NewApprovalState(datatypes.Partition{Days: []datatypes.DayGroup{
		{Day: 1, Members: []string{"Louvre", "Torre Eiffel"}},
		{Day: 2, Members: []string{"Torre de Belem"}},
	}})

	reply, err := gate.Respond(state, "move Torre to day 2")
	require.NoError(t, err)

	assert.Equal(t, 1, state.Round, "ambiguity must not consume a round")
	assert.Equal(t, 1, state.Reprompts)
	assert.Contains(t, reply, "matches several attractions")
}

func TestGate_RepromptBoundAbandons(t *testing.T) {
	gate := NewGate(gateNames, nil, Config{MaxReprompts: 2}, nil)
	state := datatypes.NewApprovalState(newProposal())

	for i := 0; i < 2; i++ {
		_, err := gate.Respond(state, "gibberish")
		require.NoError(t, err)
		assert.Equal(t, datatypes.StatusProposed, state.Status)
	}

	_, err := gate.Respond(state, "gibberish")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, datatypes.StatusAbandoned, state.Status)
}

func TestGate_ValidEditResetsReprompts(t *testing.T) {
	gate := NewGate(gateNames, nil, Config{MaxReprompts: 2}, nil)
	state := datatypes.NewApprovalState(newProposal())

	_, err := gate.Respond(state, "hmm")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Reprompts)

	_, err = gate.Respond(state, "move Louvre to day 2")
	require.NoError(t, err)
	assert.Equal(t, 0, state.Reprompts)
}

func TestGate_RoundBoundAutoAccepts(t *testing.T) {
	gate := NewGate(gateNames, nil, Config{MaxRounds: 2}, nil)
	state := datatypes.NewApprovalState(newProposal())

	_, err := gate.Respond(state, "move Louvre to day 2")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusProposed, state.Status)

	reply, err := gate.Respond(state, "move Louvre to day 1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusAccepted, state.Status)
	require.NotEmpty(t, state.Warnings)
	assert.Contains(t, state.Warnings[0], "round limit")
	assert.Contains(t, reply, "final")
}

// For any response sequence the gate reaches Accepted or Abandoned within
// the configured bounds.
func TestGate_TerminationProperty(t *testing.T) {
	sequences := [][]string{
		{"move Louvre to day 2", "move Louvre to day 3", "move Louvre to day 1", "swap day 1 and day 2", "move Orsay to day 2", "move Orsay to day 1"},
		{"???", "???", "???", "???", "???"},
		{"move Louvre to day 2", "???", "???", "???", "???"},
		{"move Louvre to day 99", "move Louvre to day 99", "move Louvre to day 99", "move Louvre to day 99"},
	}

	for i, sequence := range sequences {
		t.Run(fmt.Sprintf("sequence_%d", i), func(t *testing.T) {
			gate := NewGate(gateNames, nil, Config{MaxRounds: 3, MaxReprompts: 3}, nil)
			state := datatypes.NewApprovalState(newProposal())

			terminal := false
			for _, response := range sequence {
				_, err := gate.Respond(state, response)
				if err != nil {
					assert.ErrorIs(t, err, ErrAbandoned)
				}
				if state.Status != datatypes.StatusProposed {
					terminal = true
					break
				}
			}
			assert.True(t, terminal, "gate did not terminate: status=%s round=%d", state.Status, state.Round)
		})
	}
}

func TestGate_RespondOnTerminalStateFails(t *testing.T) {
	gate := newGate(nil)
	state := datatypes.NewApprovalState(newProposal())
	state.Status = datatypes.StatusAccepted

	_, err := gate.Respond(state, "yes")
	assert.Error(t, err)
}

func TestFormatProposal(t *testing.T) {
	p := newProposal()
	text := FormatProposal(&p)
	assert.Contains(t, text, "Day 1: Louvre, Orsay")
	assert.Contains(t, text, "Day 3: Versailles")
}
