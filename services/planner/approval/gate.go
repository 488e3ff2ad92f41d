// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package approval implements the human-in-the-loop gate over a proposed
// partition.
//
// The gate is a finite state machine, not a blocking call: Proposed ->
// Proposed | Accepted | Abandoned. Its entire continuation is the
// ApprovalState record, so a driver can persist the state and resume the
// run from a separate process invocation. Drivers (console, HTTP) only
// transport response text; every transition happens in Respond.
package approval

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/itinera-ai/itinera/pkg/logging"
	"github.com/itinera-ai/itinera/services/planner/datatypes"
)

// ErrAbandoned is the fatal failure kind for an unresponsive or
// persistently unparseable human channel.
var ErrAbandoned = errors.New("approval abandoned")

// Defaults for the gate bounds. Both are configurable; neither may be
// unbounded.
const (
	DefaultMaxRounds    = 5
	DefaultMaxReprompts = 3
)

// Config bounds the gate loop.
type Config struct {
	// MaxRounds caps proposal/response cycles; beyond it the current
	// proposal is auto-accepted with a warning.
	MaxRounds int

	// MaxReprompts caps consecutive unparseable responses before the
	// run is abandoned.
	MaxReprompts int
}

// Gate applies responses to an ApprovalState.
//
// # Thread Safety
//
// NOT safe for concurrent use on the same state. The state has exactly
// one writer while a run is suspended; drivers must serialize responses.
type Gate struct {
	attractions  []string
	directives   []datatypes.Directive
	maxRounds    int
	maxReprompts int
	logger       *logging.Logger
}

// NewGate creates a Gate for one run.
//
// # Inputs
//
//   - attractions: The full attraction name set, used to validate edits.
//   - directives: The resolved directives; edits are re-validated against
//     the same invariants as the original partition.
//   - cfg: Loop bounds; zero values take the defaults.
//   - logger: May be nil.
func NewGate(attractions []string, directives []datatypes.Directive, cfg Config, logger *logging.Logger) *Gate {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.MaxReprompts <= 0 {
		cfg.MaxReprompts = DefaultMaxReprompts
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Gate{
		attractions:  attractions,
		directives:   directives,
		maxRounds:    cfg.MaxRounds,
		maxReprompts: cfg.MaxReprompts,
		logger:       logger.With("component", "approval"),
	}
}

var (
	moveRe = regexp.MustCompile(`(?i)^move\s+(.+?)\s+to\s+day\s+(\d+)\s*$`)
	swapRe = regexp.MustCompile(`(?i)^swap\s+day\s+(\d+)\s+(?:and|with)\s+day\s+(\d+)\s*$`)
)

var acceptPhrases = map[string]bool{
	"yes": true, "y": true, "ok": true, "okay": true,
	"accept": true, "approve": true, "approved": true,
	"looks good": true, "lgtm": true, "sounds good": true, "perfect": true,
}

// Respond applies one human response to the state.
//
// # Description
//
// Transitions:
//
//   - Accept phrase: Status becomes Accepted, the protocol ends.
//   - "move <name> to day N" / "swap day A and day B": the edit is applied
//     as a structural mutation and re-validated against the partition
//     invariants. A valid edit increments Round and re-proposes; an edit
//     that is parseable but invalid (unknown day, invariant violation)
//     consumes a round without mutating the proposal.
//   - Anything else, including an ambiguous attraction reference, is a
//     reprompt: Round is not consumed, bounded by MaxReprompts, after
//     which the run is abandoned.
//
// Exceeding MaxRounds auto-accepts the current proposal with a warning.
//
// # Outputs
//
//   - string: The message to show the user (re-proposal, reprompt, or
//     acceptance note). Empty on plain acceptance.
//   - error: ErrAbandoned once the reprompt bound is spent.
func (g *Gate) Respond(state *datatypes.ApprovalState, response string) (string, error) {
	if state.Status != datatypes.StatusProposed {
		return "", fmt.Errorf("approval state is %s, expected %s", state.Status, datatypes.StatusProposed)
	}

	text := strings.TrimSpace(response)
	lower := strings.ToLower(strings.TrimRight(text, ".!"))

	if acceptPhrases[lower] {
		state.Status = datatypes.StatusAccepted
		g.logger.Info("proposal accepted", "round", state.Round)
		return "", nil
	}

	if m := moveRe.FindStringSubmatch(text); m != nil {
		day, _ := strconv.Atoi(m[2])
		return g.applyMove(state, m[1], day)
	}
	if m := swapRe.FindStringSubmatch(text); m != nil {
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		return g.applySwap(state, a, b)
	}

	return g.reprompt(state, fmt.Sprintf("I could not understand %q.", text))
}

// applyMove moves one attraction to another day.
func (g *Gate) applyMove(state *datatypes.ApprovalState, rawName string, day int) (string, error) {
	name, ambiguous := g.resolveName(rawName, state)
	if len(ambiguous) > 1 {
		return g.reprompt(state, fmt.Sprintf("%q matches several attractions: %s.",
			rawName, strings.Join(ambiguous, ", ")))
	}
	if name == "" {
		return g.consumeRound(state, fmt.Sprintf("No attraction matches %q.", rawName))
	}
	if day < 1 || day > len(state.Proposal.Days) {
		return g.consumeRound(state, fmt.Sprintf("Day %d does not exist; the itinerary has %d days.", day, len(state.Proposal.Days)))
	}

	from := state.Proposal.FindMember(name)
	if from == day {
		return g.consumeRound(state, fmt.Sprintf("%q is already in day %d.", name, day))
	}
	if from >= 1 && len(state.Proposal.Days[from-1].Members) == 1 {
		return g.consumeRound(state, fmt.Sprintf("Moving %q would leave day %d empty; every day needs at least one attraction.", name, from))
	}

	mutated := state.Proposal.Clone()
	removeMember(mutated, name)
	mutated.Days[day-1].Members = append(mutated.Days[day-1].Members, name)
	mutated.Normalize()

	if violations := mutated.Violations(g.attractions, g.directives); len(violations) > 0 {
		return g.consumeRound(state, "That edit breaks the itinerary constraints: "+strings.Join(violations, "; ")+".")
	}

	state.Proposal = *mutated
	return g.repropose(state, fmt.Sprintf("Moved %q to day %d.", name, day))
}

// applySwap exchanges the members of two days.
func (g *Gate) applySwap(state *datatypes.ApprovalState, a, b int) (string, error) {
	dayCount := len(state.Proposal.Days)
	if a < 1 || a > dayCount || b < 1 || b > dayCount {
		return g.consumeRound(state, fmt.Sprintf("Days must be within 1..%d.", dayCount))
	}
	if a == b {
		return g.consumeRound(state, "Those are the same day.")
	}

	mutated := state.Proposal.Clone()
	mutated.Days[a-1].Members, mutated.Days[b-1].Members = mutated.Days[b-1].Members, mutated.Days[a-1].Members
	mutated.Normalize()

	if violations := mutated.Violations(g.attractions, g.directives); len(violations) > 0 {
		return g.consumeRound(state, "That swap breaks the itinerary constraints: "+strings.Join(violations, "; ")+".")
	}

	state.Proposal = *mutated
	return g.repropose(state, fmt.Sprintf("Swapped day %d and day %d.", a, b))
}

// resolveName matches rawName against the proposal's members: exact match
// first, then unique case-insensitive substring match. Returns every
// match when ambiguous.
func (g *Gate) resolveName(rawName string, state *datatypes.ApprovalState) (string, []string) {
	raw := strings.TrimSpace(rawName)
	for _, name := range g.attractions {
		if name == raw {
			return name, nil
		}
	}

	lower := strings.ToLower(raw)
	var matches []string
	for _, name := range g.attractions {
		if strings.Contains(strings.ToLower(name), lower) {
			matches = append(matches, name)
		}
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	return "", matches
}

// repropose advances the round after a valid edit and re-proposes, or
// auto-accepts once the round bound is spent.
func (g *Gate) repropose(state *datatypes.ApprovalState, note string) (string, error) {
	state.Round++
	state.Reprompts = 0

	if state.Round > g.maxRounds {
		state.Status = datatypes.StatusAccepted
		warning := fmt.Sprintf("approval round limit (%d) reached; accepting the current proposal", g.maxRounds)
		state.Warnings = append(state.Warnings, warning)
		g.logger.Warn("auto-accepting proposal", "rounds", g.maxRounds)
		return note + " Round limit reached; the itinerary is final.", nil
	}

	g.logger.Info("proposal updated", "round", state.Round)
	return note + "\n\n" + FormatProposal(&state.Proposal), nil
}

// consumeRound burns a round on a parseable but invalid edit without
// touching the proposal.
func (g *Gate) consumeRound(state *datatypes.ApprovalState, message string) (string, error) {
	state.Round++
	state.Reprompts = 0

	if state.Round > g.maxRounds {
		state.Status = datatypes.StatusAccepted
		warning := fmt.Sprintf("approval round limit (%d) reached; accepting the current proposal", g.maxRounds)
		state.Warnings = append(state.Warnings, warning)
		return message + " Round limit reached; the itinerary is final.", nil
	}
	return message + " The proposal is unchanged.", nil
}

// reprompt asks again without consuming a round, bounded by MaxReprompts.
func (g *Gate) reprompt(state *datatypes.ApprovalState, message string) (string, error) {
	state.Reprompts++
	if state.Reprompts > g.maxReprompts {
		state.Status = datatypes.StatusAbandoned
		g.logger.Warn("approval abandoned", "reprompts", state.Reprompts)
		return "", fmt.Errorf("%w: %d consecutive responses could not be interpreted", ErrAbandoned, state.Reprompts)
	}
	return message + ` Reply "yes" to accept, "move <attraction> to day N", or "swap day A and day B".`, nil
}

// removeMember deletes name from whichever group holds it.
func removeMember(p *datatypes.Partition, name string) {
	for i := range p.Days {
		members := p.Days[i].Members
		for j, m := range members {
			if m == name {
				p.Days[i].Members = append(members[:j], members[j+1:]...)
				return
			}
		}
	}
}

// FormatProposal renders a partition for human review.
func FormatProposal(p *datatypes.Partition) string {
	var sb strings.Builder
	sb.WriteString("Proposed itinerary:\n")
	for _, g := range p.Days {
		fmt.Fprintf(&sb, "  Day %d: %s\n", g.Day, strings.Join(g.Members, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}
