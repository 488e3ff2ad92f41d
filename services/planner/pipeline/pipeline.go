// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline composes the planning stages into an executable DAG.
//
// The graph is GEOCODE and PARSE_PREFS in parallel, then PARTITION,
// APPROVAL (suspending), RESEARCH, ASSEMBLE, and optionally EMAIL. Node
// outputs are JSON-serializable so a run survives a checkpoint and can
// resume in a separate process invocation.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/itinera-ai/itinera/pkg/logging"
	"github.com/itinera-ai/itinera/services/planner/approval"
	"github.com/itinera-ai/itinera/services/planner/config"
	"github.com/itinera-ai/itinera/services/planner/dag"
	"github.com/itinera-ai/itinera/services/planner/datatypes"
	"github.com/itinera-ai/itinera/services/planner/document"
	"github.com/itinera-ai/itinera/services/planner/email"
	"github.com/itinera-ai/itinera/services/planner/geocode"
	"github.com/itinera-ai/itinera/services/planner/llm"
	"github.com/itinera-ai/itinera/services/planner/partition"
	"github.com/itinera-ai/itinera/services/planner/prefs"
	"github.com/itinera-ai/itinera/services/planner/research"
	"github.com/itinera-ai/itinera/services/planner/search"
)

// DAGName identifies the itinerary pipeline in checkpoints and metrics.
const DAGName = "itinerary"

// Node names.
const (
	NodeGeocode    = "GEOCODE"
	NodeParsePrefs = "PARSE_PREFS"
	NodePartition  = "PARTITION"
	NodeApproval   = "APPROVAL"
	NodeResearch   = "RESEARCH"
	NodeAssemble   = "ASSEMBLE"
	NodeEmail      = "EMAIL"
)

// Deps bundles the external collaborators a Planner needs. Sender is
// optional; the EMAIL node is added only when both Sender and the
// request's email address are present.
type Deps struct {
	LLM      llm.Client
	Searcher search.Searcher
	Geocoder geocode.Geocoder
	Sender   email.Sender
}

// Planner builds and runs itinerary pipelines.
//
// # Thread Safety
//
// Safe for concurrent use; each run owns its own state.
type Planner struct {
	cfg    config.Config
	deps   Deps
	logger *logging.Logger
}

// New creates a Planner. logger may be nil.
func New(cfg config.Config, deps Deps, logger *logging.Logger) *Planner {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Planner{cfg: cfg, deps: deps, logger: logger.With("component", "pipeline")}
}

// GeocodeOutput is the GEOCODE node output.
type GeocodeOutput struct {
	// Attractions holds one entry per requested name; entries whose
	// resolution failed carry the name only.
	Attractions map[string]datatypes.Attraction `json:"attractions"`
	Warnings    []string                        `json:"warnings,omitempty"`
}

// PartitionOutput is the PARTITION node output.
type PartitionOutput struct {
	Partition  datatypes.Partition   `json:"partition"`
	Directives []datatypes.Directive `json:"directives,omitempty"`
	Title      string                `json:"title"`
	Warnings   []string              `json:"warnings,omitempty"`
}

// ApprovalOutput is the APPROVAL node output once the proposal is
// accepted.
type ApprovalOutput struct {
	Partition datatypes.Partition `json:"partition"`
	Title     string              `json:"title"`
	Warnings  []string            `json:"warnings,omitempty"`
}

// ResearchOutput is the RESEARCH node output.
type ResearchOutput struct {
	Results map[string]datatypes.ResearchResult `json:"results"`
}

// AssembleOutput is the terminal document.
type AssembleOutput struct {
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

// ApprovalPayload travels through the suspension: the serialized gate
// state plus the message to show the human.
type ApprovalPayload struct {
	State   datatypes.ApprovalState `json:"state"`
	Message string                  `json:"message,omitempty"`
}

const titleSystemPrompt = `You name travel itineraries. Reply with one short
title in the requested language. No quotes, no trailing punctuation.`

// buildDAG wires the nodes for one request.
func (p *Planner) buildDAG(req *datatypes.PlanRequest) (*dag.DAG, error) {
	builder := dag.NewBuilder(DAGName).
		AddNode(dag.NewFuncNode(NodeGeocode, nil, p.geocodeNode(req)).
			WithTimeout(2 * time.Minute)).
		AddNode(dag.NewFuncNode(NodeParsePrefs, nil, p.parsePrefsNode(req)).
			WithTimeout(time.Minute)).
		AddNode(dag.NewFuncNode(NodePartition, []string{NodeGeocode, NodeParsePrefs}, p.partitionNode(req)).
			WithTimeout(time.Minute)).
		AddNode(dag.NewFuncNode(NodeApproval, []string{NodePartition}, p.approvalNode(req)).
			WithTimeout(time.Minute)).
		AddNode(dag.NewFuncNode(NodeResearch, []string{NodeApproval}, p.researchNode(req)).
			WithTimeout(5 * time.Minute)).
		AddNode(dag.NewFuncNode(NodeAssemble, []string{NodeApproval, NodeResearch}, p.assembleNode(req)).
			WithTimeout(time.Minute))

	if req.Email != "" && p.deps.Sender != nil {
		builder.AddNode(dag.NewFuncNode(NodeEmail, []string{NodeAssemble}, p.emailNode(req)).
			WithTimeout(time.Minute))
	}

	return builder.Build()
}

func (p *Planner) geocodeNode(req *datatypes.PlanRequest) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, _ map[string]any) (any, error) {
		resolver := geocode.NewResolver(p.deps.Searcher, p.deps.Geocoder, p.logger).
			WithParallelism(p.cfg.Geocode.Parallelism)

		resolved, failures := resolver.ResolveAll(ctx, req.Attractions)

		names := make([]string, 0, len(failures))
		for name := range failures {
			names = append(names, name)
		}
		sort.Strings(names)

		warnings := make([]string, 0, len(names))
		for _, name := range names {
			warnings = append(warnings,
				fmt.Sprintf("no verified address for %q; it will be placed without coordinates", name))
		}
		return GeocodeOutput{Attractions: resolved, Warnings: warnings}, nil
	}
}

func (p *Planner) parsePrefsNode(req *datatypes.PlanRequest) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, _ map[string]any) (any, error) {
		parser := prefs.NewParser(p.deps.LLM, p.logger)
		return parser.Parse(ctx, req.Preferences, req.Attractions, req.Days)
	}
}

func (p *Planner) partitionNode(req *datatypes.PlanRequest) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, inputs map[string]any) (any, error) {
		geo, err := decodeInput[GeocodeOutput](inputs, NodeGeocode)
		if err != nil {
			return nil, err
		}
		directives, err := decodeInput[[]datatypes.Directive](inputs, NodeParsePrefs)
		if err != nil {
			return nil, err
		}

		part, warnings, err := partition.BuildWithRetry(ctx, p.logger, geo.Attractions, req.Days, directives)
		if err != nil {
			return nil, err
		}

		return PartitionOutput{
			Partition:  *part,
			Directives: directives,
			Title:      p.generateTitle(ctx, req),
			Warnings:   append(geo.Warnings, warnings...),
		}, nil
	}
}

// approvalNode runs the gate. On first arrival it suspends with a fresh
// proposal; on re-execution it applies the resumption response and either
// completes, suspends again, or fails with approval.ErrAbandoned.
func (p *Planner) approvalNode(req *datatypes.PlanRequest) func(context.Context, map[string]any) (any, error) {
	return func(_ context.Context, inputs map[string]any) (any, error) {
		part, err := decodeInput[PartitionOutput](inputs, NodePartition)
		if err != nil {
			return nil, err
		}

		var state *datatypes.ApprovalState
		if raw, ok := inputs[dag.InputSuspension]; ok {
			payload, err := decodeAs[ApprovalPayload](raw)
			if err != nil {
				return nil, fmt.Errorf("decode suspension payload: %w", err)
			}
			state = &payload.State
		} else {
			state = datatypes.NewApprovalState(part.Partition)
		}

		raw, ok := inputs[dag.InputResumption]
		if !ok {
			return nil, dag.Suspend("itinerary approval", ApprovalPayload{State: *state})
		}
		response, err := decodeAs[string](raw)
		if err != nil {
			return nil, fmt.Errorf("decode resumption payload: %w", err)
		}

		gate := approval.NewGate(req.Attractions, part.Directives, approval.Config{
			MaxRounds:    p.cfg.Approval.MaxRounds,
			MaxReprompts: p.cfg.Approval.MaxReprompts,
		}, p.logger)

		message, err := gate.Respond(state, response)
		if err != nil {
			return nil, err
		}
		if state.Status != datatypes.StatusAccepted {
			return nil, dag.Suspend("itinerary approval", ApprovalPayload{State: *state, Message: message})
		}

		return ApprovalOutput{
			Partition: state.Proposal,
			Title:     part.Title,
			Warnings:  append(part.Warnings, state.Warnings...),
		}, nil
	}
}

func (p *Planner) researchNode(req *datatypes.PlanRequest) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, inputs map[string]any) (any, error) {
		approved, err := decodeInput[ApprovalOutput](inputs, NodeApproval)
		if err != nil {
			return nil, err
		}

		researcher := research.NewLLMResearcher(p.deps.LLM, p.deps.Searcher, p.logger)
		pool := research.NewPool(researcher, p.logger).
			WithParallelism(p.cfg.Research.Parallelism).
			WithMaxAttempts(p.cfg.Research.MaxAttempts)

		results, err := pool.Run(ctx, &approved.Partition, p.language(req))
		if err != nil {
			return nil, err
		}
		return ResearchOutput{Results: results}, nil
	}
}

func (p *Planner) assembleNode(req *datatypes.PlanRequest) func(context.Context, map[string]any) (any, error) {
	return func(_ context.Context, inputs map[string]any) (any, error) {
		approved, err := decodeInput[ApprovalOutput](inputs, NodeApproval)
		if err != nil {
			return nil, err
		}
		researched, err := decodeInput[ResearchOutput](inputs, NodeResearch)
		if err != nil {
			return nil, err
		}

		doc := document.Assemble(approved.Title, &approved.Partition, researched.Results,
			approved.Warnings, p.language(req))
		return AssembleOutput{Title: approved.Title, Markdown: document.RenderMarkdown(doc)}, nil
	}
}

// language prefers the request's language over the configured default.
func (p *Planner) language(req *datatypes.PlanRequest) string {
	if req.Language != "" {
		return req.Language
	}
	return p.cfg.Language
}

// emailNode is best-effort: delivery failure is logged, never fatal, and
// the assembled document passes through unchanged.
func (p *Planner) emailNode(req *datatypes.PlanRequest) func(context.Context, map[string]any) (any, error) {
	return func(ctx context.Context, inputs map[string]any) (any, error) {
		assembled, err := decodeInput[AssembleOutput](inputs, NodeAssemble)
		if err != nil {
			return nil, err
		}

		msg := &email.Message{
			To:             req.Email,
			Subject:        assembled.Title,
			Body:           "Your itinerary is attached.",
			AttachmentName: "itinerary.md",
			Attachment:     []byte(assembled.Markdown),
		}
		if err := p.deps.Sender.Send(ctx, msg); err != nil {
			p.logger.Warn("itinerary email not delivered", "to", req.Email, "error", err)
		}
		return assembled, nil
	}
}

// generateTitle asks the model for a document title, falling back to a
// deterministic one on any failure.
func (p *Planner) generateTitle(ctx context.Context, req *datatypes.PlanRequest) string {
	fallback := fmt.Sprintf("Travel Itinerary - %d Days", req.Days)

	resp, err := p.deps.LLM.Complete(ctx, &llm.Request{
		SystemPrompt: titleSystemPrompt,
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: fmt.Sprintf("Attractions: %s\nDays: %d\nLanguage: %s",
				strings.Join(req.Attractions, ", "), req.Days, p.language(req)),
		}},
		MaxTokens: 30,
	})
	if err != nil {
		p.logger.Warn("title generation failed, using fallback", "error", err)
		return fallback
	}
	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Text), `"`))
	if title == "" {
		return fallback
	}
	return title
}

// decodeAs converts a node input to its concrete type. Before a
// checkpoint the value is the original struct; after a checkpoint it is
// a generic JSON map, so decoding always goes through encoding/json
// unless the type already matches.
func decodeAs[T any](raw any) (T, error) {
	if typed, ok := raw.(T); ok {
		return typed, nil
	}
	var out T
	if rm, ok := raw.(json.RawMessage); ok {
		if err := json.Unmarshal(rm, &out); err != nil {
			return out, err
		}
		return out, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

func decodeInput[T any](inputs map[string]any, key string) (T, error) {
	raw, ok := inputs[key]
	if !ok {
		var zero T
		return zero, fmt.Errorf("missing input %q", key)
	}
	out, err := decodeAs[T](raw)
	if err != nil {
		return out, fmt.Errorf("decode input %q: %w", key, err)
	}
	return out, nil
}
