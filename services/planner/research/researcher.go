// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package research enriches each finalized day group with structured
// attraction detail.
//
// One independent task runs per day group. Tasks share no mutable state:
// each writes only its own pre-allocated slot and communicates through
// its return value. Task output is contract-validated with bounded retry;
// an attraction whose enrichment cannot be validated degrades to a
// partial result instead of aborting siblings.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/itinera-ai/itinera/pkg/logging"
	"github.com/itinera-ai/itinera/services/planner/datatypes"
	"github.com/itinera-ai/itinera/services/planner/llm"
	"github.com/itinera-ai/itinera/services/planner/search"
)

// Researcher produces structured detail for one day group.
type Researcher interface {
	// ResearchDay returns one result per member, keyed by name. Feedback
	// carries validation violations from earlier attempts.
	ResearchDay(ctx context.Context, day int, members []string, language string, feedback []string) ([]datatypes.ResearchResult, error)
}

// contextBudgetChars caps the search context handed to the model per day
// group. Longer contexts are split and truncated at a boundary the
// splitter considers clean.
const contextBudgetChars = 6000

const researchSystemPrompt = `You research tourist attractions. Using only the
provided search context, emit one JSON object:
{"results": [{
  "name": "<attraction name exactly as given>",
  "description": "<2-4 sentences>",
  "hours": "<opening hours or empty>",
  "cost": {"amount": <number>, "currency": "<ISO-4217 code>"} or omit,
  "ticket_url": "<url or omit>",
  "links": ["<useful urls>"]
}]}
Include every attraction exactly once. Omit fields you cannot ground in
the context rather than inventing them. Write descriptions in the
requested language.`

// LLMResearcher implements Researcher with web search plus a model call
// per day group.
//
// # Thread Safety
//
// Safe for concurrent use when the injected clients are.
type LLMResearcher struct {
	client   llm.Client
	searcher search.Searcher
	logger   *logging.Logger
	splitter textsplitter.RecursiveCharacter
}

// NewLLMResearcher creates an LLMResearcher. logger may be nil.
func NewLLMResearcher(client llm.Client, searcher search.Searcher, logger *logging.Logger) *LLMResearcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LLMResearcher{
		client:   client,
		searcher: searcher,
		logger:   logger.With("component", "research"),
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(contextBudgetChars),
			textsplitter.WithChunkOverlap(0),
		),
	}
}

// ResearchDay searches each member, budgets the combined context, and
// asks the model for structured results. Search images are attached
// afterward so the model never invents image URLs.
func (r *LLMResearcher) ResearchDay(ctx context.Context, day int, members []string, language string, feedback []string) ([]datatypes.ResearchResult, error) {
	contexts := make([]string, 0, len(members))
	images := make(map[string][]string, len(members))

	for _, name := range members {
		resp, err := r.searcher.Search(ctx, name+" visiting hours tickets cost", search.Options{
			MaxResults:    3,
			IncludeImages: true,
		})
		if err != nil {
			return nil, fmt.Errorf("research search for %q: %w", name, err)
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "## %s\n", name)
		for _, result := range resp.Results {
			fmt.Fprintf(&sb, "- %s (%s): %s\n", result.Title, result.URL, result.Snippet)
		}
		contexts = append(contexts, sb.String())

		if n := len(resp.Images); n > 0 {
			if n > datatypes.MaxImagesPerAttraction {
				n = datatypes.MaxImagesPerAttraction
			}
			images[name] = resp.Images[:n]
		}
	}

	searchContext, err := r.budget(strings.Join(contexts, "\n"))
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Attractions: %s\n", strings.Join(members, ", "))
	fmt.Fprintf(&sb, "Language: %s\n\n", language)
	fmt.Fprintf(&sb, "Search context:\n%s\n", searchContext)

	messages := []llm.Message{{Role: llm.RoleUser, Content: sb.String()}}
	if len(feedback) > 0 {
		messages = append(messages, llm.Message{
			Role:    llm.RoleUser,
			Content: "Your previous output was invalid: " + strings.Join(feedback, "; ") + ". Emit corrected results.",
		})
	}

	resp, err := r.client.Complete(ctx, &llm.Request{
		SystemPrompt: researchSystemPrompt,
		Messages:     messages,
		ForceJSON:    true,
	})
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Results []datatypes.ResearchResult `json:"results"`
	}
	if err := json.Unmarshal([]byte(resp.Text), &envelope); err != nil {
		return nil, fmt.Errorf("output is not valid research JSON: %w", err)
	}

	for i := range envelope.Results {
		envelope.Results[i].Day = day
		if imgs, ok := images[envelope.Results[i].Name]; ok {
			envelope.Results[i].Images = imgs
		}
	}
	return envelope.Results, nil
}

// budget truncates text to the context budget at a splitter boundary.
func (r *LLMResearcher) budget(text string) (string, error) {
	if len(text) <= contextBudgetChars {
		return text, nil
	}
	chunks, err := r.splitter.SplitText(text)
	if err != nil {
		return "", fmt.Errorf("split research context: %w", err)
	}
	if len(chunks) == 0 {
		return "", nil
	}
	r.logger.Debug("research context truncated", "chars", len(text), "kept", len(chunks[0]))
	return chunks[0], nil
}
