// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm is the language-model boundary for the planner.
//
// The model is an external collaborator: non-deterministic, never assumed
// idempotent. Callers that retry a completion must vary the conversation
// (violation feedback) rather than repeat it verbatim; the middleware
// package enforces that discipline.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyCompletion indicates the provider returned no usable choice.
var ErrEmptyCompletion = errors.New("llm returned empty completion")

// Role values for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call.
//
// # Fields
//
//   - SystemPrompt: Optional system role content, prepended to Messages.
//   - Messages: Conversation in chronological order, at least one entry.
//   - MaxTokens: Completion token cap; 0 means provider default.
//   - Temperature: Sampling temperature; 0 is deterministic-ish.
//   - ForceJSON: Constrain the model to emit a single JSON object.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  float32
	ForceJSON    bool
}

// Response is the completion result.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Client is implemented by every model provider.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; research tasks share
// one client across goroutines.
type Client interface {
	// Complete performs one completion call. May be invoked multiple
	// times per step under retry.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Name identifies the provider ("openai", "mock").
	Name() string

	// Model returns the configured model identifier.
	Model() string
}
