// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"sync"
)

// MockClient is a scripted Client for tests.
//
// # Description
//
// Responses are returned in order; when the script runs out the last
// response repeats. Every request is recorded for assertions. An optional
// Fn overrides the script entirely.
//
// # Thread Safety
//
// Safe for concurrent use.
type MockClient struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	requests  []*Request

	// Fn, when set, handles every call instead of the scripted responses.
	Fn func(ctx context.Context, req *Request) (*Response, error)
}

// NewMockClient creates a MockClient scripted with the given responses.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{responses: responses}
}

// FailWith appends an error to the script; the nth call returns the nth
// scripted entry, errors and responses sharing one sequence position.
func (m *MockClient) FailWith(errs ...error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = errs
	return m
}

// Complete returns the next scripted response.
func (m *MockClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Fn != nil {
		return m.Fn(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.calls
	m.calls++
	m.requests = append(m.requests, req)

	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if len(m.responses) == 0 {
		return nil, ErrEmptyCompletion
	}
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return &Response{Text: m.responses[idx]}, nil
}

// Calls returns how many times Complete ran.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns the recorded requests in call order.
func (m *MockClient) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Name returns "mock".
func (m *MockClient) Name() string { return "mock" }

// Model returns "scripted".
func (m *MockClient) Model() string { return "scripted" }
