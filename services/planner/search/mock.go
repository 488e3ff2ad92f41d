// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package search

import (
	"context"
	"strings"
	"sync"
)

// MockClient is a canned Searcher for tests.
//
// Responses are keyed by substring match against the query; the first key
// contained in the query wins. Queries with no match return an empty
// response rather than an error.
type MockClient struct {
	mu        sync.Mutex
	responses map[string]*Response
	queries   []string

	// Err, when set, is returned from every call.
	Err error
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{responses: make(map[string]*Response)}
}

// On registers a canned response for queries containing key.
func (m *MockClient) On(key string, resp *Response) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[key] = resp
	return m
}

// Search returns the first canned response whose key the query contains.
func (m *MockClient) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)

	if m.Err != nil {
		return nil, m.Err
	}
	for key, resp := range m.responses {
		if key != "" && strings.Contains(query, key) {
			return resp, nil
		}
	}
	return &Response{}, nil
}

// Queries returns every query seen, in call order.
func (m *MockClient) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.queries))
	copy(out, m.queries)
	return out
}
