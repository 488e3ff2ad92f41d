// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package research

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itinera-ai/itinera/services/planner/llm"
	"github.com/itinera-ai/itinera/services/planner/search"
)

func TestLLMResearcher_ResearchDay(t *testing.T) {
	searcher := search.NewMockClient().
		On("Louvre", &search.Response{
			Results: []search.Result{{Title: "Louvre", URL: "https://louvre.fr", Snippet: "Open 9-6, 22 EUR"}},
			Images:  []string{"https://img.example.com/1.jpg", "https://img.example.com/2.jpg", "https://img.example.com/3.jpg", "https://img.example.com/4.jpg"},
		})

	client := llm.NewMockClient(`{"results": [{
		"name": "Louvre",
		"description": "The world's largest art museum.",
		"hours": "9:00-18:00",
		"cost": {"amount": 22, "currency": "EUR"},
		"ticket_url": "https://www.ticketlouvre.fr"
	}]}`)

	researcher := NewLLMResearcher(client, searcher, nil)
	results, err := researcher.ResearchDay(context.Background(), 2, []string{"Louvre"}, "en", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	result := results[0]
	assert.Equal(t, "Louvre", result.Name)
	assert.Equal(t, 2, result.Day, "day is stamped by the researcher")
	assert.Equal(t, "9:00-18:00", result.Hours)
	require.NotNil(t, result.Cost)
	assert.Equal(t, "EUR", result.Cost.Currency)

	// Images come from search, capped, never from the model.
	assert.Len(t, result.Images, 3)

	// The model saw the search context and the member list.
	req := client.Requests()[0]
	assert.True(t, req.ForceJSON)
	assert.Contains(t, req.Messages[0].Content, "Open 9-6, 22 EUR")
	assert.Contains(t, req.Messages[0].Content, "Attractions: Louvre")
}

func TestLLMResearcher_FeedbackAppended(t *testing.T) {
	searcher := search.NewMockClient()
	client := llm.NewMockClient(`{"results": []}`)
	researcher := NewLLMResearcher(client, searcher, nil)

	_, err := researcher.ResearchDay(context.Background(), 1, []string{"Louvre"}, "en",
		[]string{"missing result for \"Louvre\""})
	require.NoError(t, err)

	req := client.Requests()[0]
	require.Len(t, req.Messages, 2)
	assert.Contains(t, req.Messages[1].Content, "previous output was invalid")
}

func TestLLMResearcher_MalformedJSON(t *testing.T) {
	searcher := search.NewMockClient()
	client := llm.NewMockClient(`this is not json`)
	researcher := NewLLMResearcher(client, searcher, nil)

	_, err := researcher.ResearchDay(context.Background(), 1, []string{"Louvre"}, "en", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid research JSON")
}

func TestLLMResearcher_BudgetTruncates(t *testing.T) {
	searcher := search.NewMockClient()
	client := llm.NewMockClient(`{"results": []}`)
	researcher := NewLLMResearcher(client, searcher, nil)

	long := strings.Repeat("paragraph of search context.\n\n", 1000)
	out, err := researcher.budget(long)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), contextBudgetChars)
	assert.NotEmpty(t, out)

	short := "short context"
	out, err = researcher.budget(short)
	require.NoError(t, err)
	assert.Equal(t, short, out)
}
