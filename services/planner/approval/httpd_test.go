// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itinera-ai/itinera/services/planner/datatypes"
)

func TestHTTPDriver_ProposalNotFoundBeforePrompt(t *testing.T) {
	driver := NewHTTPDriver(":0", nil)
	server := httptest.NewServer(driver.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/approval/proposal")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPDriver_PromptRoundtrip(t *testing.T) {
	driver := NewHTTPDriver(":0", nil)
	server := httptest.NewServer(driver.Handler())
	defer server.Close()

	state := datatypes.NewApprovalState(newProposal())

	type promptResult struct {
		response string
		err      error
	}
	done := make(chan promptResult, 1)
	go func() {
		resp, err := driver.Prompt(context.Background(), state, "")
		done <- promptResult{resp, err}
	}()

	// Wait for the proposal to become visible.
	require.Eventually(t, func() bool {
		resp, err := http.Get(server.URL + "/v1/approval/proposal")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(server.URL + "/v1/approval/proposal")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.EqualValues(t, 1, body["round"])
	assert.Equal(t, "proposed", body["status"])

	// Post a response; Prompt must return it.
	payload, _ := json.Marshal(map[string]string{"response": "move Louvre to day 2"})
	post, err := http.Post(server.URL+"/v1/approval/response", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusAccepted, post.StatusCode)

	select {
	case result := <-done:
		require.NoError(t, result.err)
		assert.Equal(t, "move Louvre to day 2", result.response)
	case <-time.After(2 * time.Second):
		t.Fatal("Prompt did not return after response was posted")
	}

	// No longer pending.
	post2, err := http.Post(server.URL+"/v1/approval/response", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	post2.Body.Close()
	assert.Equal(t, http.StatusConflict, post2.StatusCode)
}

func TestHTTPDriver_BadRequestBody(t *testing.T) {
	driver := NewHTTPDriver(":0", nil)
	server := httptest.NewServer(driver.Handler())
	defer server.Close()

	resp, err := http.Post(server.URL+"/v1/approval/response", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPDriver_PromptCanceled(t *testing.T) {
	driver := NewHTTPDriver(":0", nil)
	server := httptest.NewServer(driver.Handler())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	state := datatypes.NewApprovalState(newProposal())

	done := make(chan error, 1)
	go func() {
		_, err := driver.Prompt(ctx, state, "")
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Prompt did not return on cancellation")
	}
}

func TestHTTPDriver_MetricsExposed(t *testing.T) {
	driver := NewHTTPDriver(":0", nil)
	server := httptest.NewServer(driver.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
