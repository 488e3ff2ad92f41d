// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNominatimClient_Geocode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		assert.Equal(t, "Rue de Rivoli, 75001 Paris", r.URL.Query().Get("q"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))

		w.Write([]byte(`[{"lat":"48.8606","lon":"2.3376","display_name":"Louvre, Paris"}]`))
	}))
	defer server.Close()

	client := NewNominatimClient(server.URL)
	coords, err := client.Geocode(context.Background(), "Rue de Rivoli, 75001 Paris")
	require.NoError(t, err)
	assert.InDelta(t, 48.8606, coords.Lat, 0.0001)
	assert.InDelta(t, 2.3376, coords.Lon, 0.0001)
}

func TestNominatimClient_Geocode_NoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewNominatimClient(server.URL)
	_, err := client.Geocode(context.Background(), "nowhere at all")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestNominatimClient_Geocode_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewNominatimClient(server.URL)
	_, err := client.Geocode(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNominatimClient_Geocode_MalformedLat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"lat":"not-a-number","lon":"2.0"}]`))
	}))
	defer server.Close()

	client := NewNominatimClient(server.URL)
	_, err := client.Geocode(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse lat")
}
