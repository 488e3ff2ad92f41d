// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/itinera-ai/itinera/services/planner/datatypes"
)

// ErrNoMatch indicates the geocoder found no result for an address.
var ErrNoMatch = errors.New("geocode: no match for address")

// Geocoder resolves an address string to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*datatypes.Coordinates, error)
}

const defaultNominatimURL = "https://nominatim.openstreetmap.org"

// NominatimClient is a forward geocoder against a Nominatim-style
// /search endpoint.
//
// Nominatim's usage policy requires an identifying User-Agent and at most
// one request per second against the public instance; run a private
// instance for higher throughput.
type NominatimClient struct {
	base string
	hc   *http.Client
}

// NewNominatimClient creates a geocoder client. An empty baseURL targets
// the public Nominatim instance.
func NewNominatimClient(baseURL string) *NominatimClient {
	if baseURL == "" {
		baseURL = defaultNominatimURL
	}
	return &NominatimClient{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: 15 * time.Second},
	}
}

// nominatimPlace is the subset of the Nominatim response we read.
// Lat/lon arrive as strings on the wire.
type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Geocode resolves address to coordinates, or ErrNoMatch.
func (c *NominatimClient) Geocode(ctx context.Context, address string) (*datatypes.Coordinates, error) {
	query := url.Values{}
	query.Set("format", "json")
	query.Set("limit", "1")
	query.Set("q", address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/search?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "itinera/1.0 (oss@itinera.dev)")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode bad status %d", resp.StatusCode)
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return nil, fmt.Errorf("decode geocode response: %w", err)
	}
	if len(places) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoMatch, address)
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("parse lat %q: %w", places[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("parse lon %q: %w", places[0].Lon, err)
	}

	return &datatypes.Coordinates{Lat: lat, Lon: lon}, nil
}
