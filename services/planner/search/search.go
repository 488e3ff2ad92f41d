// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package search is the web/image search boundary.
//
// The client targets a Tavily-style JSON search API with client-side rate
// limiting and bounded retry on 429 and transient 5xx responses.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/itinera-ai/itinera/pkg/logging"
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"content"`
}

// Response is the full search response.
type Response struct {
	Results []Result `json:"results"`
	Images  []string `json:"images,omitempty"`
}

// Options tunes a single query.
type Options struct {
	// MaxResults caps the returned hits. 0 means the provider default.
	MaxResults int

	// IncludeImages asks the provider for related image URLs.
	IncludeImages bool
}

// Searcher is implemented by the HTTP client and the test mock.
type Searcher interface {
	Search(ctx context.Context, query string, opts Options) (*Response, error)
}

// Sentinel errors mapped from provider status codes.
var (
	ErrUnauthorized = errors.New("search: unauthorized")
	ErrBadQuery     = errors.New("search: bad query")
)

const (
	defaultBaseURL = "https://api.tavily.com"
	maxRetries     = 4
)

// Config configures the search client.
type Config struct {
	APIKey  string
	BaseURL string  // optional override
	RPS     float64 // client-side requests per second, default 5
}

// Client is the HTTP Searcher.
//
// # Thread Safety
//
// Safe for concurrent use; the rate limiter serializes bursts across
// goroutines.
type Client struct {
	base   string
	key    string
	hc     *http.Client
	rl     *rate.Limiter
	logger *logging.Logger
}

// NewClient creates a search client.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("search api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if logger == nil {
		logger = logging.Nop()
	}
	burst := int(cfg.RPS)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		key:    cfg.APIKey,
		hc:     &http.Client{Timeout: 20 * time.Second},
		rl:     rate.NewLimiter(rate.Limit(cfg.RPS), burst),
		logger: logger.With("component", "search"),
	}, nil
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	MaxResults    int    `json:"max_results,omitempty"`
	IncludeImages bool   `json:"include_images,omitempty"`
}

// Search performs one query with rate limiting and bounded retry.
func (c *Client) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(searchRequest{
		APIKey:        c.key,
		Query:         query,
		SearchDepth:   "basic",
		MaxResults:    opts.MaxResults,
		IncludeImages: opts.IncludeImages,
	})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/search", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if i < maxRetries-1 && sleepCtx(ctx, backoff(i)) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, lastErr
		}

		switch resp.StatusCode {
		case http.StatusOK:
			var out Response
			err := json.NewDecoder(resp.Body).Decode(&out)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("decode search response: %w", err)
			}
			return &out, nil

		case http.StatusUnauthorized, http.StatusForbidden:
			resp.Body.Close()
			return nil, ErrUnauthorized

		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			resp.Body.Close()
			return nil, ErrBadQuery

		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			wait := retryAfter(resp)
			resp.Body.Close()
			if wait == 0 {
				wait = backoff(i)
			}
			lastErr = fmt.Errorf("search remote %d", resp.StatusCode)
			c.logger.Warn("search retrying", "status", resp.StatusCode, "attempt", i+1, "wait", wait)
			if i < maxRetries-1 && sleepCtx(ctx, wait) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, lastErr

		default:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, fmt.Errorf("search bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		}
	}

	return nil, lastErr
}

// sleepCtx waits for d or returns false if ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryAfter parses a Retry-After header in seconds or HTTP-date form.
// Returns 0 when absent or invalid.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff doubles from 200ms per attempt.
func backoff(i int) time.Duration {
	return time.Duration(1<<i) * 200 * time.Millisecond
}
