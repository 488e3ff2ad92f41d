// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package approval

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itinera-ai/itinera/pkg/logging"
	"github.com/itinera-ai/itinera/services/planner/datatypes"
)

// HTTPDriver serves the pending proposal over HTTP and waits for a
// response, so approval can come from a browser or another tool instead
// of the terminal.
//
// Endpoints:
//
//	GET  /v1/approval/proposal  - the pending proposal and gate message
//	POST /v1/approval/response  - {"response": "..."} one human response
//	GET  /metrics               - Prometheus metrics
//
// # Thread Safety
//
// Prompt is called by a single driver loop; handlers may run concurrently
// and synchronize on the mutex.
type HTTPDriver struct {
	addr   string
	logger *logging.Logger

	mu      sync.Mutex
	state   *datatypes.ApprovalState
	message string
	pending bool

	responses chan string
	server    *http.Server
	startOnce sync.Once
	startErr  error

	proposalsServed prometheus.Counter
	responsesTotal  *prometheus.CounterVec
	registry        *prometheus.Registry
}

// NewHTTPDriver creates a driver listening on addr (e.g. ":8085").
// The server starts lazily on the first Prompt.
func NewHTTPDriver(addr string, logger *logging.Logger) *HTTPDriver {
	if logger == nil {
		logger = logging.Nop()
	}

	registry := prometheus.NewRegistry()
	proposals := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "approval_proposals_served_total",
		Help: "Proposals served to clients.",
	})
	responses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_responses_total",
		Help: "Responses received, by HTTP outcome.",
	}, []string{"outcome"})
	registry.MustRegister(proposals, responses)

	return &HTTPDriver{
		addr:            addr,
		logger:          logger.With("component", "approval_http"),
		responses:       make(chan string),
		proposalsServed: proposals,
		responsesTotal:  responses,
		registry:        registry,
	}
}

// Prompt publishes the proposal and blocks until a response is posted or
// ctx is done.
func (d *HTTPDriver) Prompt(ctx context.Context, state *datatypes.ApprovalState, message string) (string, error) {
	d.startOnce.Do(d.start)
	if d.startErr != nil {
		return "", d.startErr
	}

	d.mu.Lock()
	d.state = state
	d.message = message
	d.pending = true
	d.mu.Unlock()

	d.logger.Info("awaiting approval response", "addr", d.addr, "round", state.Round)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case response := <-d.responses:
		d.mu.Lock()
		d.pending = false
		d.mu.Unlock()
		return response, nil
	}
}

func (d *HTTPDriver) start() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/v1/approval/proposal", d.handleProposal)
	router.POST("/v1/approval/response", d.handleResponse)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))

	d.server = &http.Server{
		Addr:              d.addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ready := make(chan error, 1)
	go func() {
		err := d.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case ready <- err:
			default:
			}
			d.logger.Error("approval server failed", "error", err)
		}
	}()

	// Give an immediate bind failure a moment to surface.
	select {
	case err := <-ready:
		d.startErr = err
	case <-time.After(100 * time.Millisecond):
	}
}

// Handler returns the driver's HTTP handler without starting a listener.
// Tests mount it on httptest servers.
func (d *HTTPDriver) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/v1/approval/proposal", d.handleProposal)
	router.POST("/v1/approval/response", d.handleResponse)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))
	return router
}

func (d *HTTPDriver) handleProposal(c *gin.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.pending || d.state == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no proposal pending"})
		return
	}

	d.proposalsServed.Inc()
	c.JSON(http.StatusOK, gin.H{
		"proposal": d.state.Proposal,
		"round":    d.state.Round,
		"status":   d.state.Status,
		"message":  d.message,
	})
}

type responseBody struct {
	Response string `json:"response" binding:"required"`
}

func (d *HTTPDriver) handleResponse(c *gin.Context) {
	var body responseBody
	if err := c.ShouldBindJSON(&body); err != nil {
		d.responsesTotal.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"response\": \"...\"}"})
		return
	}

	d.mu.Lock()
	pending := d.pending
	d.mu.Unlock()
	if !pending {
		d.responsesTotal.WithLabelValues("no_proposal").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": "no proposal pending"})
		return
	}

	select {
	case d.responses <- body.Response:
		d.responsesTotal.WithLabelValues("accepted").Inc()
		c.JSON(http.StatusAccepted, gin.H{"status": "received"})
	case <-c.Request.Context().Done():
		d.responsesTotal.WithLabelValues("canceled").Inc()
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "canceled"})
	}
}

// Close shuts the server down.
func (d *HTTPDriver) Close() error {
	if d.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return d.server.Shutdown(ctx)
}
