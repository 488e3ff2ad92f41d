// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/itinera-ai/itinera/pkg/logging"
)

var (
	tracer = otel.Tracer("itinera.dag")
	meter  = otel.Meter("itinera.dag")
)

// Executor runs a DAG with parallelism and observability.
//
// Description:
//
//	Executor manages DAG execution, running independent nodes in parallel,
//	tracking state, and providing observability via OpenTelemetry. When a
//	node suspends (see SuspendError), scheduling halts and the Result
//	reports the pending suspension instead of failing.
//
// Thread Safety:
//
//	Executor is safe for concurrent use. Multiple DAG executions can run
//	concurrently on the same Executor.
type Executor struct {
	dag    *DAG
	logger *logging.Logger

	// Metrics (initialized lazily)
	metricsOnce     sync.Once
	nodeLatency     metric.Float64Histogram
	nodeSuccesses   metric.Int64Counter
	nodeFailures    metric.Int64Counter
	nodeSuspensions metric.Int64Counter
	activeNodes     metric.Int64UpDownCounter
	pipelineLatency metric.Float64Histogram
}

// NewExecutor creates a new DAG executor.
//
// Inputs:
//
//	dag - The DAG to execute. Must not be nil.
//	logger - Logger for execution logs. If nil, a nop logger is used.
//
// Outputs:
//
//	*Executor - The configured executor.
//	error - Non-nil if initialization fails.
func NewExecutor(dag *DAG, logger *logging.Logger) (*Executor, error) {
	if dag == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Executor{
		dag:    dag,
		logger: logger,
	}, nil
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.nodeLatency, err = meter.Float64Histogram("dag_node_duration_seconds",
			metric.WithDescription("Time spent executing each DAG node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_latency: "+err.Error())
		}

		e.nodeSuccesses, err = meter.Int64Counter("dag_node_success_total",
			metric.WithDescription("Number of successful node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_successes: "+err.Error())
		}

		e.nodeFailures, err = meter.Int64Counter("dag_node_failure_total",
			metric.WithDescription("Number of failed node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_failures: "+err.Error())
		}

		e.nodeSuspensions, err = meter.Int64Counter("dag_node_suspension_total",
			metric.WithDescription("Number of node suspensions awaiting external input"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_suspensions: "+err.Error())
		}

		e.activeNodes, err = meter.Int64UpDownCounter("dag_active_nodes",
			metric.WithDescription("Number of currently executing nodes"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_nodes: "+err.Error())
		}

		e.pipelineLatency, err = meter.Float64Histogram("dag_pipeline_duration_seconds",
			metric.WithDescription("Total pipeline execution time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "pipeline_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some DAG metrics (observability degraded)",
				"failed_count", len(initErrors),
				"errors", initErrors,
			)
		}
	})
}

// Run executes the DAG from start to completion or suspension.
//
// Description:
//
//	Executes all nodes in the DAG, respecting dependencies and running
//	independent nodes in parallel. Creates a root span for tracing.
//	If a node suspends, Run returns a Result with Suspended set and a
//	nil error; the caller checkpoints the State and resumes later.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	input - Initial input passed to root nodes (nodes with no dependencies).
//
// Outputs:
//
//	*Result - Execution result including output and timing.
//	error - Non-nil on failure.
func (e *Executor) Run(ctx context.Context, input any) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	sessionID := uuid.NewString()[:12] // 48 bits of entropy

	state := NewState(sessionID)
	state.NodeOutputs[InputRoot] = input

	return e.run(ctx, state, "dag.Pipeline")
}

// RunFromState continues execution from a saved state.
//
// Description:
//
//	Resumes DAG execution from a previously saved state. Suspended nodes
//	re-execute with their recorded suspension payload and any pending
//	resumption payload injected into their inputs.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	state - Previously saved state to resume from.
//
// Outputs:
//
//	*Result - Execution result.
//	error - Non-nil on failure.
func (e *Executor) RunFromState(ctx context.Context, state *State) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if state == nil {
		return nil, ErrInvalidInput
	}

	// Clear any previous failure to retry
	state.mu.Lock()
	state.FailedNode = ""
	state.Error = ""
	state.mu.Unlock()

	return e.run(ctx, state, "dag.Pipeline.Resume")
}

// run is the shared scheduling loop behind Run and RunFromState.
func (e *Executor) run(ctx context.Context, state *State, spanName string) (*Result, error) {
	e.initMetrics()

	ctx, span := tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.String("dag.name", e.dag.Name()),
			attribute.String("dag.session_id", state.SessionID),
			attribute.Int("dag.node_count", e.dag.NodeCount()),
			attribute.Int("dag.completed_nodes", state.CompletedCount()),
		),
	)
	defer span.End()

	start := time.Now()

	e.logger.Info("pipeline started",
		"dag", e.dag.Name(),
		"session_id", state.SessionID,
		"nodes", e.dag.NodeCount(),
		"completed", state.CompletedCount(),
	)

	nodeDurations := make(map[string]time.Duration)

	for !state.IsDAGComplete(e.dag) && !state.IsFailed() {
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "context canceled")
			return e.buildResult(state, start, nodeDurations, ctx.Err()), ctx.Err()
		default:
		}

		ready := e.findReadyNodes(state)
		if len(ready) == 0 {
			if state.IsFailed() {
				break
			}
			err := ErrNoProgress
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return e.buildResult(state, start, nodeDurations, err), err
		}

		if err := e.executeParallel(ctx, ready, state, nodeDurations); err != nil {
			if errors.Is(err, ErrSuspended) {
				result := e.buildResult(state, start, nodeDurations, nil)
				span.AddEvent("pipeline_suspended", trace.WithAttributes(
					attribute.String("node", result.SuspendedNode),
				))
				span.SetStatus(codes.Ok, "suspended")
				e.logger.Info("pipeline suspended",
					"session_id", state.SessionID,
					"node", result.SuspendedNode,
				)
				return result, nil
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return e.buildResult(state, start, nodeDurations, err), err
		}
	}

	duration := time.Since(start)
	if e.pipelineLatency != nil {
		e.pipelineLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("dag", e.dag.Name())),
		)
	}

	result := e.buildResult(state, start, nodeDurations, nil)

	if result.Success {
		span.SetStatus(codes.Ok, "")
		e.logger.Info("pipeline completed",
			"session_id", state.SessionID,
			"duration", duration,
			"nodes_executed", result.NodesExecuted,
		)
	} else {
		span.SetStatus(codes.Error, result.Error)
		e.logger.Error("pipeline failed",
			"session_id", state.SessionID,
			"failed_node", result.FailedNode,
			"error", result.Error,
		)
	}

	return result, nil
}

// findReadyNodes returns nodes that are ready to execute.
// A node is ready if all its dependencies have completed. Suspended
// nodes are ready again: they re-execute to consume their resumption.
func (e *Executor) findReadyNodes(state *State) []Node {
	ready := make([]Node, 0)

	for _, name := range e.dag.NodeNames() {
		if state.IsCompleted(name) {
			continue
		}
		if state.GetStatus(name) == NodeStatusRunning {
			continue
		}

		deps := e.dag.GetDependencies(name)
		allDepsComplete := true
		for _, dep := range deps {
			if !state.IsCompleted(dep) {
				allDepsComplete = false
				break
			}
		}

		if allDepsComplete {
			node, _ := e.dag.GetNode(name)
			ready = append(ready, node)
		}
	}

	return ready
}

// executeParallel runs multiple nodes concurrently.
func (e *Executor) executeParallel(
	ctx context.Context,
	nodes []Node,
	state *State,
	nodeDurations map[string]time.Duration,
) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(nodes))
	durationCh := make(chan struct {
		name     string
		duration time.Duration
	}, len(nodes))

	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name()
	}
	state.SetCurrentNodes(names)

	for _, node := range nodes {
		wg.Add(1)
		go func(n Node) {
			defer wg.Done()

			state.SetStatus(n.Name(), NodeStatusRunning)
			nodeStart := time.Now()

			if err := e.executeNode(ctx, n, state); err != nil {
				errCh <- err
			}

			durationCh <- struct {
				name     string
				duration time.Duration
			}{n.Name(), time.Since(nodeStart)}
		}(node)
	}

	wg.Wait()
	close(errCh)
	close(durationCh)

	for d := range durationCh {
		nodeDurations[d.name] = d.duration
	}

	state.SetCurrentNodes(nil)

	// A hard failure takes precedence over a sibling suspension
	var suspendErr error
	for err := range errCh {
		if errors.Is(err, ErrSuspended) {
			suspendErr = err
			continue
		}
		return err
	}
	return suspendErr
}

// executeNode runs a single node with observability.
func (e *Executor) executeNode(ctx context.Context, node Node, state *State) error {
	ctx, span := tracer.Start(ctx, node.Name(),
		trace.WithAttributes(
			attribute.String("dag.node", node.Name()),
			attribute.StringSlice("dag.dependencies", node.Dependencies()),
			attribute.String("dag.session_id", state.SessionID),
			attribute.Bool("dag.retryable", node.Retryable()),
		),
	)
	defer span.End()

	if e.activeNodes != nil {
		e.activeNodes.Add(ctx, 1)
		defer e.activeNodes.Add(ctx, -1)
	}

	e.logger.Debug("node starting",
		"node", node.Name(),
		"session_id", state.SessionID,
	)

	// Gather inputs from dependencies
	inputs := make(map[string]any)
	for _, dep := range node.Dependencies() {
		output, ok := state.GetOutput(dep)
		if !ok {
			output, _ = state.GetOutput(InputRoot)
		}
		inputs[dep] = output
	}

	// Root nodes receive the pipeline input
	if len(node.Dependencies()) == 0 {
		rootOutput, _ := state.GetOutput(InputRoot)
		inputs[InputRoot] = rootOutput
	}

	// Suspended nodes re-execute with their recorded continuation and
	// any resumption payload the driver has supplied since.
	if payload, ok := state.Suspension(node.Name()); ok {
		inputs[InputSuspension] = payload
	}
	if payload, ok := state.takeResumption(node.Name()); ok {
		inputs[InputResumption] = payload
	}

	start := time.Now()
	timeout := node.Timeout()
	if timeout == 0 {
		timeout = DefaultNodeTimeout
	}

	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := node.Execute(nodeCtx, inputs)
	duration := time.Since(start)

	if e.nodeLatency != nil {
		e.nodeLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("node", node.Name())),
		)
	}

	if err != nil {
		var suspend *SuspendError
		if errors.As(err, &suspend) {
			state.SetSuspended(node.Name(), suspend.Payload)

			if e.nodeSuspensions != nil {
				e.nodeSuspensions.Add(ctx, 1,
					metric.WithAttributes(attribute.String("node", node.Name())),
				)
			}
			span.AddEvent("node_suspended", trace.WithAttributes(
				attribute.String("reason", suspend.Reason),
			))
			span.SetStatus(codes.Ok, "suspended")

			e.logger.Info("node suspended",
				"node", node.Name(),
				"reason", suspend.Reason,
			)

			return NewNodeError(node.Name(), suspend)
		}

		if nodeCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%w: %s", ErrNodeTimeout, node.Name())
		}

		if e.nodeFailures != nil {
			e.nodeFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("node", node.Name())),
			)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		state.SetFailed(node.Name(), err)

		e.logger.Error("node failed",
			"node", node.Name(),
			"duration", duration,
			"error", err.Error(),
		)

		return NewNodeError(node.Name(), err)
	}

	if e.nodeSuccesses != nil {
		e.nodeSuccesses.Add(ctx, 1,
			metric.WithAttributes(attribute.String("node", node.Name())),
		)
	}
	span.SetStatus(codes.Ok, "")

	state.SetCompleted(node.Name(), output)

	e.logger.Info("node completed",
		"node", node.Name(),
		"duration", duration,
	)

	return nil
}

// buildResult constructs the execution result.
func (e *Executor) buildResult(
	state *State,
	start time.Time,
	nodeDurations map[string]time.Duration,
	err error,
) *Result {
	result := &Result{
		SessionID:     state.SessionID,
		Duration:      time.Since(start),
		NodesExecuted: state.CompletedCount(),
		NodeDurations: nodeDurations,
	}

	if err != nil {
		result.Success = false
		result.Error = err.Error()
		result.FailedNode = state.FailedNode
		return result
	}

	if state.IsFailed() {
		result.Success = false
		result.Error = state.Error
		result.FailedNode = state.FailedNode
		return result
	}

	if name, ok := state.SuspendedNode(); ok {
		result.Success = false
		result.Suspended = true
		result.SuspendedNode = name
		if payload, ok := state.Suspension(name); ok {
			result.Suspension = payload
		}
		return result
	}

	result.Success = true
	if e.dag.Terminal() != "" {
		result.Output, _ = state.GetOutput(e.dag.Terminal())
	}
	return result
}
