// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/itinera-ai/itinera/services/planner/approval"
	"github.com/itinera-ai/itinera/services/planner/dag"
	"github.com/itinera-ai/itinera/services/planner/datatypes"
)

// Run is one pipeline execution, resumable across suspensions.
//
// # Thread Safety
//
// NOT safe for concurrent use; a run has one driver.
type Run struct {
	exec  *dag.Executor
	state *dag.State
}

// NewRun validates the request and prepares an execution.
func (p *Planner) NewRun(req *datatypes.PlanRequest) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	d, err := p.buildDAG(req)
	if err != nil {
		return nil, err
	}
	exec, err := dag.NewExecutor(d, p.logger)
	if err != nil {
		return nil, err
	}

	state := dag.NewState(uuid.NewString()[:12])
	state.NodeOutputs[dag.InputRoot] = req
	return &Run{exec: exec, state: state}, nil
}

// Open rebuilds a Run from a checkpoint taken by a previous process
// invocation. The original request is recovered from the checkpointed
// root input.
func (p *Planner) Open(checkpoint *dag.Checkpoint) (*Run, error) {
	if checkpoint == nil {
		return nil, fmt.Errorf("checkpoint must not be nil")
	}
	if !checkpoint.Verify() {
		return nil, dag.ErrCheckpointCorrupt
	}
	if checkpoint.DAGName != DAGName {
		return nil, fmt.Errorf("checkpoint is for DAG %q, not %q", checkpoint.DAGName, DAGName)
	}

	req, err := RequestFromState(checkpoint.State)
	if err != nil {
		return nil, err
	}
	d, err := p.buildDAG(req)
	if err != nil {
		return nil, err
	}
	exec, err := dag.NewExecutor(d, p.logger)
	if err != nil {
		return nil, err
	}
	return &Run{exec: exec, state: checkpoint.State}, nil
}

// RequestFromState recovers the plan request from a run's root input.
func RequestFromState(state *dag.State) (*datatypes.PlanRequest, error) {
	raw, ok := state.GetOutput(dag.InputRoot)
	if !ok {
		return nil, fmt.Errorf("state has no root input")
	}
	req, err := decodeAs[*datatypes.PlanRequest](raw)
	if err != nil {
		return nil, fmt.Errorf("decode root input: %w", err)
	}
	return req, nil
}

// Start executes until completion, failure, or the first suspension.
func (r *Run) Start(ctx context.Context) (*dag.Result, error) {
	return r.exec.RunFromState(ctx, r.state)
}

// Resume delivers a response to the suspended node and continues.
func (r *Run) Resume(ctx context.Context, response string) (*dag.Result, error) {
	node, ok := r.state.SuspendedNode()
	if !ok {
		return nil, fmt.Errorf("run has no suspended node to resume")
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return nil, err
	}
	r.state.SetResumption(node, raw)
	return r.exec.RunFromState(ctx, r.state)
}

// Checkpoint persists the run state for a later process invocation.
func (r *Run) Checkpoint(path string) error {
	return dag.SaveCheckpoint(r.state, DAGName, path)
}

// SessionID returns the run's session identifier.
func (r *Run) SessionID() string {
	return r.state.SessionID
}

// Drive executes to completion, routing every approval suspension
// through the driver. When checkpointPath is non-empty the state is
// persisted before each prompt, so an interrupted run stays resumable.
func (r *Run) Drive(ctx context.Context, driver approval.Driver, checkpointPath string) (*dag.Result, error) {
	result, err := r.Start(ctx)
	for {
		if err != nil {
			return result, err
		}
		if !result.Suspended {
			return result, nil
		}

		if checkpointPath != "" {
			if cerr := r.Checkpoint(checkpointPath); cerr != nil {
				return nil, fmt.Errorf("checkpoint before prompt: %w", cerr)
			}
		}

		var payload ApprovalPayload
		if uerr := json.Unmarshal(result.Suspension, &payload); uerr != nil {
			return nil, fmt.Errorf("decode suspension payload: %w", uerr)
		}
		response, perr := driver.Prompt(ctx, &payload.State, payload.Message)
		if perr != nil {
			return nil, perr
		}

		result, err = r.Resume(ctx, response)
	}
}
