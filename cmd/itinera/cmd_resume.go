// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/itinera-ai/itinera/services/planner/approval"
	"github.com/itinera-ai/itinera/services/planner/config"
	"github.com/itinera-ai/itinera/services/planner/dag"
	"github.com/itinera-ai/itinera/services/planner/pipeline"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	resumeCheckpointPath string // Checkpoint written by a suspended run
	resumeResponse       string // One-shot approval response
	resumeConfigPath     string // Optional YAML config file
	resumeOutputDir      string // Directory for the document
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// resumeCmd continues a run suspended for approval.
//
// # Examples
//
//	itinera resume --checkpoint ./itinera.checkpoint --response "yes"
//	itinera resume --checkpoint ./itinera.checkpoint --response "move Louvre to day 2"
//	itinera resume --checkpoint ./itinera.checkpoint
var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a checkpointed run with an approval response",
	Long: `Loads a checkpoint written by a suspended run and continues it.

With --response the answer is applied one-shot: if the pipeline suspends
again (the gate re-proposed or reprompted), the checkpoint is rewritten
and the new proposal printed for the next invocation. Without --response
the approval loop runs interactively on the console.`,
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeCheckpointPath, "checkpoint", "",
		"Path to the checkpoint file (required)")
	resumeCmd.Flags().StringVar(&resumeResponse, "response", "",
		"Approval response to apply one-shot")
	resumeCmd.Flags().StringVar(&resumeConfigPath, "config", "", "Path to itinera.yaml")
	resumeCmd.Flags().StringVar(&resumeOutputDir, "output", "", "Output directory (default: the checkpoint's directory)")
	resumeCmd.MarkFlagRequired("checkpoint")

	rootCmd.AddCommand(resumeCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runResume(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(resumeConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Close()

	planner, err := buildPlanner(cfg, logger)
	if err != nil {
		return err
	}

	checkpoint, err := dag.LoadCheckpoint(resumeCheckpointPath)
	if err != nil {
		return err
	}
	run, err := planner.Open(checkpoint)
	if err != nil {
		return err
	}

	outputDir := resumeOutputDir
	if outputDir == "" {
		outputDir = filepath.Dir(resumeCheckpointPath)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if resumeResponse == "" {
		result, err := run.Drive(ctx, approval.NewConsoleDriver(), resumeCheckpointPath)
		if err != nil {
			return err
		}
		return finishRun(result, outputDir, resumeCheckpointPath)
	}

	result, err := run.Resume(ctx, resumeResponse)
	if err != nil {
		return err
	}
	if result.Suspended {
		if err := run.Checkpoint(resumeCheckpointPath); err != nil {
			return err
		}

		var payload pipeline.ApprovalPayload
		if err := json.Unmarshal(result.Suspension, &payload); err != nil {
			return err
		}
		if payload.Message != "" {
			fmt.Println(payload.Message)
		} else {
			fmt.Println(approval.FormatProposal(&payload.State.Proposal))
		}
		fmt.Println("\nRun \"itinera resume\" again with your next response.")
		return nil
	}
	return finishRun(result, outputDir, resumeCheckpointPath)
}
