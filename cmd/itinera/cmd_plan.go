// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/itinera-ai/itinera/services/planner/approval"
	"github.com/itinera-ai/itinera/services/planner/config"
	"github.com/itinera-ai/itinera/services/planner/datatypes"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	planDays        int      // Number of days to split the attractions over
	planAttractions []string // Attraction names, repeatable
	planPrefs       string   // Free-text placement preferences
	planConfigPath  string   // Optional YAML config file
	planOutputDir   string   // Directory for the document and checkpoint
	planListen      string   // Serve the approval step over HTTP on this address
	planEmail       string   // Email the finished document to this address
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// planCmd runs the full pipeline for one trip.
//
// # Examples
//
//	itinera plan --days 3 -a "Torre Eiffel" -a "Louvre" -a "Versailles"
//	itinera plan --days 2 -a Louvre -a Orsay --prefs "keep museums apart"
//	itinera plan --days 2 -a Louvre -a Orsay --listen :8085
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan an itinerary from a list of attractions",
	Long: `Runs the planning pipeline: geocoding, preference parsing, day
partitioning, approval, research, and document assembly.

The approval step prompts on the console by default. With --listen the
proposal is served over HTTP instead: GET /proposal returns the current
split, POST /response {"response": "yes"} answers it. Each suspension is
checkpointed to <output>/itinera.checkpoint so an interrupted run can be
answered later with "itinera resume".`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().IntVar(&planDays, "days", 0, "Number of days (required)")
	planCmd.Flags().StringArrayVarP(&planAttractions, "attraction", "a", nil,
		"Attraction name, repeat per attraction (required)")
	planCmd.Flags().StringVar(&planPrefs, "prefs", "",
		"Free-text placement preferences (e.g. \"Louvre on its own day\")")
	planCmd.Flags().StringVar(&planConfigPath, "config", "", "Path to itinera.yaml")
	planCmd.Flags().StringVar(&planOutputDir, "output", ".", "Output directory")
	planCmd.Flags().StringVar(&planListen, "listen", "",
		"Serve the approval step over HTTP on this address (e.g. :8085)")
	planCmd.Flags().StringVar(&planEmail, "email", "",
		"Email the finished itinerary to this address")
	planCmd.MarkFlagRequired("days")
	planCmd.MarkFlagRequired("attraction")

	rootCmd.AddCommand(planCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runPlan(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(planConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Close()

	planner, err := buildPlanner(cfg, logger)
	if err != nil {
		return err
	}

	req := &datatypes.PlanRequest{
		Days:        planDays,
		Attractions: planAttractions,
		Preferences: planPrefs,
		Email:       planEmail,
	}
	run, err := planner.NewRun(req)
	if err != nil {
		return err
	}

	var driver approval.Driver
	if planListen != "" {
		httpDriver := approval.NewHTTPDriver(planListen, logger)
		defer httpDriver.Close()
		driver = httpDriver
	} else {
		driver = approval.NewConsoleDriver()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	checkpointPath := filepath.Join(planOutputDir, "itinera.checkpoint")
	if err := os.MkdirAll(planOutputDir, 0o755); err != nil {
		return err
	}

	result, err := run.Drive(ctx, driver, checkpointPath)
	if err != nil {
		return err
	}
	return finishRun(result, planOutputDir, checkpointPath)
}
