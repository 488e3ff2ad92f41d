// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/itinera-ai/itinera/pkg/logging"
	"github.com/itinera-ai/itinera/services/planner/config"
	"github.com/itinera-ai/itinera/services/planner/dag"
	"github.com/itinera-ai/itinera/services/planner/email"
	"github.com/itinera-ai/itinera/services/planner/geocode"
	"github.com/itinera-ai/itinera/services/planner/llm"
	"github.com/itinera-ai/itinera/services/planner/pipeline"
	"github.com/itinera-ai/itinera/services/planner/search"
)

// newLogger builds the process logger from the loaded config.
func newLogger(cfg config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "itinera",
		JSON:    cfg.Logging.JSON,
	})
}

// buildPlanner wires the live clients from config.
func buildPlanner(cfg config.Config, logger *logging.Logger) (*pipeline.Planner, error) {
	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:  cfg.OpenAI.APIKey,
		Model:   cfg.OpenAI.Model,
		BaseURL: cfg.OpenAI.BaseURL,
	}, logger)
	if err != nil {
		return nil, err
	}

	searcher, err := search.NewClient(search.Config{
		APIKey:  cfg.Search.APIKey,
		BaseURL: cfg.Search.BaseURL,
		RPS:     cfg.Search.RPS,
	}, logger)
	if err != nil {
		return nil, err
	}

	var sender email.Sender
	if cfg.SMTP.Host != "" {
		sender = email.NewSMTPSender(email.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, logger)
	}

	return pipeline.New(cfg, pipeline.Deps{
		LLM:      client,
		Searcher: searcher,
		Geocoder: geocode.NewNominatimClient(cfg.Geocode.BaseURL),
		Sender:   sender,
	}, logger), nil
}

// finishRun writes the assembled document and clears the checkpoint.
func finishRun(result *dag.Result, outputDir, checkpointPath string) error {
	assembled, ok := result.Output.(pipeline.AssembleOutput)
	if !ok {
		return fmt.Errorf("pipeline produced no document")
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(outputDir, "itinerary.md")
	if err := os.WriteFile(path, []byte(assembled.Markdown), 0o644); err != nil {
		return fmt.Errorf("write itinerary: %w", err)
	}

	if checkpointPath != "" {
		os.Remove(checkpointPath)
	}

	fmt.Printf("Itinerary written to %s\n", path)
	return nil
}
