// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "itinera",
	Short: "Plan multi-day trip itineraries with a human approval step",
	Long: `Itinera turns a list of attractions into a day-partitioned itinerary.

Attractions are geocoded, free-text preferences become placement
constraints, and a geographically coherent day split is proposed for
approval. You accept it or edit it ("move Louvre to day 2", "swap day 1
and day 3"); once accepted, every day is researched and assembled into a
Markdown document, optionally emailed.

A run suspended for approval is checkpointed and can be answered from a
separate invocation with "itinera resume".`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
