// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package approval

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/itinera-ai/itinera/services/planner/datatypes"
)

// Driver transports response text between a human and the gate. Drivers
// never transition the state themselves.
type Driver interface {
	// Prompt shows the current proposal (plus an optional message from
	// the previous transition) and returns the human's response.
	Prompt(ctx context.Context, state *datatypes.ApprovalState, message string) (string, error)
}

// ConsoleDriver prompts on the terminal.
type ConsoleDriver struct {
	out io.Writer
}

// NewConsoleDriver creates a terminal driver writing to stdout.
func NewConsoleDriver() *ConsoleDriver {
	return &ConsoleDriver{out: os.Stdout}
}

// Prompt prints the proposal and reads one line of response.
func (d *ConsoleDriver) Prompt(ctx context.Context, state *datatypes.ApprovalState, message string) (string, error) {
	if message != "" {
		fmt.Fprintln(d.out, message)
	} else {
		fmt.Fprintln(d.out, FormatProposal(&state.Proposal))
	}
	fmt.Fprintln(d.out)

	var response string
	input := huh.NewInput().
		Title(fmt.Sprintf("Round %d", state.Round)).
		Description(`"yes" to accept, "move <attraction> to day N", "swap day A and day B"`).
		Value(&response)

	form := huh.NewForm(huh.NewGroup(input))
	if err := form.RunWithContext(ctx); err != nil {
		return "", err
	}
	return strings.TrimSpace(response), nil
}
