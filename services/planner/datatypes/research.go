// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the research result types produced by the per-day
// research fan-out and consumed by the document assembler.
package datatypes

// MaxImagesPerAttraction caps the image refs attached to one attraction.
const MaxImagesPerAttraction = 3

// Cost is a monetary amount with an ISO-4217 currency code.
type Cost struct {
	Amount   float64 `json:"amount" validate:"gte=0"`
	Currency string  `json:"currency" validate:"required,iso4217"`
}

// ResearchResult is the structured detail researched for one attraction.
//
// # Description
//
// Produced exactly once per attraction by its day group's research task and
// immutable after the join. When the task exhausted its validation retries
// the result is a partial fallback: Description carries a placeholder, the
// enrichment fields are absent, and Partial is true. Partial results are
// visible in the final document rather than silently dropped.
//
// # Fields
//
//   - Name: The attraction name, the join key.
//   - Day: The 1-based day group that owned the producing task.
//   - Description: Required. Free-text description, non-empty.
//   - Hours: Optional opening hours.
//   - Cost: Optional ticket cost; currency must be ISO-4217 when present.
//   - TicketURL: Optional purchase link.
//   - Links: Optional useful links.
//   - Images: Up to MaxImagesPerAttraction image URLs.
//   - Partial: True when enrichment was abandoned after retry exhaustion.
type ResearchResult struct {
	Name        string   `json:"name" validate:"required"`
	Day         int      `json:"day" validate:"gte=1"`
	Description string   `json:"description" validate:"required"`
	Hours       string   `json:"hours,omitempty"`
	Cost        *Cost    `json:"cost,omitempty"`
	TicketURL   string   `json:"ticket_url,omitempty" validate:"omitempty,url"`
	Links       []string `json:"links,omitempty" validate:"omitempty,dive,url"`
	Images      []string `json:"images,omitempty" validate:"max=3,dive,url"`
	Partial     bool     `json:"partial,omitempty"`
}

// Validate validates the ResearchResult fields.
func (r *ResearchResult) Validate() error {
	return validate.Struct(r)
}
