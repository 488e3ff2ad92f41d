// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package document assembles the final itinerary into a renderer-neutral
// block model.
//
// The assembler consumes the finalized partition plus the research
// mapping and emits typed blocks; renderers (markdown.go) decide the
// concrete format. Section labels are localized for the run's output
// language.
package document

import (
	"fmt"
	"sort"
	"strings"

	"github.com/itinera-ai/itinera/services/planner/datatypes"
)

// BlockKind discriminates the block union.
type BlockKind string

const (
	BlockHeading    BlockKind = "heading"
	BlockParagraph  BlockKind = "paragraph"
	BlockBulletList BlockKind = "bullet_list"
	BlockImage      BlockKind = "image"
	BlockPageBreak  BlockKind = "page_break"
)

// Block is one renderer-neutral content unit.
type Block struct {
	Kind    BlockKind `json:"kind"`
	Level   int       `json:"level,omitempty"` // heading depth, 1-based
	Text    string    `json:"text,omitempty"`
	Items   []string  `json:"items,omitempty"` // bullet_list entries
	URL     string    `json:"url,omitempty"`   // image source
	Caption string    `json:"caption,omitempty"`
}

// Document is the assembled itinerary.
type Document struct {
	Title    string  `json:"title"`
	Language string  `json:"language"`
	Blocks   []Block `json:"blocks"`
}

// labels holds the localized section labels.
type labels struct {
	day         string
	hours       string
	cost        string
	tickets     string
	links       string
	costSummary string
	perPerson   string
	warnings    string
	partial     string
}

var labelsByLanguage = map[string]labels{
	"en": {
		day: "Day", hours: "Hours", cost: "Cost", tickets: "Tickets",
		links: "Useful links", costSummary: "Cost summary",
		perPerson: "Amounts are per person.", warnings: "Notes",
		partial: "Details for this attraction could not be fully verified.",
	},
	"pt-br": {
		day: "Dia", hours: "Horários", cost: "Custo", tickets: "Ingressos",
		links: "Links úteis", costSummary: "Resumo de custos",
		perPerson: "Valores por pessoa.", warnings: "Observações",
		partial: "Os detalhes desta atração não puderam ser totalmente verificados.",
	},
	"es": {
		day: "Día", hours: "Horarios", cost: "Costo", tickets: "Entradas",
		links: "Enlaces útiles", costSummary: "Resumen de costos",
		perPerson: "Importes por persona.", warnings: "Notas",
		partial: "Los detalles de esta atracción no pudieron verificarse por completo.",
	},
	"fr": {
		day: "Jour", hours: "Horaires", cost: "Coût", tickets: "Billets",
		links: "Liens utiles", costSummary: "Résumé des coûts",
		perPerson: "Montants par personne.", warnings: "Remarques",
		partial: "Les détails de cette attraction n'ont pas pu être entièrement vérifiés.",
	},
}

func labelsFor(language string) labels {
	if l, ok := labelsByLanguage[language]; ok {
		return l
	}
	return labelsByLanguage["en"]
}

// currencySymbols maps common ISO-4217 codes to display symbols.
// Unlisted codes render as the bare code.
var currencySymbols = map[string]string{
	"EUR": "€",
	"USD": "$",
	"GBP": "£",
	"BRL": "R$",
	"JPY": "¥",
	"CHF": "CHF",
	"AUD": "A$",
	"CAD": "C$",
}

// Assemble builds the document from the finalized run state.
//
// # Inputs
//
//   - title: The document title.
//   - partition: The finalized partition.
//   - results: The research mapping, one entry per attraction.
//   - warnings: User-visible run warnings, rendered up front.
//   - language: Output language code; unknown codes fall back to English.
func Assemble(title string, partition *datatypes.Partition, results map[string]datatypes.ResearchResult, warnings []string, language string) *Document {
	l := labelsFor(language)
	doc := &Document{Title: title, Language: language}

	doc.Blocks = append(doc.Blocks, Block{Kind: BlockHeading, Level: 1, Text: title})

	if len(warnings) > 0 {
		doc.Blocks = append(doc.Blocks,
			Block{Kind: BlockHeading, Level: 2, Text: l.warnings},
			Block{Kind: BlockBulletList, Items: warnings})
	}

	for _, group := range partition.Days {
		doc.Blocks = append(doc.Blocks,
			Block{Kind: BlockPageBreak},
			Block{Kind: BlockHeading, Level: 2, Text: fmt.Sprintf("%s %d", l.day, group.Day)})

		for _, name := range group.Members {
			result, ok := results[name]
			if !ok {
				result = datatypes.ResearchResult{Name: name, Day: group.Day, Partial: true}
			}
			doc.Blocks = append(doc.Blocks, attractionBlocks(result, l)...)
		}
	}

	doc.Blocks = append(doc.Blocks, costSummaryBlocks(results, l)...)
	return doc
}

// attractionBlocks renders one attraction section.
func attractionBlocks(result datatypes.ResearchResult, l labels) []Block {
	blocks := []Block{{Kind: BlockHeading, Level: 3, Text: result.Name}}

	paragraphs, bullets := splitDescription(result.Description)
	for _, p := range paragraphs {
		blocks = append(blocks, Block{Kind: BlockParagraph, Text: p})
	}
	if len(bullets) > 0 {
		blocks = append(blocks, Block{Kind: BlockBulletList, Items: bullets})
	}

	if result.Partial {
		blocks = append(blocks, Block{Kind: BlockParagraph, Text: l.partial})
	}

	var facts []string
	if result.Hours != "" {
		facts = append(facts, fmt.Sprintf("%s: %s", l.hours, result.Hours))
	}
	if result.Cost != nil {
		facts = append(facts, fmt.Sprintf("%s: %s", l.cost, formatAmount(result.Cost.Currency, result.Cost.Amount)))
	}
	if result.TicketURL != "" {
		facts = append(facts, fmt.Sprintf("%s: %s", l.tickets, result.TicketURL))
	}
	if len(facts) > 0 {
		blocks = append(blocks, Block{Kind: BlockBulletList, Items: facts})
	}

	for _, img := range result.Images {
		blocks = append(blocks, Block{Kind: BlockImage, URL: img, Caption: result.Name})
	}

	if len(result.Links) > 0 {
		blocks = append(blocks,
			Block{Kind: BlockParagraph, Text: l.links + ":"},
			Block{Kind: BlockBulletList, Items: result.Links})
	}

	return blocks
}

// splitDescription separates free text into paragraphs and bullet items.
// Lines starting with "-" or "*" become bullets.
func splitDescription(description string) (paragraphs, bullets []string) {
	for _, line := range strings.Split(description, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
			bullets = append(bullets, strings.TrimSpace(line[2:]))
		} else {
			paragraphs = append(paragraphs, line)
		}
	}
	return paragraphs, bullets
}

// costSummaryBlocks totals costs per currency. Empty when no attraction
// carries a cost.
func costSummaryBlocks(results map[string]datatypes.ResearchResult, l labels) []Block {
	totals := make(map[string]float64)
	for _, result := range results {
		if result.Cost != nil {
			totals[result.Cost.Currency] += result.Cost.Amount
		}
	}
	if len(totals) == 0 {
		return nil
	}

	currencies := make([]string, 0, len(totals))
	for currency := range totals {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)

	items := make([]string, 0, len(currencies))
	for _, currency := range currencies {
		items = append(items, formatAmount(currency, totals[currency]))
	}

	return []Block{
		{Kind: BlockPageBreak},
		{Kind: BlockHeading, Level: 2, Text: l.costSummary},
		{Kind: BlockBulletList, Items: items},
		{Kind: BlockParagraph, Text: l.perPerson},
	}
}

// formatAmount renders "€22.00 (EUR)" style amounts.
func formatAmount(currency string, amount float64) string {
	symbol, ok := currencySymbols[currency]
	if !ok {
		symbol = currency + " "
	}
	return fmt.Sprintf("%s%.2f (%s)", symbol, amount, currency)
}
