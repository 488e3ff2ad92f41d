// Copyright (C) 2025 Itinera Labs (oss@itinera.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package document

import (
	"fmt"
	"strings"
)

// RenderMarkdown renders the block model as CommonMark. Page breaks
// become thematic breaks.
func RenderMarkdown(doc *Document) string {
	var sb strings.Builder

	for _, block := range doc.Blocks {
		switch block.Kind {
		case BlockHeading:
			level := block.Level
			if level < 1 {
				level = 1
			}
			if level > 6 {
				level = 6
			}
			fmt.Fprintf(&sb, "%s %s\n\n", strings.Repeat("#", level), block.Text)
		case BlockParagraph:
			fmt.Fprintf(&sb, "%s\n\n", block.Text)
		case BlockBulletList:
			for _, item := range block.Items {
				fmt.Fprintf(&sb, "- %s\n", item)
			}
			sb.WriteString("\n")
		case BlockImage:
			fmt.Fprintf(&sb, "![%s](%s)\n\n", block.Caption, block.URL)
		case BlockPageBreak:
			sb.WriteString("---\n\n")
		}
	}

	return strings.TrimRight(sb.String(), "\n") + "\n"
}
