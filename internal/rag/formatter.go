package rag

import "strings"

// FormatContext renders retrieved entries as source-tagged blocks separated
// by blank lines.
func FormatContext(chunks []ScoredEntry) string {
	blocks := make([]string, 0, len(chunks))
	for _, c := range chunks {
		text := strings.TrimSpace(c.Entry.Text)
		if text == "" {
			continue
		}
		source := c.Entry.Source
		if source == "" {
			source = "unknown"
		}
		blocks = append(blocks, "[Source: "+source+"]\n"+text)
	}
	return strings.Join(blocks, "\n\n")
}
