package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/becomeliminal/duckpond/core"
)

// maxRenderedContent bounds the content of a single rendered memory.
const maxRenderedContent = 2000

// Render formats a memory for inclusion in the model envelope, stamping it
// with its id and age relative to now. Extraction hits also carry the phrase
// that surfaced them.
func Render(m core.Memory, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[memory #%d, %s]", m.ID, humanize.RelTime(m.CreatedAt, now, "ago", "from now"))
	if m.Query != "" {
		fmt.Fprintf(&b, " (recalled via %q)", m.Query)
	}
	b.WriteString("\n")
	b.WriteString(truncate(strings.TrimSpace(m.Content), maxRenderedContent))
	return b.String()
}

// RenderAll renders every memory in order.
func RenderAll(memories []core.Memory, now time.Time) []string {
	if len(memories) == 0 {
		return nil
	}
	out := make([]string, len(memories))
	for i, m := range memories {
		out[i] = Render(m, now)
	}
	return out
}

// truncate shortens text to maxLen runes, appending "..." when cut.
func truncate(text string, maxLen int) string {
	r := []rune(text)
	if len(r) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
