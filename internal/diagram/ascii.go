package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const asciiMaxError = 48

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case StatusCompleted:
		return "[OK]"
	case StatusFailed:
		return "[FAIL]"
	case StatusRunning:
		return "[RUN]"
	case StatusWaiting:
		return "[WAIT]"
	case StatusSkipped:
		return "[SKIP]"
	case StatusPending:
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as boxes stacked top to bottom, one per
// node, joined by arrows labeled with the guard of the step they lead into.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	guards := make(map[string]string, len(model.Edges))
	for _, e := range model.Edges {
		guards[e.To] = e.Label
	}

	for i, node := range model.Nodes {
		if i > 0 {
			renderConnector(&b, guards[node.ID])
		}
		for _, line := range makeBox(node) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	return b.String()
}

// makeBox returns the lines of the box drawn for node.
func makeBox(node *Node) []string {
	content := strings.Split(node.Label, "\n")

	if st := node.Status; st != nil {
		tag := statusTag(st.Status)
		if st.DurationMs > 0 {
			tag = strings.TrimSpace(fmt.Sprintf("%s %dms", tag, st.DurationMs))
		}
		if tag != "" {
			content = append(content, tag)
		}
		if st.Error != "" {
			content = append(content, "! "+truncate(st.Error, asciiMaxError))
		}
	}

	width := 0
	for _, line := range content {
		width = max(width, utf8.RuneCountInString(line))
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width+2)+"┐")
	for _, line := range content {
		pad := width - utf8.RuneCountInString(line)
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width+2)+"┘")
	return lines
}

// renderConnector draws the arrow between two boxes.
func renderConnector(b *strings.Builder, label string) {
	if label != "" {
		fmt.Fprintf(b, "  │ %s\n", label)
	} else {
		b.WriteString("  │\n")
	}
	b.WriteString("  ▼\n")
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
