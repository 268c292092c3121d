package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/flowrun/pkg/schema"
)

func statusTag(s schema.StepStatus) string {
	switch s {
	case schema.StepCompleted:
		return "[OK]"
	case schema.StepFailed:
		return "[FAIL]"
	case schema.StepRunning:
		return "[RUN]"
	case schema.StepSkipped:
		return "[SKIP]"
	}
	return ""
}

// RenderASCII draws m level by level with box-drawing characters. Boxes on
// the same level do not depend on each other.
func RenderASCII(m *Model) string {
	var b strings.Builder
	if m.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", m.Title)
	}

	for i, level := range m.Levels {
		var boxes []asciiBox
		for _, id := range level {
			if n := m.node(id); n != nil {
				boxes = append(boxes, makeBox(n))
			}
		}
		renderBoxRow(&b, boxes)
		if i < len(m.Levels)-1 && len(boxes) > 0 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	var deps []string
	for _, e := range m.Edges {
		if e.From != startID && e.To != endID {
			deps = append(deps, fmt.Sprintf("  %s ─→ %s", e.From, e.To))
		}
	}
	if len(deps) > 0 {
		b.WriteString("\ndependencies:\n")
		b.WriteString(strings.Join(deps, "\n"))
		b.WriteByte('\n')
	}
	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(n *Node) asciiBox {
	content := strings.Split(n.Label, "\n")
	if n.Status != nil {
		if tag := statusTag(n.Status.Status); tag != "" {
			if n.Status.Attempts > 1 {
				tag = fmt.Sprintf("%s x%d", tag, n.Status.Attempts)
			}
			content = append(content, tag)
		}
		if n.Status.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", n.Status.DurationMs))
		}
	}

	maxLen := 0
	for _, line := range content {
		maxLen = max(maxLen, utf8.RuneCountInString(line))
	}
	width := maxLen + 4

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", maxLen-utf8.RuneCountInString(c))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return asciiBox{lines: lines, width: width}
}

func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	height := 0
	for _, box := range boxes {
		height = max(height, len(box.lines))
	}
	for row := 0; row < height; row++ {
		var line strings.Builder
		for i, box := range boxes {
			if i > 0 {
				line.WriteString("  ")
			}
			if row < len(box.lines) {
				line.WriteString(box.lines[row])
			} else {
				line.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteString(strings.TrimRight(line.String(), " "))
		b.WriteByte('\n')
	}
}
