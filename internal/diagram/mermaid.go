package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/flowrun/pkg/schema"
)

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// RenderMermaid renders m as a Mermaid flowchart.
func RenderMermaid(m *Model) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if m.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", m.Title)
	}

	for _, n := range m.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(n))
	}
	for _, e := range m.Edges {
		fmt.Fprintf(&b, "    %s --> %s\n", mermaidID(e.From), mermaidID(e.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, n := range m.Nodes {
		if n.Status == nil {
			continue
		}
		if cls := mermaidClass(n.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidID(n.ID), cls)
		}
	}
	return b.String()
}

func mermaidNodeDef(n *Node) string {
	id := mermaidID(n.ID)
	label := strings.ReplaceAll(n.Label, "\n", " ")

	switch n.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindWait:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindLoop, NodeKindParallel:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

func mermaidID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

func mermaidClass(s schema.StepStatus) string {
	switch s {
	case schema.StepCompleted:
		return "completed"
	case schema.StepFailed:
		return "failed"
	case schema.StepRunning:
		return "running"
	case schema.StepSkipped:
		return "skipped"
	}
	return ""
}
