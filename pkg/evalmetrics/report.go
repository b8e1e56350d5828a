package evalmetrics

import (
	"fmt"
	"strings"
)

// Format renders a plain-text classification report with the confusion
// matrix appended, suitable for writing as a run artifact.
func (r Report) Format() string {
	var b strings.Builder

	width := 12
	for _, c := range r.Classes {
		if len(c.Label) > width {
			width = len(c.Label)
		}
	}

	fmt.Fprintf(&b, "%-*s %10s %10s %10s %10s\n", width, "", "precision", "recall", "f1-score", "support")
	b.WriteString("\n")
	for _, c := range r.Classes {
		fmt.Fprintf(&b, "%-*s %10.4f %10.4f %10.4f %10d\n", width, c.Label, c.Precision, c.Recall, c.F1, c.Support)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%-*s %10.4f %32d\n", width, "accuracy", r.Accuracy, r.Total)
	fmt.Fprintf(&b, "%-*s %10.4f\n", width, "macro f1", r.F1Macro)
	fmt.Fprintf(&b, "%-*s %10.4f\n", width, "weighted f1", r.F1Weighted)

	b.WriteString("\nconfusion matrix (rows=true, cols=predicted)\n")
	fmt.Fprintf(&b, "%-*s", width, "")
	for _, c := range r.Classes {
		fmt.Fprintf(&b, " %10s", truncate(c.Label, 10))
	}
	b.WriteString("\n")
	for i, row := range r.Confusion {
		fmt.Fprintf(&b, "%-*s", width, truncate(r.Classes[i].Label, width))
		for _, count := range row {
			fmt.Fprintf(&b, " %10d", count)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
