package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vladm3105/tradegent/pkg/common"
)

const maxPassageRunes = 600

// Format renders a hybrid context as markdown for a model prompt. Empty
// sections are omitted; a partial context ends with a note naming the
// missing legs.
func Format(hc *common.HybridContext) string {
	var sb strings.Builder
	title := hc.SubjectKey
	if title == "" {
		title = hc.Query
	}
	fmt.Fprintf(&sb, "## Context: %s\n", title)

	if len(hc.VectorResults) > 0 {
		sb.WriteString("\n### Relevant passages\n")
		for i, r := range hc.VectorResults {
			fmt.Fprintf(&sb, "%d. **%s**", i+1, r.DocID)
			if r.SectionLabel != "" {
				fmt.Fprintf(&sb, " / %s", r.SectionLabel)
			}
			if !r.Date.IsZero() {
				fmt.Fprintf(&sb, " (%s)", r.Date.Format("2006-01-02"))
			}
			sb.WriteString("\n   ")
			sb.WriteString(clip(strings.Join(strings.Fields(r.Content), " "), maxPassageRunes))
			sb.WriteString("\n")
		}
	}

	writeFacts(&sb, "Sector peers", hc.GraphPeers, func(f common.GraphFact) string {
		if f.Via != "" {
			return fmt.Sprintf("via %s", f.Via)
		}
		return string(f.Relation)
	})
	writeFacts(&sb, "Known risks", hc.GraphRisks, mentions)
	writeFacts(&sb, "Bias history", hc.GraphBiases, func(f common.GraphFact) string {
		var parts []string
		if m := mentions(f); m != "" {
			parts = append(parts, m)
		}
		if !f.LastSeen.IsZero() {
			parts = append(parts, "last seen "+f.LastSeen.Format("2006-01-02"))
		}
		return strings.Join(parts, ", ")
	})

	if hc.Partial {
		legs := make([]string, 0, len(hc.Errors))
		for leg := range hc.Errors {
			legs = append(legs, leg)
		}
		sort.Strings(legs)
		fmt.Fprintf(&sb, "\n> Partial context: %s unavailable.\n", strings.Join(legs, ", "))
	}
	return sb.String()
}

func writeFacts(sb *strings.Builder, heading string, facts []common.GraphFact, detail func(common.GraphFact) string) {
	if len(facts) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n### %s\n", heading)
	for _, f := range facts {
		fmt.Fprintf(sb, "- %s", f.Name)
		if d := detail(f); d != "" {
			fmt.Fprintf(sb, " (%s)", d)
		}
		if f.NeedsReview {
			sb.WriteString(" [unreviewed]")
		}
		sb.WriteString("\n")
	}
}

func mentions(f common.GraphFact) string {
	switch f.Mentions {
	case 0:
		return ""
	case 1:
		return "1 mention"
	default:
		return fmt.Sprintf("%d mentions", f.Mentions)
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
