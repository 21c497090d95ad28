package loader

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/vladm3105/tradegent/pkg/common"
)

// preferred top-level field order per document type; unlisted fields follow
// in lexical order
var fieldOrder = map[common.DocType][]string{
	common.DocAnalysisEarnings: {"summary", "thesis", "earnings", "guidance", "catalysts", "risks", "biases", "scenarios", "recommendation"},
	common.DocAnalysisStock:    {"summary", "thesis", "fundamentals", "technicals", "catalysts", "risks", "biases", "recommendation"},
	common.DocResearch:         {"summary", "findings", "implications", "sources"},
	common.DocTrade:            {"setup", "entry", "exit", "rationale", "outcome", "lessons", "biases"},
	common.DocWatchlist:        {"summary", "entries", "triggers", "invalidation"},
	common.DocReview:           {"summary", "what_worked", "what_failed", "biases", "lessons"},
	common.DocProfile:          {"overview", "sector", "industry", "competitors", "risks"},
	common.DocStrategy:         {"description", "rules", "entry", "exit", "risk"},
	common.DocScannerConfig:    {"description", "criteria", "universe", "schedule"},
}

// FlattenFields renders structured fields as sections. Nested maps become
// dotted paths, scalar lists become bullet lines and lists of maps render
// one "key: value" block per item.
func FlattenFields(docType common.DocType, fields map[string]any) []common.Section {
	var sections []common.Section
	for _, key := range orderedKeys(fields, fieldOrder[docType]) {
		flattenValue(key, fields[key], &sections)
	}
	return sections
}

func orderedKeys(m map[string]any, preferred []string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	rank := func(k string) int {
		if i := slices.Index(preferred, strings.ToLower(k)); i >= 0 {
			return i
		}
		return len(preferred)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		ri, rj := rank(keys[i]), rank(keys[j])
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})
	return keys
}

func flattenValue(path string, value any, out *[]common.Section) {
	switch v := value.(type) {
	case map[string]any:
		for _, key := range orderedKeys(v, nil) {
			flattenValue(path+"."+key, v[key], out)
		}
	case map[any]any:
		flattenValue(path, stringKeys(v), out)
	case []any:
		if text := renderList(v); text != "" {
			*out = append(*out, section(path, text))
		}
	default:
		if text := strings.TrimSpace(scalarText(v)); text != "" {
			*out = append(*out, section(path, text))
		}
	}
}

func renderList(items []any) string {
	var b strings.Builder
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any, map[any]any:
			m, ok := v.(map[string]any)
			if !ok {
				m = stringKeys(v.(map[any]any))
			}
			var lines []string
			for _, key := range orderedKeys(m, nil) {
				if text := strings.TrimSpace(scalarText(m[key])); text != "" {
					lines = append(lines, key+": "+text)
				}
			}
			if len(lines) == 0 {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(strings.Join(lines, "\n"))
		default:
			text := strings.TrimSpace(scalarText(v))
			if text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("- " + text)
		}
	}
	return b.String()
}

func scalarText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.Format("2006-01-02")
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := strings.TrimSpace(scalarText(item)); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		parts := make([]string, 0, len(t))
		for _, key := range orderedKeys(t, nil) {
			parts = append(parts, key+"="+scalarText(t[key]))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(t)
	}
}

func stringKeys(m map[any]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[fmt.Sprint(k)] = v
	}
	return out
}

func section(path, text string) common.Section {
	return common.Section{Path: path, Label: LabelFor(path), Text: text}
}

// LabelFor derives a heading from a section path: "thesis.what_worked"
// becomes "Thesis > What Worked".
func LabelFor(path string) string {
	parts := strings.Split(path, ".")
	for i, p := range parts {
		words := strings.FieldsFunc(p, func(r rune) bool { return r == '_' || r == '-' || r == ' ' })
		for j, w := range words {
			r := []rune(w)
			r[0] = unicode.ToUpper(r[0])
			words[j] = string(r)
		}
		parts[i] = strings.Join(words, " ")
	}
	return strings.Join(parts, " > ")
}
