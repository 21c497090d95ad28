package store

import (
	"strings"

	"github.com/vladm3105/tradegent/pkg/common"
)

// ChunkRange calls fn for consecutive [start, end) windows of at most
// chunkSize items.
func ChunkRange(total, chunkSize int, fn func(start, end int) error) error {
	if total <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = total
	}
	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}

// DedupeStrings drops empty and repeated values, keeping first occurrences.
func DedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ClampTopK bounds a caller supplied result count.
func ClampTopK(topK, def, maxK int) int {
	if topK <= 0 {
		return def
	}
	return min(topK, maxK)
}

// MatchesFilters applies SearchFilters to a document in memory. The SQL
// stores render the same predicate in their WHERE clause.
func MatchesFilters(doc common.Document, sectionPath string, f common.SearchFilters) bool {
	if f.SubjectKey != "" && !strings.EqualFold(doc.SubjectKey, f.SubjectKey) {
		return false
	}
	if f.DocType != "" && doc.Type != f.DocType {
		return false
	}
	if !f.From.IsZero() && doc.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && doc.Date.After(f.To) {
		return false
	}
	if f.SectionPrefix != "" && !strings.HasPrefix(sectionPath, f.SectionPrefix) {
		return false
	}
	return true
}
