package pgx

import (
	"strconv"
	"strings"

	"github.com/vladm3105/tradegent/pkg/common"
)

// filterBuilder renders SearchFilters as positional SQL predicates over
// the chunk alias c and document alias d.
type filterBuilder struct {
	args    []any
	clauses []string
}

func newFilterBuilder(args ...any) *filterBuilder {
	return &filterBuilder{args: args}
}

func (b *filterBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *filterBuilder) add(clause string) {
	b.clauses = append(b.clauses, clause)
}

func (b *filterBuilder) apply(f common.SearchFilters) *filterBuilder {
	if f.SubjectKey != "" {
		b.add("d.subject_key = " + b.arg(strings.ToUpper(strings.TrimSpace(f.SubjectKey))))
	}
	if f.DocType != "" {
		b.add("d.doc_type = " + b.arg(string(f.DocType)))
	}
	if !f.From.IsZero() {
		b.add("d.doc_date >= " + b.arg(f.From))
	}
	if !f.To.IsZero() {
		b.add("d.doc_date <= " + b.arg(f.To))
	}
	if f.SectionPrefix != "" {
		b.add("c.section_path LIKE " + b.arg(escapeLike(f.SectionPrefix)+"%") + ` ESCAPE '\'`)
	}
	return b
}

// where returns the AND-joined predicates prefixed with " AND ", or "".
func (b *filterBuilder) where() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return " AND " + strings.Join(b.clauses, " AND ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
