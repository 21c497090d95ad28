// Package loader turns producer submissions into validated documents. A
// submission carries either raw markdown text or structured fields; when it
// carries neither, the body is read from its source path through a Source.
package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/vladm3105/tradegent/pkg/common"
)

// Submission is the document envelope sent by a producer.
type Submission struct {
	ID               string         `json:"id" yaml:"id"`
	SourcePath       string         `json:"source_path,omitempty" yaml:"source_path,omitempty"`
	DocType          string         `json:"doc_type" yaml:"doc_type"`
	SubjectKey       string         `json:"subject_key,omitempty" yaml:"subject_key,omitempty"`
	Date             string         `json:"date" yaml:"date"`
	Tags             []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	RawText          string         `json:"raw_text,omitempty" yaml:"raw_text,omitempty"`
	StructuredFields map[string]any `json:"structured_fields,omitempty" yaml:"structured_fields,omitempty"`
}

// HasBody reports whether the submission carries its content inline.
func (s Submission) HasBody() bool {
	return strings.TrimSpace(s.RawText) != "" || len(s.StructuredFields) > 0
}

// Source reads document bodies referenced by source path.
type Source interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// subject keys are mandatory for document types about a single instrument
var subjectRequired = map[common.DocType]bool{
	common.DocAnalysisEarnings: true,
	common.DocAnalysisStock:    true,
	common.DocTrade:            true,
	common.DocProfile:          true,
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102",
}

// Resolve fills a body-less submission from its source path. YAML bodies
// are parsed for envelope fields and structured content; anything else is
// taken as markdown text. Inline fields of sub win over the file's.
func Resolve(ctx context.Context, src Source, sub Submission) (Submission, error) {
	if sub.HasBody() {
		return sub, nil
	}
	if sub.SourcePath == "" {
		return sub, fmt.Errorf("%w: submission %q has no body and no source path", common.ErrMalformed, sub.ID)
	}
	if src == nil {
		return sub, fmt.Errorf("%w: no source configured for %q", common.ErrConfig, sub.SourcePath)
	}
	data, err := src.Read(ctx, sub.SourcePath)
	if err != nil {
		return sub, fmt.Errorf("read %s: %w", sub.SourcePath, err)
	}

	switch strings.ToLower(filepath.Ext(sub.SourcePath)) {
	case ".yaml", ".yml":
		parsed, err := ParseYAML(data)
		if err != nil {
			return sub, err
		}
		return mergeEnvelope(sub, parsed), nil
	default:
		sub.RawText = string(data)
		return sub, nil
	}
}

func mergeEnvelope(inline, parsed Submission) Submission {
	out := parsed
	out.SourcePath = inline.SourcePath
	if inline.ID != "" {
		out.ID = inline.ID
	}
	if inline.DocType != "" {
		out.DocType = inline.DocType
	}
	if inline.SubjectKey != "" {
		out.SubjectKey = inline.SubjectKey
	}
	if inline.Date != "" {
		out.Date = inline.Date
	}
	if len(inline.Tags) > 0 {
		out.Tags = inline.Tags
	}
	return out
}

// Load validates the envelope and converts the body into ordered sections.
// Unknown document types are configuration errors; everything else that
// fails validation is a data error for this one document.
func Load(sub Submission) (common.Document, error) {
	var doc common.Document

	id := strings.TrimSpace(sub.ID)
	if id == "" {
		return doc, fmt.Errorf("%w: document id is required", common.ErrMalformed)
	}
	docType, err := common.ParseDocType(sub.DocType)
	if err != nil {
		return doc, err
	}
	subject := NormalizeSubjectKey(sub.SubjectKey)
	if subjectRequired[docType] && subject == "" {
		return doc, fmt.Errorf("%w: %s document %q requires a subject key", common.ErrMalformed, docType, id)
	}
	date, err := ParseDate(sub.Date)
	if err != nil {
		return doc, fmt.Errorf("%w: document %q: %v", common.ErrMalformed, id, err)
	}

	var sections []common.Section
	if len(sub.StructuredFields) > 0 {
		sections = FlattenFields(docType, sub.StructuredFields)
	}
	if strings.TrimSpace(sub.RawText) != "" {
		sections = append(sections, SplitMarkdown(sub.RawText)...)
	}
	if len(sections) == 0 {
		return doc, fmt.Errorf("%w: document %q has no content", common.ErrMalformed, id)
	}

	return common.Document{
		ID:         id,
		SourcePath: sub.SourcePath,
		Type:       docType,
		SubjectKey: subject,
		Date:       date,
		Tags:       normalizeTags(sub.Tags),
		Sections:   sections,
	}, nil
}

// NormalizeSubjectKey upper-cases a ticker-like key and strips a leading
// cashtag.
func NormalizeSubjectKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "$")
	return strings.ToUpper(key)
}

// ParseDate accepts RFC 3339 timestamps and plain calendar dates.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("date is required")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", value)
}

func normalizeTags(tags []string) []string {
	var out []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" && !slices.Contains(out, tag) {
			out = append(out, tag)
		}
	}
	slices.Sort(out)
	return out
}
