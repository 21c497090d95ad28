package loader_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/loader"
	fsource "github.com/vladm3105/tradegent/pkg/loader/io"
)

func TestLoadStructuredAnalysis(t *testing.T) {
	doc, err := loader.Load(loader.Submission{
		ID:         "nvda-2025-q3",
		DocType:    "analysis-earnings",
		SubjectKey: "$nvda",
		Date:       "2025-08-27",
		Tags:       []string{"Earnings", "semis", "earnings"},
		StructuredFields: map[string]any{
			"risks":   []any{"China export limits", "Customer concentration"},
			"summary": "Data center revenue keeps compounding.",
			"thesis": map[string]any{
				"summary": "Blackwell ramp drives upside.",
				"bear":    "Gross margin compression.",
			},
			"appendix": "raw notes",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "NVDA", doc.SubjectKey)
	assert.Equal(t, common.DocAnalysisEarnings, doc.Type)
	assert.Equal(t, []string{"earnings", "semis"}, doc.Tags)

	paths := make([]string, len(doc.Sections))
	for i, s := range doc.Sections {
		paths[i] = s.Path
	}
	assert.Equal(t, []string{"summary", "thesis.bear", "thesis.summary", "risks", "appendix"}, paths)
	assert.Equal(t, "Thesis > Bear", doc.Sections[1].Label)
	assert.Equal(t, "- China export limits\n- Customer concentration", doc.Sections[3].Text)
}

func TestLoadValidation(t *testing.T) {
	base := loader.Submission{ID: "d1", DocType: "research", Date: "2025-01-02", RawText: "Some text."}

	_, err := loader.Load(base)
	require.NoError(t, err)

	unknown := base
	unknown.DocType = "memo"
	_, err = loader.Load(unknown)
	assert.ErrorIs(t, err, common.ErrUnknownDocType)

	noSubject := base
	noSubject.DocType = "trade"
	_, err = loader.Load(noSubject)
	assert.ErrorIs(t, err, common.ErrMalformed)

	badDate := base
	badDate.Date = "yesterday"
	_, err = loader.Load(badDate)
	assert.ErrorIs(t, err, common.ErrMalformed)

	empty := base
	empty.RawText = "   "
	_, err = loader.Load(empty)
	assert.ErrorIs(t, err, common.ErrMalformed)
}

func TestSplitMarkdown(t *testing.T) {
	text := "Preamble line.\n\n# NVDA Review\n\n## Thesis\nAI demand.\n\n```\n# not a heading\n```\n\n## Risks\nExport rules.\n\n## Risks\nSupply.\n"
	sections := loader.SplitMarkdown(text)
	require.Len(t, sections, 4)

	assert.Equal(t, "body", sections[0].Path)
	assert.Equal(t, "nvda_review.thesis", sections[1].Path)
	assert.Equal(t, "NVDA Review > Thesis", sections[1].Label)
	assert.Contains(t, sections[1].Text, "# not a heading")
	assert.Equal(t, "nvda_review.risks", sections[2].Path)
	assert.Equal(t, "nvda_review.risks_2", sections[3].Path)
}

func TestParseYAMLEnvelope(t *testing.T) {
	data := []byte(`
_meta:
  id: trade-001
  doc_type: trade
ticker: amd
date: 2025-03-04
tags: [swing]
setup: Breakout above 180.
lessons:
  - Sized too large
`)
	sub, err := loader.ParseYAML(data)
	require.NoError(t, err)
	assert.Equal(t, "trade-001", sub.ID)
	assert.Equal(t, "trade", sub.DocType)
	assert.Equal(t, "amd", sub.SubjectKey)
	assert.Equal(t, "2025-03-04", sub.Date)
	assert.Equal(t, []string{"swing"}, sub.Tags)
	assert.Contains(t, sub.StructuredFields, "setup")
	assert.Contains(t, sub.StructuredFields, "lessons")

	doc, err := loader.Load(sub)
	require.NoError(t, err)
	assert.Equal(t, "AMD", doc.SubjectKey)
	assert.Equal(t, "setup", doc.Sections[0].Path)
}

func TestResolveFromSourcePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes", "r1.md"), []byte("# Findings\nRates matter."), 0o644))

	src := fsource.NewFileSource(dir)
	sub, err := loader.Resolve(context.Background(), src, loader.Submission{
		ID: "r1", DocType: "research", Date: "2025-01-02", SourcePath: "notes/r1.md",
	})
	require.NoError(t, err)
	assert.Equal(t, "# Findings\nRates matter.", sub.RawText)

	_, err = loader.Resolve(context.Background(), src, loader.Submission{ID: "r2", SourcePath: "../etc/passwd"})
	assert.Error(t, err)

	_, err = loader.Resolve(context.Background(), src, loader.Submission{ID: "r3"})
	assert.ErrorIs(t, err, common.ErrMalformed)
}
