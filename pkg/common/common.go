// Package common holds the domain types shared by the chunking, embedding,
// retrieval and graph extraction packages.
package common

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// DocType is the closed set of document kinds the engine accepts.
type DocType string

const (
	DocAnalysisEarnings DocType = "analysis-earnings"
	DocAnalysisStock    DocType = "analysis-stock"
	DocResearch         DocType = "research"
	DocTrade            DocType = "trade"
	DocWatchlist        DocType = "watchlist"
	DocReview           DocType = "review"
	DocProfile          DocType = "profile"
	DocStrategy         DocType = "strategy"
	DocScannerConfig    DocType = "scanner-config"
)

var docTypes = []DocType{
	DocAnalysisEarnings,
	DocAnalysisStock,
	DocResearch,
	DocTrade,
	DocWatchlist,
	DocReview,
	DocProfile,
	DocStrategy,
	DocScannerConfig,
}

// DocTypes returns every accepted document type.
func DocTypes() []DocType {
	return slices.Clone(docTypes)
}

// Valid reports whether d is one of the accepted document types.
func (d DocType) Valid() bool {
	return slices.Contains(docTypes, d)
}

// ParseDocType accepts a document type name case-insensitively. Underscores
// are treated as dashes so "analysis_earnings" is accepted.
func ParseDocType(s string) (DocType, error) {
	d := DocType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownDocType, s)
	}
	return d, nil
}

// Document is a logical knowledge artifact. Sections carry the text in
// structural order; the chunker never crosses a section boundary.
//
// ChunkCount, EmbedModel and EmbedDim are stamped by the chunk store when
// the document is embedded and are otherwise zero.
type Document struct {
	ID         string    `json:"id"`
	SourcePath string    `json:"source_path,omitempty"`
	Type       DocType   `json:"doc_type"`
	SubjectKey string    `json:"subject_key,omitempty"`
	Date       time.Time `json:"date"`
	Tags       []string  `json:"tags,omitempty"`
	Sections   []Section `json:"sections"`

	ChunkCount int    `json:"chunk_count,omitempty"`
	EmbedModel string `json:"embed_model,omitempty"`
	EmbedDim   int    `json:"embed_dim,omitempty"`
}

// Section is one structural part of a document. Path is hierarchical and
// dot separated ("thesis.summary"); Label is the human readable heading.
type Section struct {
	Path  string `json:"path"`
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Chunk is a bounded slice of a document's text and the unit of embedding
// and retrieval. Chunks of one document are numbered from zero in logical
// order.
type Chunk struct {
	ID           string    `json:"id"`
	DocID        string    `json:"doc_id"`
	SectionPath  string    `json:"section_path"`
	SectionLabel string    `json:"section_label"`
	Index        int       `json:"index"`
	Text         string    `json:"text"`
	Tokens       int       `json:"token_count"`
	Embedding    []float32 `json:"-"`
}

// ChunkID is the stable identifier of the index-th chunk of a document.
func ChunkID(docID string, index int) string {
	return fmt.Sprintf("%s#%d", docID, index)
}
