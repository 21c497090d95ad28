package common

import "time"

// SearchFilters narrows vector and keyword queries. Zero values mean
// "no constraint"; From and To are inclusive.
type SearchFilters struct {
	SubjectKey    string    `json:"subject_key,omitempty"`
	DocType       DocType   `json:"doc_type,omitempty"`
	From          time.Time `json:"from,omitempty"`
	To            time.Time `json:"to,omitempty"`
	SectionPrefix string    `json:"section_prefix,omitempty"`
}

// SearchResult is a read-only projection of a chunk for one query. Score is
// the cosine similarity in [0,1] for vector search, the text rank for
// keyword search, and the fused score for hybrid search.
type SearchResult struct {
	ChunkID      string    `json:"chunk_id"`
	DocID        string    `json:"doc_id"`
	Content      string    `json:"content"`
	SectionPath  string    `json:"section_path"`
	SectionLabel string    `json:"section_label"`
	SubjectKey   string    `json:"subject_key,omitempty"`
	DocType      DocType   `json:"doc_type"`
	Date         time.Time `json:"date"`
	Score        float64   `json:"score"`

	// 1-based positions in the contributing lists, 0 when absent.
	VectorRank  int `json:"vector_rank,omitempty"`
	KeywordRank int `json:"keyword_rank,omitempty"`
}

// Relevance buckets a cosine similarity the way callers interpret it.
func Relevance(similarity float64) string {
	switch {
	case similarity > 0.8:
		return "near-duplicate"
	case similarity >= 0.6:
		return "highly-relevant"
	case similarity >= 0.4:
		return "supporting"
	case similarity >= 0.3:
		return "loosely-related"
	default:
		return "unrelated"
	}
}
