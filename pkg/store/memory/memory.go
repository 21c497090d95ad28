// Package memory implements the store interfaces in process. It backs
// tests and local runs without a database; keyword ranking is plain BM25
// over lower-cased word tokens.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vladm3105/tradegent/internal/util"
	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/store"
)

type Store struct {
	mu sync.RWMutex

	docs   map[string]common.Document
	chunks map[string][]common.Chunk

	corpusModel string
	corpusDim   int

	nodes       map[common.NodeKey]*common.GraphNode
	edges       map[common.EdgeKey]*common.GraphEdge
	edgeSources map[common.EdgeKey]map[string]struct{}
	nextID      int64

	pending map[string]common.PendingCommit
	seq     int

	vectorErr  error
	keywordErr error
	graphErr   error
	pendingErr error
	graphDelay time.Duration
	now        func() time.Time
}

var (
	_ store.ChunkStore   = (*Store)(nil)
	_ store.GraphStore   = (*Store)(nil)
	_ store.PendingStore = (*Store)(nil)
)

func New() *Store {
	return &Store{
		docs:        map[string]common.Document{},
		chunks:      map[string][]common.Chunk{},
		nodes:       map[common.NodeKey]*common.GraphNode{},
		edges:       map[common.EdgeKey]*common.GraphEdge{},
		edgeSources: map[common.EdgeKey]map[string]struct{}{},
		pending:     map[string]common.PendingCommit{},
		now:         time.Now,
	}
}

// SetVectorError makes VectorSearch fail with err until reset with nil.
func (s *Store) SetVectorError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectorErr = err
}

// SetKeywordError makes KeywordSearch fail with err until reset with nil.
func (s *Store) SetKeywordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keywordErr = err
}

// SetGraphError makes every graph operation fail with err, simulating an
// unreachable graph store.
func (s *Store) SetGraphError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphErr = err
}

// SetPendingError makes every pending write fail with err, simulating an
// unavailable audit table.
func (s *Store) SetPendingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingErr = err
}

// SetGraphDelay delays graph reads by d or until the context is done.
func (s *Store) SetGraphDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphDelay = d
}

func (s *Store) Upsert(ctx context.Context, doc common.Document, chunks []common.Chunk) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document id is empty", common.ErrMalformed)
	}
	for _, c := range chunks {
		if c.DocID != doc.ID {
			return fmt.Errorf("%w: chunk %s does not belong to %s", common.ErrMalformed, c.ID, doc.ID)
		}
		if len(c.Embedding) != doc.EmbedDim {
			return fmt.Errorf("%w: chunk %s has %d dimensions, document declares %d",
				common.ErrDimensionMismatch, c.ID, len(c.Embedding), doc.EmbedDim)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(chunks) > 0 {
		if s.corpusDim == 0 {
			s.corpusModel, s.corpusDim = doc.EmbedModel, doc.EmbedDim
		} else if s.corpusDim != doc.EmbedDim {
			return fmt.Errorf("%w: corpus is %s with %d dimensions, write uses %s with %d",
				common.ErrDimensionMismatch, s.corpusModel, s.corpusDim, doc.EmbedModel, doc.EmbedDim)
		} else if s.corpusModel != doc.EmbedModel {
			return fmt.Errorf("%w: corpus is embedded with %s, write uses %s; re-embed the corpus to switch models",
				common.ErrModelMismatch, s.corpusModel, doc.EmbedModel)
		}
	}

	doc.ChunkCount = len(chunks)
	doc.Tags = store.DedupeStrings(doc.Tags)
	s.docs[doc.ID] = doc

	stored := make([]common.Chunk, len(chunks))
	for i, c := range chunks {
		c.Embedding = append([]float32(nil), c.Embedding...)
		c.Text = util.SanitizePostgresText(c.Text)
		stored[i] = c
	}
	s.chunks[doc.ID] = stored
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (common.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return common.Document{}, fmt.Errorf("%w: document %s", common.ErrNotFound, id)
	}
	return doc, nil
}

// Chunks returns a copy of the stored chunks of a document.
func (s *Store) Chunks(docID string) []common.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]common.Chunk(nil), s.chunks[docID]...)
}

// ChunkCount is the number of chunks across all documents.
func (s *Store) ChunkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, cs := range s.chunks {
		n += len(cs)
	}
	return n
}

type candidate struct {
	doc   common.Document
	chunk common.Chunk
	score float64
}

func (s *Store) filtered(f common.SearchFilters) []candidate {
	var out []candidate
	ids := make([]string, 0, len(s.chunks))
	for id := range s.chunks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		doc := s.docs[id]
		for _, c := range s.chunks[id] {
			if store.MatchesFilters(doc, c.SectionPath, f) {
				out = append(out, candidate{doc: doc, chunk: c})
			}
		}
	}
	return out
}

func rank(cands []candidate, topK int, vector bool) []common.SearchResult {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].chunk.ID < cands[j].chunk.ID
	})
	if len(cands) > topK {
		cands = cands[:topK]
	}
	out := make([]common.SearchResult, len(cands))
	for i, c := range cands {
		out[i] = common.SearchResult{
			ChunkID:      c.chunk.ID,
			DocID:        c.doc.ID,
			Content:      c.chunk.Text,
			SectionPath:  c.chunk.SectionPath,
			SectionLabel: c.chunk.SectionLabel,
			SubjectKey:   c.doc.SubjectKey,
			DocType:      c.doc.Type,
			Date:         c.doc.Date,
			Score:        c.score,
		}
		if vector {
			out[i].VectorRank = i + 1
		} else {
			out[i].KeywordRank = i + 1
		}
	}
	return out
}
