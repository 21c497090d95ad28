package pgx

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/vladm3105/tradegent/internal/util"
	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/store"
)

// Upsert replaces the chunk set of doc in one transaction so readers never
// see old and new chunks mixed.
func (s *Store) Upsert(ctx context.Context, doc common.Document, chunks []common.Chunk) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document id is empty", common.ErrMalformed)
	}
	if len(chunks) > 0 && doc.EmbedDim <= 0 {
		return fmt.Errorf("%w: document %s has chunks but no embedding dimension", common.ErrMalformed, doc.ID)
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

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if len(chunks) > 0 {
		if err := registerCorpus(ctx, tx, doc.EmbedModel, doc.EmbedDim); err != nil {
			return err
		}
	}

	tags := store.DedupeStrings(doc.Tags)
	if tags == nil {
		tags = []string{}
	}
	_, err = tx.Exec(ctx, upsertDocumentSQL,
		doc.ID,
		util.SanitizePostgresText(doc.SourcePath),
		string(doc.Type),
		doc.SubjectKey,
		doc.Date,
		tags,
		len(chunks),
		doc.EmbedModel,
		doc.EmbedDim,
	)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE doc_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", doc.ID, err)
	}

	err = store.ChunkRange(len(chunks), insertBatch, func(start, end int) error {
		batch := &pgxv5.Batch{}
		for _, c := range chunks[start:end] {
			batch.Queue(insertChunkSQL,
				c.ID,
				c.DocID,
				c.Index,
				c.SectionPath,
				util.SanitizePostgresText(c.SectionLabel),
				util.SanitizePostgresText(c.Text),
				c.Tokens,
				pgvector.NewVector(c.Embedding),
				doc.EmbedModel,
				doc.EmbedDim,
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range end - start {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert chunk: %w", err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// registerCorpus records the corpus embedding model on first write and
// rejects later writes of another dimension or model.
func registerCorpus(ctx context.Context, q querier, model string, dim int) error {
	if _, err := q.Exec(ctx, registerCorpusSQL, model, dim); err != nil {
		return fmt.Errorf("register corpus: %w", err)
	}
	var curModel string
	var curDim int
	if err := q.QueryRow(ctx, `SELECT embed_model, embed_dim FROM embedding_corpus`).Scan(&curModel, &curDim); err != nil {
		return fmt.Errorf("read corpus: %w", err)
	}
	if curDim != dim {
		return fmt.Errorf("%w: corpus is %s with %d dimensions, write uses %s with %d",
			common.ErrDimensionMismatch, curModel, curDim, model, dim)
	}
	if curModel != model {
		return fmt.Errorf("%w: corpus is embedded with %s, write uses %s; re-embed the corpus to switch models",
			common.ErrModelMismatch, curModel, model)
	}
	return nil
}

// corpusDim returns the registered dimension, 0 when nothing is embedded yet.
func (s *Store) corpusDim(ctx context.Context) (int, error) {
	var dim int
	err := s.conn.QueryRow(ctx, `SELECT embed_dim FROM embedding_corpus`).Scan(&dim)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return 0, nil
	}
	return dim, err
}

func (s *Store) GetDocument(ctx context.Context, id string) (common.Document, error) {
	var doc common.Document
	var docType string
	err := s.conn.QueryRow(ctx, getDocumentSQL, id).Scan(
		&doc.ID,
		&doc.SourcePath,
		&docType,
		&doc.SubjectKey,
		&doc.Date,
		&doc.Tags,
		&doc.ChunkCount,
		&doc.EmbedModel,
		&doc.EmbedDim,
	)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return common.Document{}, fmt.Errorf("%w: document %s", common.ErrNotFound, id)
	}
	if err != nil {
		return common.Document{}, err
	}
	doc.Type = common.DocType(docType)
	return doc, nil
}

// VectorSearch ranks chunks by cosine similarity. The query vector must have
// the corpus dimension; a mismatch is a configuration error.
func (s *Store) VectorSearch(
	ctx context.Context,
	vec []float32,
	filters common.SearchFilters,
	topK int,
	minSimilarity float64,
) ([]common.SearchResult, error) {
	dim, err := s.corpusDim(ctx)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	if dim == 0 {
		return nil, nil
	}
	if len(vec) != dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, corpus uses %d", common.ErrDimensionMismatch, len(vec), dim)
	}
	topK = store.ClampTopK(topK, defaultTopK, s.maxTopK)

	b := newFilterBuilder(pgvector.NewVector(vec), minSimilarity).apply(filters)
	limit := b.arg(topK)

	// The dimension is inlined so the planner can match the partial HNSW
	// index built by EnsureVectorIndex.
	d := strconv.Itoa(dim)
	dist := "(c.embedding::vector(" + d + ") <=> $1::vector(" + d + "))"
	sql := `SELECT c.id, c.doc_id, c.content, c.section_path, c.section_label,
       d.subject_key, d.doc_type, d.doc_date, 1 - ` + dist + ` AS similarity
FROM chunks c
JOIN documents d ON d.id = c.doc_id
WHERE c.embed_dim = ` + d + `
  AND 1 - ` + dist + ` >= $2` + b.where() + `
ORDER BY ` + dist + `, c.id
LIMIT ` + limit

	q := querier(s.conn)
	if s.hnswEfSearch > 0 {
		tx, err := s.conn.Begin(ctx)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback(ctx)
		if _, err := tx.Exec(ctx, "SET LOCAL hnsw.ef_search = "+strconv.Itoa(s.hnswEfSearch)); err != nil {
			return nil, fmt.Errorf("set ef_search: %w", err)
		}
		q = tx
	}

	rows, err := q.Query(ctx, sql, b.args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return collectResults(rows, true)
}

// KeywordSearch ranks chunks by ts_rank_cd over the stemmed tsvector of the
// same rows vector search reads.
func (s *Store) KeywordSearch(
	ctx context.Context,
	query string,
	filters common.SearchFilters,
	topK int,
) ([]common.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	topK = store.ClampTopK(topK, defaultTopK, s.maxTopK)

	b := newFilterBuilder(query).apply(filters)
	limit := b.arg(topK)
	sql := `WITH q AS (SELECT websearch_to_tsquery('english', $1) AS query)
SELECT c.id, c.doc_id, c.content, c.section_path, c.section_label,
       d.subject_key, d.doc_type, d.doc_date, ts_rank_cd(c.tsv, q.query) AS rank
FROM q, chunks c
JOIN documents d ON d.id = c.doc_id
WHERE c.tsv @@ q.query` + b.where() + `
ORDER BY rank DESC, c.id
LIMIT ` + limit

	rows, err := s.conn.Query(ctx, sql, b.args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	return collectResults(rows, false)
}

func collectResults(rows pgxv5.Rows, vector bool) ([]common.SearchResult, error) {
	defer rows.Close()
	var out []common.SearchResult
	for rows.Next() {
		var r common.SearchResult
		var docType string
		if err := rows.Scan(
			&r.ChunkID,
			&r.DocID,
			&r.Content,
			&r.SectionPath,
			&r.SectionLabel,
			&r.SubjectKey,
			&docType,
			&r.Date,
			&r.Score,
		); err != nil {
			return nil, err
		}
		r.DocType = common.DocType(docType)
		if vector {
			r.VectorRank = len(out) + 1
		} else {
			r.KeywordRank = len(out) + 1
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EnsureVectorIndex creates the HNSW cosine index for vectors of dim.
func (s *Store) EnsureVectorIndex(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%w: vector index dimension must be positive", common.ErrConfig)
	}
	d := strconv.Itoa(dim)
	sql := `CREATE INDEX IF NOT EXISTS chunks_embedding_hnsw_` + d + `
ON chunks USING hnsw ((embedding::vector(` + d + `)) vector_cosine_ops)
WHERE embed_dim = ` + d
	if _, err := s.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create vector index: %w", err)
	}
	return nil
}

const upsertDocumentSQL = `
INSERT INTO documents (id, source_path, doc_type, subject_key, doc_date, tags, chunk_count, embed_model, embed_dim)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE
SET source_path = EXCLUDED.source_path,
    doc_type    = EXCLUDED.doc_type,
    subject_key = EXCLUDED.subject_key,
    doc_date    = EXCLUDED.doc_date,
    tags        = EXCLUDED.tags,
    chunk_count = EXCLUDED.chunk_count,
    embed_model = EXCLUDED.embed_model,
    embed_dim   = EXCLUDED.embed_dim,
    updated_at  = now();
`

const insertChunkSQL = `
INSERT INTO chunks (id, doc_id, chunk_index, section_path, section_label, content, token_count, embedding, embed_model, embed_dim)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`

const registerCorpusSQL = `
INSERT INTO embedding_corpus (id, embed_model, embed_dim)
VALUES (TRUE, $1, $2)
ON CONFLICT (id) DO NOTHING;
`

const getDocumentSQL = `
SELECT id, source_path, doc_type, subject_key, doc_date, tags, chunk_count, embed_model, embed_dim
FROM documents
WHERE id = $1;
`
