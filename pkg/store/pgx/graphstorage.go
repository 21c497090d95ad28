// Package pgx implements the store interfaces on PostgreSQL. Vectors use
// pgvector, keyword search uses a generated tsvector column on the same
// chunk rows, and the property graph lives in node and edge tables.
package pgx

import (
	"context"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/vladm3105/tradegent/pkg/store"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// querier is the subset shared by connections and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
}

const (
	defaultTopK = 10
	maxTopK     = 500
	insertBatch = 200
)

// Store implements store.ChunkStore, store.GraphStore and
// store.PendingStore on one PostgreSQL database.
type Store struct {
	conn         pgxIConn
	maxTopK      int
	hnswEfSearch int
}

var (
	_ store.ChunkStore   = (*Store)(nil)
	_ store.GraphStore   = (*Store)(nil)
	_ store.PendingStore = (*Store)(nil)
)

type StoreOption func(*Store)

// WithMaxTopK caps the result count of a single search.
func WithMaxTopK(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxTopK = n
		}
	}
}

// WithHNSWEfSearch sets hnsw.ef_search for vector queries, trading speed
// for recall.
func WithHNSWEfSearch(n int) StoreOption {
	return func(s *Store) {
		s.hnswEfSearch = n
	}
}

// NewStoreWithConnection creates a Store on an existing pool or connection.
// Vector types must be registered on conn (see Connect).
func NewStoreWithConnection(conn pgxIConn, opts ...StoreOption) *Store {
	s := &Store{
		conn:    conn,
		maxTopK: maxTopK,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Connect opens a pool with pgvector types registered on every connection.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgxv5.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
