// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pgvector/pgvector-go"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig mirrors the teacher's database.Config shape (host,
// port, credentials, pool bounds) applied to the Postgres/pgvector
// store spec §6's POSTGRES_* env vars call for.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MinConns int32
	MaxConns int32

	// QueryTimeout bounds every individual search call (spec §4.4:
	// "queries run with a per-query deadline").
	QueryTimeout time.Duration
}

func (c PostgresConfig) dsn() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// PostgresVectorStore implements VectorStore (C3) over Postgres with
// the pgvector and pg_trgm extensions: pgvector-backed HNSW cosine
// search for SearchDense, pg_trgm similarity() for SearchSparse.
//
// # Thread Safety
//
// Safe for concurrent use; all access goes through the pooled
// *pgxpool.Pool, which is itself safe for concurrent use.
type PostgresVectorStore struct {
	pool   *pgxpool.Pool
	cfg    PostgresConfig
	sparse bool // ENABLE_KEYWORD_SEARCH

	mu          sync.Mutex
	dim         int
	indexBuilt  bool
}

// NewPostgresVectorStore opens a pooled connection, runs embedded
// migrations, and returns a ready store. enableSparse mirrors
// ENABLE_KEYWORD_SEARCH (spec §6); when false, SearchSparse always
// reports ErrSparseUnsupported so hybrid retrieval degrades to
// dense-only per spec §4.4/property 7.
func NewPostgresVectorStore(ctx context.Context, cfg PostgresConfig, enableSparse bool) (*PostgresVectorStore, error) {
	if err := runMigrations(cfg); err != nil {
		return nil, fmt.Errorf("retrieval: migration failed: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("retrieval: parse pool config: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("retrieval: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("retrieval: ping: %w", err)
	}

	return &PostgresVectorStore{pool: pool, cfg: cfg, sparse: enableSparse}, nil
}

// runMigrations applies the embedded schema using database/sql over
// the registered pgx stdlib driver, the same embed.FS + golang-migrate
// idiom the Postgres-backed example in the pack uses.
func runMigrations(cfg PostgresConfig) error {
	db, err := stdsql.Open("pgx", cfg.dsn())
	if err != nil {
		return err
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// EnsureVectorIndex builds the HNSW cosine-distance index once the
// embedding dimension is known. Safe to call repeatedly; it only
// builds the index once per process.
func (s *PostgresVectorStore) EnsureVectorIndex(ctx context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexBuilt {
		return nil
	}
	s.dim = dim

	// The migration leaves embedding without a dimension; HNSW needs one.
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`ALTER TABLE chunks ALTER COLUMN embedding TYPE vector(%d)`, dim)); err != nil {
		return fmt.Errorf("retrieval: set embedding dimension: %w", err)
	}

	_, err := s.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS chunks_embedding_hnsw_idx
		 ON chunks USING hnsw (embedding vector_cosine_ops)`)
	if err != nil {
		return fmt.Errorf("retrieval: build hnsw index: %w", err)
	}
	s.indexBuilt = true
	return nil
}

func (s *PostgresVectorStore) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.QueryTimeout)
}

func (s *PostgresVectorStore) SearchDense(ctx context.Context, vector []float32, k int) ([]DenseResult, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id, chunk_text, source_document, chapter_title, section_title,
		        subsections, summary, token_count,
		        1 - (embedding <=> $1) AS similarity
		 FROM chunks
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("retrieval: dense search: %w", err)
	}
	defer rows.Close()

	var out []DenseResult
	for rows.Next() {
		var c Chunk
		var similarity float64
		if err := rows.Scan(&c.ID, &c.Text, &c.SourceDocument, &c.ChapterTitle, &c.SectionTitle,
			&c.Subsections, &c.Summary, &c.TokenCount, &similarity); err != nil {
			return nil, err
		}
		out = append(out, DenseResult{Chunk: c, Similarity: similarity})
	}
	return out, rows.Err()
}

func (s *PostgresVectorStore) SearchSparse(ctx context.Context, text string, k int, threshold float64) ([]SparseResult, error) {
	if !s.sparse {
		return nil, ErrSparseUnsupported
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT id, chunk_text, source_document, chapter_title, section_title,
		        subsections, summary, token_count,
		        similarity(chunk_text, $1) AS sim
		 FROM chunks
		 WHERE similarity(chunk_text, $1) > $2
		 ORDER BY sim DESC
		 LIMIT $3`,
		text, threshold, k)
	if err != nil {
		return nil, fmt.Errorf("retrieval: sparse search: %w", err)
	}
	defer rows.Close()

	var out []SparseResult
	for rows.Next() {
		var c Chunk
		var sim float64
		if err := rows.Scan(&c.ID, &c.Text, &c.SourceDocument, &c.ChapterTitle, &c.SectionTitle,
			&c.Subsections, &c.Summary, &c.TokenCount, &sim); err != nil {
			return nil, err
		}
		out = append(out, SparseResult{Chunk: c, Similarity: sim})
	}
	return out, rows.Err()
}

func (s *PostgresVectorStore) Upsert(ctx context.Context, chunk Chunk, embedding []float32) error {
	return s.BatchUpsert(ctx, []Chunk{chunk}, [][]float32{embedding})
}

func (s *PostgresVectorStore) BatchUpsert(ctx context.Context, chunks []Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("retrieval: chunks/embeddings length mismatch (%d vs %d)", len(chunks), len(embeddings))
	}
	if len(chunks) == 0 {
		return nil
	}

	if err := s.EnsureVectorIndex(ctx, len(embeddings[0])); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for i, c := range chunks {
		batch.Queue(
			`INSERT INTO chunks (id, chunk_text, source_document, chapter_title, section_title,
			                      subsections, summary, token_count, embedding, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
			 ON CONFLICT (id) DO UPDATE SET
			     chunk_text = EXCLUDED.chunk_text,
			     source_document = EXCLUDED.source_document,
			     chapter_title = EXCLUDED.chapter_title,
			     section_title = EXCLUDED.section_title,
			     subsections = EXCLUDED.subsections,
			     summary = EXCLUDED.summary,
			     token_count = EXCLUDED.token_count,
			     embedding = EXCLUDED.embedding,
			     updated_at = now()`,
			c.ID, c.Text, c.SourceDocument, c.ChapterTitle, c.SectionTitle,
			c.Subsections, c.Summary, c.TokenCount, pgvector.NewVector(embeddings[i]))
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("retrieval: batch upsert: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresVectorStore) Close() {
	s.pool.Close()
}
