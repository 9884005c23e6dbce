/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vectorstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/llm-d/llm-d-retro/pkg/utils"
)

// PostgresConfig holds the configuration for the PostgresStore.
type PostgresConfig struct {
	// DSN is the Postgres connection string.
	DSN string `json:"dsn"`
}

// Vector is a pgvector value.
type Vector []float32

var (
	_ driver.Valuer = Vector{}
	_ sql.Scanner   = (*Vector)(nil)
)

// Value encodes the vector in pgvector text form, e.g. "[1,2,3]".
func (v Vector) Value() (driver.Value, error) {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	sb.WriteByte(']')

	return sb.String(), nil
}

// Scan decodes the pgvector text form.
func (v *Vector) Scan(src any) error {
	var s string
	switch t := src.(type) {
	case nil:
		*v = nil
		return nil
	case []byte:
		s = string(t)
	case string:
		s = t
	default:
		return fmt.Errorf("cannot scan %T into Vector", src)
	}

	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if s == "" {
		*v = Vector{}
		return nil
	}

	parts := strings.Split(s, ",")
	out := make(Vector, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("malformed vector component %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	*v = out

	return nil
}

type chunkRow struct {
	bun.BaseModel `bun:"table:retro_chunks"`

	Offset     int     `bun:"chunk_offset,pk"`
	Text       string  `bun:"text,notnull"`
	Embedding  Vector  `bun:"embedding,type:vector"`
	Similarity float32 `bun:"similarity,scanonly"`
}

// PostgresStore implements Store on Postgres with the pgvector extension,
// ranking by cosine distance.
type PostgresStore struct {
	db *bun.DB
}

var _ Store = &PostgresStore{}

// NewPostgresStore connects and ensures the extension and table exist.
func NewPostgresStore(ctx context.Context, cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return nil, fmt.Errorf("failed to enable pgvector: %w", err)
	}

	if _, err := db.NewCreateTable().Model((*chunkRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create chunks table: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// DB returns the underlying database handle.
func (s *PostgresStore) DB() *bun.DB {
	return s.db
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Add upserts documents.
func (s *PostgresStore) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	rows := utils.SliceMap(docs, func(doc Document) chunkRow {
		return chunkRow{Offset: doc.Offset, Text: doc.Text, Embedding: Vector(doc.Embedding)}
	})

	_, err := s.db.NewInsert().Model(&rows).
		On("CONFLICT (chunk_offset) DO UPDATE").
		Set("text = EXCLUDED.text").
		Set("embedding = EXCLUDED.embedding").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	return nil
}

// Query returns up to k documents most similar to embedding.
func (s *PostgresStore) Query(ctx context.Context, embedding []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	vec := Vector(embedding)
	var rows []chunkRow
	err := s.db.NewSelect().Model(&rows).
		Column("chunk_offset").
		ColumnExpr("1 - (embedding <=> ?) AS similarity", vec).
		OrderExpr("embedding <=> ?", vec).
		OrderExpr("chunk_offset ASC").
		Limit(k).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}

	matches := utils.SliceMap(rows, func(r chunkRow) Match {
		return Match{Offset: r.Offset, Similarity: r.Similarity}
	})
	sortMatches(matches)

	return matches, nil
}

// Count returns the number of indexed documents.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	n, err := s.db.NewSelect().Model((*chunkRow)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}

	return n, nil
}
