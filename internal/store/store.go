// Package store is the Postgres persistence layer: structured facts,
// embedded document chunks (pgvector), and append-only feedback records.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/haniae/Team2-CBA-Project-sub005/config"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/feedback"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/temporal"
)

type Store struct {
	DB *sql.DB
}

// New opens a Postgres connection from config and verifies it.
func New(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// Facts implements retrieval.FactStore. An empty entity list matches all
// entities; the time filter narrows by fiscal year when it names any.
func (s *Store) Facts(ctx context.Context, entityKeys, metrics []string, tf temporal.Filter, limit int) ([]retrieval.Fact, error) {
	if len(metrics) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	query := `
SELECT entity_key, metric, value, unit, fiscal_year, document_id, locator
FROM facts
WHERE metric = ANY($1)`
	args := []interface{}{pq.Array(metrics)}
	if len(entityKeys) > 0 {
		args = append(args, pq.Array(entityKeys))
		query += fmt.Sprintf(" AND entity_key = ANY($%d)", len(args))
	}
	if years := tf.Years(); len(years) > 0 {
		args = append(args, pq.Array(years))
		query += fmt.Sprintf(" AND fiscal_year = ANY($%d)", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY entity_key, metric, fiscal_year DESC LIMIT $%d", len(args))

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var out []retrieval.Fact
	for rows.Next() {
		var (
			f       retrieval.Fact
			unit    sql.NullString
			docID   sql.NullString
			locator sql.NullString
		)
		if err := rows.Scan(&f.EntityKey, &f.Metric, &f.Value, &unit, &f.FiscalYear, &docID, &locator); err != nil {
			return nil, err
		}
		f.Unit = unit.String
		f.Provenance = retrieval.Provenance{DocumentID: docID.String, Locator: locator.String}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Search implements retrieval.VectorIndex over the chunks table. Cosine
// distance is converted to a similarity score so greater is better, like
// every other score in the pipeline.
func (s *Store) Search(ctx context.Context, vector []float32, filter retrieval.MetadataFilter, limit int) ([]retrieval.Hit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if limit <= 0 {
		limit = 10
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}

	query := `
SELECT id, text, entity_key, section, collection, fiscal_year, document_id, locator, url,
       1 - (embedding <=> $1::vector) AS score
FROM chunks
WHERE embedding IS NOT NULL`
	args := []interface{}{vecLiteral}
	if len(filter.EntityKeys) > 0 {
		args = append(args, pq.Array(filter.EntityKeys))
		query += fmt.Sprintf(" AND entity_key = ANY($%d)", len(args))
	}
	if len(filter.Collections) > 0 {
		args = append(args, pq.Array(filter.Collections))
		query += fmt.Sprintf(" AND collection = ANY($%d)", len(args))
	}
	if years := filter.Time.Years(); len(years) > 0 {
		args = append(args, pq.Array(years))
		query += fmt.Sprintf(" AND (fiscal_year = 0 OR fiscal_year = ANY($%d))", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY embedding <=> $1::vector LIMIT $%d", len(args))

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []retrieval.Hit
	for rows.Next() {
		var (
			h          retrieval.Hit
			fiscalYear int
			docID      sql.NullString
			locator    sql.NullString
			url        sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.Text, &h.EntityKey, &h.Section, &h.Collection, &fiscalYear, &docID, &locator, &url, &h.Score); err != nil {
			return nil, err
		}
		h.Period = temporal.Period{FiscalYear: fiscalYear}
		h.Provenance = retrieval.Provenance{DocumentID: docID.String, Locator: locator.String, URL: url.String}
		out = append(out, h)
	}
	return out, rows.Err()
}

// InsertFact stores one structured fact, replacing any existing value for
// the same entity, metric and fiscal year.
func (s *Store) InsertFact(ctx context.Context, f retrieval.Fact) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO facts (entity_key, metric, value, unit, fiscal_year, document_id, locator)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (entity_key, metric, fiscal_year)
DO UPDATE SET value = EXCLUDED.value, unit = EXCLUDED.unit,
              document_id = EXCLUDED.document_id, locator = EXCLUDED.locator`,
		f.EntityKey, f.Metric, f.Value, f.Unit, f.FiscalYear, f.Provenance.DocumentID, f.Provenance.Locator)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

// UpsertChunk stores one document chunk with its embedding.
func (s *Store) UpsertChunk(ctx context.Context, c retrieval.Chunk, vector []float32) error {
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO chunks (id, text, entity_key, section, collection, fiscal_year, document_id, locator, url, embedding)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::vector)
ON CONFLICT (id)
DO UPDATE SET text = EXCLUDED.text, entity_key = EXCLUDED.entity_key,
              section = EXCLUDED.section, collection = EXCLUDED.collection,
              fiscal_year = EXCLUDED.fiscal_year, document_id = EXCLUDED.document_id,
              locator = EXCLUDED.locator, url = EXCLUDED.url, embedding = EXCLUDED.embedding`,
		c.ID, c.Text, c.EntityKey, c.Section, c.Collection, c.Period.FiscalYear,
		c.Provenance.DocumentID, c.Provenance.Locator, c.Provenance.URL, vecLiteral)
	if err != nil {
		return fmt.Errorf("upsert chunk: %w", err)
	}
	return nil
}

// AppendFeedback implements feedback.Store. Inserts only; the table has no
// update path.
func (s *Store) AppendFeedback(ctx context.Context, rec feedback.Record) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO feedback (id, query_id, verdict, source_kinds, comment, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.ID, rec.QueryID, rec.Verdict, pq.Array(rec.SourceKinds), rec.Comment, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append feedback: %w", err)
	}
	return nil
}

// SaveWeightSnapshot implements feedback.SnapshotStore. Each calibration
// pass appends a row; the latest row is the live weight table.
func (s *Store) SaveWeightSnapshot(ctx context.Context, weights map[retrieval.SourceKind]float64) error {
	raw, err := json.Marshal(weights)
	if err != nil {
		return fmt.Errorf("encode weight snapshot: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx, `
INSERT INTO weight_snapshots (weights) VALUES ($1)`, raw); err != nil {
		return fmt.Errorf("save weight snapshot: %w", err)
	}
	return nil
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}
