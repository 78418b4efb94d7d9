// Package sqlitestore persists blocks in a SQLite database via the pure-Go
// modernc.org/sqlite driver. Vector ranking has no native index here (no
// vec0/ANN extension is loaded); VectorSearch callers are expected to use
// Scan and rank in process, same as memstore.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/loomctx/loomctx/internal/backoff"
	"github.com/loomctx/loomctx/internal/block/backend"
	"github.com/loomctx/loomctx/internal/errs"
	"github.com/loomctx/loomctx/pkg/models"
)

// Backend implements backend.Backend on top of a SQLite database.
type Backend struct {
	db        *sql.DB
	dimension int
}

// Config configures a sqlitestore Backend.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral store.
	Path string
	// Dimension is the configured embedding length. Stored embeddings are
	// not checked against it.
	Dimension int
}

// New opens (creating if necessary) a SQLite-backed Backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, errs.Storage("sqlitestore.New", err)
	}

	b := &Backend{db: db, dimension: cfg.Dimension}
	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) init() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS blocks (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT,
			content_type TEXT NOT NULL,
			content_text TEXT,
			content_json TEXT,
			content_mime TEXT,
			content_data BLOB,
			refs TEXT,
			tags TEXT,
			properties TEXT,
			embedding BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return errs.Storage("sqlitestore.init", fmt.Errorf("create blocks table: %w", err))
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_blocks_user ON blocks(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_blocks_session ON blocks(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_blocks_kind ON blocks(kind)",
		"CREATE INDEX IF NOT EXISTS idx_blocks_created ON blocks(created_at)",
	}
	for _, idx := range indexes {
		if _, err := b.db.Exec(idx); err != nil {
			return errs.Storage("sqlitestore.init", fmt.Errorf("create index: %w", err))
		}
	}
	return nil
}

// Put inserts or replaces a block by ID, retrying the write once, after a
// backoff delay, if it fails.
func (b *Backend) Put(ctx context.Context, blk *models.Block) error {
	if blk.ID == "" {
		blk.ID = uuid.New().String()
	}

	refs, err := json.Marshal(blk.Refs)
	if err != nil {
		return errs.Storage("sqlitestore.Put", err)
	}
	tags, err := json.Marshal(blk.Tags)
	if err != nil {
		return errs.Storage("sqlitestore.Put", err)
	}
	props, err := json.Marshal(blk.Properties)
	if err != nil {
		return errs.Storage("sqlitestore.Put", err)
	}

	_, err = backoff.Retry(ctx, backoff.AggressivePolicy(), 2, func(_ int) (struct{}, error) {
		_, execErr := b.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO blocks
				(id, kind, user_id, session_id, content_type, content_text, content_json,
				 content_mime, content_data, refs, tags, properties, embedding, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			blk.ID, string(blk.Kind), blk.UserID, nullString(blk.SessionID),
			string(blk.Content.Type), blk.Content.Text, string(blk.Content.JSON),
			blk.Content.MIME, blk.Content.Data,
			string(refs), string(tags), string(props),
			encodeEmbedding(blk.Embedding), blk.CreatedAt, blk.UpdatedAt,
		)
		return struct{}{}, execErr
	})
	if err != nil {
		return errs.Storage("sqlitestore.Put", err)
	}
	return nil
}

// Get fetches a single block by ID.
func (b *Backend) Get(ctx context.Context, id string) (*models.Block, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM blocks WHERE id = ?", id)
	blk, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("sqlitestore.Get")
	}
	if err != nil {
		return nil, errs.Storage("sqlitestore.Get", err)
	}
	return blk, nil
}

// Delete removes a block by ID; deleting an absent ID is not an error.
func (b *Backend) Delete(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM blocks WHERE id = ?", id)
	if err != nil {
		return errs.Storage("sqlitestore.Delete", err)
	}
	return nil
}

const selectColumns = `id, kind, user_id, session_id, content_type, content_text, content_json,
	content_mime, content_data, refs, tags, properties, embedding, created_at, updated_at`

// Scan returns every block matching opts' scalar filters.
func (b *Backend) Scan(ctx context.Context, opts backend.ScanOptions) ([]*models.Block, error) {
	query := "SELECT " + selectColumns + " FROM blocks WHERE 1=1"
	var args []any

	if opts.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, opts.UserID)
	}
	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if len(opts.Kinds) > 0 {
		query += " AND kind IN (" + placeholders(len(opts.Kinds)) + ")"
		for _, k := range opts.Kinds {
			args = append(args, string(k))
		}
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("sqlitestore.Scan", err)
	}
	defer rows.Close()

	var out []*models.Block
	for rows.Next() {
		blk, err := scanBlock(rows)
		if err != nil {
			return nil, errs.Storage("sqlitestore.Scan", err)
		}
		out = append(out, blk)
	}
	return out, rows.Err()
}

// Count returns the number of blocks matching opts.
func (b *Backend) Count(ctx context.Context, opts backend.ScanOptions) (int64, error) {
	query := "SELECT COUNT(*) FROM blocks WHERE 1=1"
	var args []any
	if opts.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, opts.UserID)
	}
	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if len(opts.Kinds) > 0 {
		query += " AND kind IN (" + placeholders(len(opts.Kinds)) + ")"
		for _, k := range opts.Kinds {
			args = append(args, string(k))
		}
	}

	var count int64
	err := b.db.QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, errs.Storage("sqlitestore.Count", err)
	}
	return count, nil
}

// Compact runs VACUUM against the database.
func (b *Backend) Compact(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, "VACUUM")
	if err != nil {
		return errs.Storage("sqlitestore.Compact", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (b *Backend) Close() error {
	return b.db.Close()
}

func placeholders(n int) string {
	s := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			s = append(s, ',')
		}
		s = append(s, '?')
	}
	return string(s)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(row scanner) (*models.Block, error) {
	var blk models.Block
	var sessionID sql.NullString
	var contentType, contentText, contentJSON, contentMIME string
	var contentData, embeddingBlob []byte
	var refsJSON, tagsJSON, propsJSON string

	err := row.Scan(
		&blk.ID, &blk.Kind, &blk.UserID, &sessionID,
		&contentType, &contentText, &contentJSON, &contentMIME, &contentData,
		&refsJSON, &tagsJSON, &propsJSON,
		&embeddingBlob, &blk.CreatedAt, &blk.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	blk.SessionID = sessionID.String
	blk.Content = models.Content{
		Type: models.ContentType(contentType),
		Text: contentText,
		MIME: contentMIME,
		Data: contentData,
	}
	if contentJSON != "" {
		blk.Content.JSON = json.RawMessage(contentJSON)
	}
	if refsJSON != "" {
		if err := json.Unmarshal([]byte(refsJSON), &blk.Refs); err != nil {
			return nil, err
		}
	}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &blk.Tags); err != nil {
			return nil, err
		}
	}
	if propsJSON != "" && propsJSON != "null" {
		if err := json.Unmarshal([]byte(propsJSON), &blk.Properties); err != nil {
			return nil, err
		}
	}
	blk.Embedding = decodeEmbedding(embeddingBlob)

	return &blk, nil
}

// encodeEmbedding packs a []float32 into its IEEE-754 little-endian byte
// representation for BLOB storage.
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

// decodeEmbedding reverses encodeEmbedding.
func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}
