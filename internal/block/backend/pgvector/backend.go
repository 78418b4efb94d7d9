// Package pgvector persists blocks in PostgreSQL using the pgvector
// extension's "vector" column type, as a second durable Backend alongside
// sqlitestore for deployments that already run Postgres as their remote
// store.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pq "github.com/lib/pq" // PostgreSQL driver

	"github.com/loomctx/loomctx/internal/backoff"
	"github.com/loomctx/loomctx/internal/block/backend"
	"github.com/loomctx/loomctx/internal/errs"
	"github.com/loomctx/loomctx/pkg/models"
)

// Backend implements backend.Backend on top of PostgreSQL + pgvector.
type Backend struct {
	db        *sql.DB
	dimension int
	ownsDB    bool
}

// Config configures a pgvector Backend.
type Config struct {
	// DSN is the PostgreSQL connection string. Ignored if DB is set.
	DSN string

	// DB reuses an existing connection; the Backend will not close it.
	DB *sql.DB

	// Dimension is the embedding length the "vector(N)" column is created
	// with. Required unless DB already points at an existing table.
	Dimension int
}

// New opens (and, unless DB was supplied, pings) a pgvector-backed Backend,
// creating the vector extension, its table, and its user/session/kind
// indexes if they don't already exist.
func New(cfg Config) (*Backend, error) {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536 // OpenAI text-embedding-3-small's width
	}

	var db *sql.DB
	var ownsDB bool
	if cfg.DB != nil {
		db = cfg.DB
	} else {
		if cfg.DSN == "" {
			return nil, errs.Config("pgvector.New", fmt.Errorf("either DSN or DB must be provided"))
		}
		var err error
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, errs.Storage("pgvector.New", fmt.Errorf("open database: %w", err))
		}
		ownsDB = true

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, errs.Storage("pgvector.New", fmt.Errorf("ping database: %w", err))
		}
	}

	b := &Backend{db: db, dimension: cfg.Dimension, ownsDB: ownsDB}
	if err := b.init(cfg.Dimension); err != nil {
		if ownsDB {
			db.Close()
		}
		return nil, err
	}
	return b, nil
}

func (b *Backend) init(dimension int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS blocks (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT,
			content_type TEXT NOT NULL,
			content_text TEXT,
			content_json JSONB,
			content_mime TEXT,
			content_data BYTEA,
			refs JSONB,
			tags JSONB,
			properties JSONB,
			embedding vector(%d),
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, dimension),
		`CREATE INDEX IF NOT EXISTS idx_blocks_user ON blocks(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_session ON blocks(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_kind ON blocks(kind)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return errs.Storage("pgvector.init", fmt.Errorf("exec %q: %w", stmt, err))
		}
	}
	return nil
}

// Put inserts or replaces a block by ID, retrying the write once, after a
// backoff delay, if it fails.
func (b *Backend) Put(ctx context.Context, blk *models.Block) error {
	refs, err := json.Marshal(blk.Refs)
	if err != nil {
		return errs.Storage("pgvector.Put", err)
	}
	tags, err := json.Marshal(blk.Tags)
	if err != nil {
		return errs.Storage("pgvector.Put", err)
	}
	props, err := json.Marshal(blk.Properties)
	if err != nil {
		return errs.Storage("pgvector.Put", err)
	}

	var contentJSON any
	if len(blk.Content.JSON) > 0 {
		contentJSON = string(blk.Content.JSON)
	}

	_, err = backoff.Retry(ctx, backoff.AggressivePolicy(), 2, func(_ int) (struct{}, error) {
		_, execErr := b.db.ExecContext(ctx, `
			INSERT INTO blocks
				(id, kind, user_id, session_id, content_type, content_text, content_json,
				 content_mime, content_data, refs, tags, properties, embedding, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO UPDATE SET
				kind = EXCLUDED.kind,
				user_id = EXCLUDED.user_id,
				session_id = EXCLUDED.session_id,
				content_type = EXCLUDED.content_type,
				content_text = EXCLUDED.content_text,
				content_json = EXCLUDED.content_json,
				content_mime = EXCLUDED.content_mime,
				content_data = EXCLUDED.content_data,
				refs = EXCLUDED.refs,
				tags = EXCLUDED.tags,
				properties = EXCLUDED.properties,
				embedding = EXCLUDED.embedding,
				updated_at = EXCLUDED.updated_at
		`,
			blk.ID, string(blk.Kind), blk.UserID, nullString(blk.SessionID),
			string(blk.Content.Type), nullString(blk.Content.Text), contentJSON,
			nullString(blk.Content.MIME), blk.Content.Data,
			string(refs), string(tags), string(props),
			encodeEmbedding(blk.Embedding), blk.CreatedAt, blk.UpdatedAt,
		)
		return struct{}{}, execErr
	})
	if err != nil {
		return errs.Storage("pgvector.Put", err)
	}
	return nil
}

const selectColumns = `id, kind, user_id, session_id, content_type, content_text, content_json,
	content_mime, content_data, refs, tags, properties, embedding, created_at, updated_at`

// Get fetches a single block by ID.
func (b *Backend) Get(ctx context.Context, id string) (*models.Block, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM blocks WHERE id = $1", id)
	blk, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("pgvector.Get")
	}
	if err != nil {
		return nil, errs.Storage("pgvector.Get", err)
	}
	return blk, nil
}

// Delete removes a block by ID; deleting an absent ID is not an error.
func (b *Backend) Delete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, "DELETE FROM blocks WHERE id = $1", id); err != nil {
		return errs.Storage("pgvector.Delete", err)
	}
	return nil
}

// Scan returns every block matching opts' scalar filters. Vector ranking
// and keyword filtering happen above this layer, in the Query Engine —
// same division of labor as sqlitestore and memstore.
func (b *Backend) Scan(ctx context.Context, opts backend.ScanOptions) ([]*models.Block, error) {
	query, args := scanQuery("SELECT "+selectColumns+" FROM blocks", opts)
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("pgvector.Scan", err)
	}
	defer rows.Close()

	var out []*models.Block
	for rows.Next() {
		blk, err := scanBlock(rows)
		if err != nil {
			return nil, errs.Storage("pgvector.Scan", err)
		}
		out = append(out, blk)
	}
	return out, rows.Err()
}

// Count returns the number of blocks matching opts.
func (b *Backend) Count(ctx context.Context, opts backend.ScanOptions) (int64, error) {
	query, args := scanQuery("SELECT COUNT(*) FROM blocks", opts)
	var count int64
	if err := b.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, errs.Storage("pgvector.Count", err)
	}
	return count, nil
}

func scanQuery(base string, opts backend.ScanOptions) (string, []any) {
	query := base + " WHERE 1=1"
	var args []any
	n := 1
	if opts.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", n)
		args = append(args, opts.UserID)
		n++
	}
	if opts.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", n)
		args = append(args, opts.SessionID)
		n++
	}
	if len(opts.Kinds) > 0 {
		kinds := make([]string, len(opts.Kinds))
		for i, k := range opts.Kinds {
			kinds[i] = string(k)
		}
		query += fmt.Sprintf(" AND kind = ANY($%d)", n)
		args = append(args, pq.Array(kinds))
		n++
	}
	return query, args
}

// Compact runs VACUUM ANALYZE against the blocks table.
func (b *Backend) Compact(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, "VACUUM ANALYZE blocks"); err != nil {
		return errs.Storage("pgvector.Compact", err)
	}
	return nil
}

// Close releases the underlying database handle, if this Backend opened it.
func (b *Backend) Close() error {
	if b.ownsDB && b.db != nil {
		return b.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(row scanner) (*models.Block, error) {
	var blk models.Block
	var sessionID, contentText, contentMIME sql.NullString
	var contentType string
	var contentJSON sql.NullString
	var contentData []byte
	var refsJSON, tagsJSON, propsJSON sql.NullString
	var embeddingStr sql.NullString

	err := row.Scan(
		&blk.ID, &blk.Kind, &blk.UserID, &sessionID,
		&contentType, &contentText, &contentJSON, &contentMIME, &contentData,
		&refsJSON, &tagsJSON, &propsJSON,
		&embeddingStr, &blk.CreatedAt, &blk.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	blk.SessionID = sessionID.String
	blk.Content = models.Content{
		Type: models.ContentType(contentType),
		Text: contentText.String,
		MIME: contentMIME.String,
		Data: contentData,
	}
	if contentJSON.Valid && contentJSON.String != "" {
		blk.Content.JSON = json.RawMessage(contentJSON.String)
	}
	if refsJSON.Valid && refsJSON.String != "" {
		if err := json.Unmarshal([]byte(refsJSON.String), &blk.Refs); err != nil {
			return nil, err
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &blk.Tags); err != nil {
			return nil, err
		}
	}
	if propsJSON.Valid && propsJSON.String != "" && propsJSON.String != "null" {
		if err := json.Unmarshal([]byte(propsJSON.String), &blk.Properties); err != nil {
			return nil, err
		}
	}
	if embeddingStr.Valid {
		blk.Embedding = decodeEmbedding(embeddingStr.String)
	}

	return &blk, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// encodeEmbedding renders a vector in pgvector's text input format:
// "[0.1,0.2,...]". A nil/empty embedding stores as SQL NULL.
func encodeEmbedding(embedding []float32) sql.NullString {
	if len(embedding) == 0 {
		return sql.NullString{}
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sql.NullString{String: sb.String(), Valid: true}
}

// decodeEmbedding reverses encodeEmbedding.
func decodeEmbedding(s string) []float32 {
	s = strings.TrimPrefix(strings.TrimSpace(s), "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%f", &f); err != nil {
			return nil
		}
		out[i] = float32(f)
	}
	return out
}
