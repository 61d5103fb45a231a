package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"clinrag/backend/internal/worker"
)

// PostgresRepo owns the sources table plus the chunk audit and tombstone
// tables the ingestion pipeline writes through it.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM sources WHERE content_hash = $1 AND deleted_at IS NULL)`
	err := r.db.QueryRowContext(ctx, query, hash).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PostgresRepo) Save(ctx context.Context, src *Source) error {
	query := `INSERT INTO sources (id, name, pass, version, status, content_hash) VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`
	return r.db.QueryRowContext(ctx, query, src.ID, src.Name, src.Pass, src.Version, src.Status, src.ContentHash).Scan(&src.CreatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Source, error) {
	s := &Source{}
	query := `SELECT id, name, pass, version, status, content_hash, ingested_at, created_at FROM sources WHERE id = $1 AND deleted_at IS NULL`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&s.ID, &s.Name, &s.Pass, &s.Version, &s.Status, &s.ContentHash, &s.IngestedAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepo) List(ctx context.Context) ([]Source, error) {
	query := `SELECT id, name, pass, version, status, content_hash, ingested_at, created_at FROM sources WHERE deleted_at IS NULL ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var s Source
		if err := rows.Scan(&s.ID, &s.Name, &s.Pass, &s.Version, &s.Status, &s.ContentHash, &s.IngestedAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, id, status string) error {
	query := `UPDATE sources SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, status, id)
	return err
}

func (r *PostgresRepo) MarkIngested(ctx context.Context, id string, version int, pass string) error {
	query := `UPDATE sources SET version = $1, pass = $2, ingested_at = NOW(), updated_at = NOW() WHERE id = $3`
	_, err := r.db.ExecContext(ctx, query, version, pass, id)
	return err
}

func (r *PostgresRepo) BumpVersion(ctx context.Context, id string) (int, error) {
	var version int
	query := `UPDATE sources SET version = version + 1, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL RETURNING version`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&version)
	return version, err
}

func (r *PostgresRepo) SoftDelete(ctx context.Context, id string) error {
	query := `UPDATE sources SET deleted_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM sources WHERE deleted_at IS NULL`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

func (r *PostgresRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM sources WHERE deleted_at IS NULL GROUP BY status`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Chunk audit rows.

func (r *PostgresRepo) ListChunks(ctx context.Context, sourceID string, version int) ([]worker.ChunkRecord, error) {
	query := `SELECT chunk_id, source_id, version, pass, chunk_index, content, content_hash, section_path, kind, page_first, page_last, locator, length, created_at
		FROM source_chunks WHERE source_id = $1 AND version = $2 ORDER BY chunk_index`
	rows, err := r.db.QueryContext(ctx, query, sourceID, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []worker.ChunkRecord
	for rows.Next() {
		var rec worker.ChunkRecord
		if err := rows.Scan(&rec.ChunkID, &rec.SourceID, &rec.Version, &rec.Pass, &rec.Index, &rec.Content, &rec.ContentHash, &rec.SectionPath, &rec.Kind, &rec.PageFirst, &rec.PageLast, &rec.Locator, &rec.Length, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresRepo) UpsertChunkRecords(ctx context.Context, records []worker.ChunkRecord) error {
	if len(records) == 0 {
		return nil
	}

	var (
		values []string
		args   []interface{}
	)
	for i, rec := range records {
		base := i * 13
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11, base+12, base+13))
		args = append(args, rec.ChunkID, rec.SourceID, rec.Version, rec.Pass, rec.Index, rec.Content, rec.ContentHash, rec.SectionPath, rec.Kind, rec.PageFirst, rec.PageLast, rec.Locator, rec.Length)
	}

	query := `INSERT INTO source_chunks (chunk_id, source_id, version, pass, chunk_index, content, content_hash, section_path, kind, page_first, page_last, locator, length)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (chunk_id) DO UPDATE SET
			version = EXCLUDED.version,
			pass = EXCLUDED.pass,
			chunk_index = EXCLUDED.chunk_index,
			content = EXCLUDED.content,
			content_hash = EXCLUDED.content_hash,
			section_path = EXCLUDED.section_path,
			kind = EXCLUDED.kind,
			page_first = EXCLUDED.page_first,
			page_last = EXCLUDED.page_last,
			locator = EXCLUDED.locator,
			length = EXCLUDED.length`
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *PostgresRepo) DeleteChunkRecords(ctx context.Context, sourceID string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	query := `DELETE FROM source_chunks WHERE source_id = $1 AND chunk_id = ANY($2)`
	_, err := r.db.ExecContext(ctx, query, sourceID, pq.Array(chunkIDs))
	return err
}

func (r *PostgresRepo) DeleteRecordsBefore(ctx context.Context, sourceID string, beforeVersion int) error {
	query := `DELETE FROM source_chunks WHERE source_id = $1 AND version < $2`
	_, err := r.db.ExecContext(ctx, query, sourceID, beforeVersion)
	return err
}

func (r *PostgresRepo) CountChunks(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM source_chunks`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

// Tombstones.

func (r *PostgresRepo) SaveTombstones(ctx context.Context, sourceID string, entries []worker.Tombstone) error {
	if len(entries) == 0 {
		return nil
	}

	var (
		values []string
		args   []interface{}
	)
	for i, t := range entries {
		base := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
		args = append(args, t.ChunkID, sourceID, t.KeptChunkID, t.Similarity)
	}

	query := `INSERT INTO chunk_tombstones (chunk_id, source_id, kept_chunk_id, similarity)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (chunk_id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *PostgresRepo) ListTombstoned(ctx context.Context, sourceID string) (map[string]bool, error) {
	query := `SELECT chunk_id FROM chunk_tombstones WHERE source_id = $1`
	rows, err := r.db.QueryContext(ctx, query, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tombstoned := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tombstoned[id] = true
	}
	return tombstoned, rows.Err()
}
