package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Put adds or replaces the embedding for (MemoryID, Model).
func (s *SQLiteStore) Put(ctx context.Context, emb StoredEmbedding) error {
	if emb.MemoryID == "" {
		return fmt.Errorf("embedding memory id cannot be empty")
	}
	if len(emb.Vector) == 0 {
		return fmt.Errorf("embedding vector cannot be empty")
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}

	created := emb.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memory_embeddings (memory_id, model, embedding, project_id, user_id, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		emb.MemoryID, emb.Model, encodeVector(emb.Vector), emb.ProjectID, emb.UserID, emb.ExpiresAt, created)
	if err != nil {
		return fmt.Errorf("put embedding: %w", err)
	}
	return s.annPut(ctx, emb.MemoryID, emb.Vector)
}

// Delete removes all embeddings for the memory.
func (s *SQLiteStore) Delete(ctx context.Context, memoryID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_embeddings WHERE memory_id = ?`, memoryID); err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	return s.annDelete(ctx, memoryID)
}

// Candidates returns visibility-scoped embedding candidates: same model, same
// project scope or global, matching or absent user scope, not expired. When
// the ANN index is available it pre-ranks the scan; otherwise recency orders
// the candidates and the similarity engine recomputes exact scores.
func (s *SQLiteStore) Candidates(ctx context.Context, query []float32, scope CandidateScope) ([]StoredEmbedding, error) {
	now := scope.Now
	if now.IsZero() {
		now = time.Now()
	}
	limit := scope.Limit
	if limit <= 0 {
		limit = 50
	}

	if ids, ok := s.annMemoryIDs(ctx, query, limit*2); ok && len(ids) > 0 {
		return s.candidatesByIDs(ctx, ids, scope, now, limit)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, model, embedding, project_id, user_id, expires_at, created_at
		FROM memory_embeddings
		WHERE model = ?
		  AND (project_id = ? OR project_id = '')
		  AND (user_id = ? OR user_id = '')
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC
		LIMIT ?`,
		scope.Model, scope.ProjectID, scope.UserID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query embedding candidates: %w", err)
	}
	defer rows.Close()
	return scanEmbeddings(rows)
}

func (s *SQLiteStore) candidatesByIDs(ctx context.Context, ids []string, scope CandidateScope, now time.Time, limit int) ([]StoredEmbedding, error) {
	q := fmt.Sprintf(`
		SELECT memory_id, model, embedding, project_id, user_id, expires_at, created_at
		FROM memory_embeddings
		WHERE memory_id IN (%s)
		  AND model = ?
		  AND (project_id = ? OR project_id = '')
		  AND (user_id = ? OR user_id = '')
		  AND (expires_at IS NULL OR expires_at > ?)
		LIMIT ?`, placeholders(len(ids)))
	args := append(toAnySlice(ids), scope.Model, scope.ProjectID, scope.UserID, now, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query embedding candidates: %w", err)
	}
	defer rows.Close()
	return scanEmbeddings(rows)
}

func scanEmbeddings(rows *sql.Rows) ([]StoredEmbedding, error) {
	var out []StoredEmbedding
	for rows.Next() {
		var e StoredEmbedding
		var blob []byte
		var expires sql.NullTime
		if err := rows.Scan(&e.MemoryID, &e.Model, &blob, &e.ProjectID, &e.UserID, &expires, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		e.Vector = decodeVector(blob)
		if expires.Valid {
			t := expires.Time
			e.ExpiresAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
