//go:build sqlitevec

package store

import (
	"context"
	"database/sql"
	"fmt"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver, required by sqlite-vec
)

const sqliteDriver = "sqlite3"

func init() {
	sqlite_vec.Auto()
}

// ensureVecSchema lazily creates the vec0 virtual table once the embedding
// dimension is known (first Put). vec0 requires integer rowids, so a mapping
// table correlates them with memory IDs. If the extension is unavailable the
// store silently falls back to the linear candidate scan.
func (s *SQLiteStore) ensureVecSchema(ctx context.Context, dimensions int) error {
	var vecVersion string
	if err := s.db.QueryRowContext(ctx, `SELECT vec_version()`).Scan(&vecVersion); err != nil {
		return fmt.Errorf("vec_version(): %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS embedding_vec_ids (
		vec_id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id TEXT UNIQUE NOT NULL
	)`); err != nil {
		return fmt.Errorf("create vec id mapping: %w", err)
	}

	createSQL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS embedding_vec_idx USING vec0(embedding float[%d] distance_metric=cosine)`,
		dimensions)
	if _, err := s.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("create vec0 table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) annPut(ctx context.Context, memoryID string, vector []float32) error {
	if err := s.ensureVecSchema(ctx, len(vector)); err != nil {
		// ANN is an accelerator, not a correctness requirement.
		return nil
	}

	var vecID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT vec_id FROM embedding_vec_ids WHERE memory_id = ?`, memoryID).Scan(&vecID)
	if err == sql.ErrNoRows {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO embedding_vec_ids (memory_id) VALUES (?)`, memoryID)
		if err != nil {
			return fmt.Errorf("insert vec id: %w", err)
		}
		vecID, _ = res.LastInsertId()
	} else if err != nil {
		return fmt.Errorf("look up vec id: %w", err)
	}

	serialized, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return fmt.Errorf("serialize vector: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO embedding_vec_idx (rowid, embedding) VALUES (?, ?)`,
		vecID, serialized); err != nil {
		return fmt.Errorf("index vector: %w", err)
	}
	return nil
}

func (s *SQLiteStore) annDelete(ctx context.Context, memoryID string) error {
	var vecID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT vec_id FROM embedding_vec_ids WHERE memory_id = ?`, memoryID).Scan(&vecID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up vec id: %w", err)
	}
	s.db.ExecContext(ctx, `DELETE FROM embedding_vec_idx WHERE rowid = ?`, vecID)
	s.db.ExecContext(ctx, `DELETE FROM embedding_vec_ids WHERE vec_id = ?`, vecID)
	return nil
}

func (s *SQLiteStore) annMemoryIDs(ctx context.Context, query []float32, limit int) ([]string, bool) {
	if len(query) == 0 {
		return nil, false
	}
	serialized, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, false
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.memory_id
		FROM embedding_vec_idx v
		JOIN embedding_vec_ids m ON m.vec_id = v.rowid
		WHERE v.embedding MATCH ? AND v.k = ?
		ORDER BY v.distance`,
		serialized, limit)
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, false
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, false
	}
	return ids, true
}
