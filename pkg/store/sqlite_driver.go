//go:build !sqlitevec

package store

import (
	"context"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const sqliteDriver = "sqlite"

// Without the sqlitevec build tag there is no ANN index; the candidate scan
// falls back to the scoped recency query.
func (s *SQLiteStore) annPut(ctx context.Context, memoryID string, vector []float32) error {
	return nil
}

func (s *SQLiteStore) annDelete(ctx context.Context, memoryID string) error {
	return nil
}

func (s *SQLiteStore) annMemoryIDs(ctx context.Context, query []float32, limit int) ([]string, bool) {
	return nil, false
}
