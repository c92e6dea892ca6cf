package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemStore is an in-memory EmbeddingStore backed by chromem-go, used for
// tests and single-process deployments where no SQLite or Postgres database
// is available. One collection per embedding model.
type ChromemStore struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromemStore creates an empty in-memory embedding store.
func NewChromemStore() *ChromemStore {
	return &ChromemStore{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

func (s *ChromemStore) collection(model string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[model]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[model]; ok {
		return col, nil
	}

	// Embeddings arrive precomputed; no embedding func, default cosine.
	col, err := s.db.CreateCollection("model_"+model, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[model] = col
	return col, nil
}

// Put adds or replaces the embedding for (MemoryID, Model).
func (s *ChromemStore) Put(ctx context.Context, emb StoredEmbedding) error {
	if emb.MemoryID == "" {
		return fmt.Errorf("embedding memory id cannot be empty")
	}
	col, err := s.collection(emb.Model)
	if err != nil {
		return err
	}

	created := emb.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	meta := map[string]string{
		"project_id": emb.ProjectID,
		"user_id":    emb.UserID,
		"created_at": created.Format(time.RFC3339Nano),
	}
	if emb.ExpiresAt != nil {
		meta["expires_at"] = emb.ExpiresAt.Format(time.RFC3339Nano)
	}

	doc := chromem.Document{
		ID:        emb.MemoryID,
		Content:   emb.MemoryID,
		Embedding: emb.Vector,
		Metadata:  meta,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Delete removes the memory's embedding from every model collection.
func (s *ChromemStore) Delete(ctx context.Context, memoryID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, col := range s.collections {
		if err := col.Delete(ctx, nil, nil, memoryID); err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
	}
	return nil
}

// Candidates returns visibility-scoped candidates nearest the query vector.
// chromem-go's where clause only supports exact matches, so the global-vs-scoped
// visibility rule and TTL filtering happen here after the vector query.
func (s *ChromemStore) Candidates(ctx context.Context, query []float32, scope CandidateScope) ([]StoredEmbedding, error) {
	col, err := s.collection(scope.Model)
	if err != nil {
		return nil, err
	}

	now := scope.Now
	if now.IsZero() {
		now = time.Now()
	}
	limit := scope.Limit
	if limit <= 0 {
		limit = 50
	}

	// chromem-go rejects nResults larger than the collection, and the scope
	// filter runs after the query, so over-fetch within the collection size.
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	fetch := limit * 4
	if fetch > n {
		fetch = n
	}

	results, err := col.QueryEmbedding(ctx, query, fetch, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}

	var out []StoredEmbedding
	for _, r := range results {
		e := StoredEmbedding{
			MemoryID:  r.ID,
			Model:     scope.Model,
			Vector:    r.Embedding,
			ProjectID: r.Metadata["project_id"],
			UserID:    r.Metadata["user_id"],
		}
		if e.ProjectID != "" && e.ProjectID != scope.ProjectID {
			continue
		}
		if e.UserID != "" && e.UserID != scope.UserID {
			continue
		}
		if raw := r.Metadata["expires_at"]; raw != "" {
			exp, err := time.Parse(time.RFC3339Nano, raw)
			if err == nil {
				e.ExpiresAt = &exp
				if !exp.After(now) {
					continue
				}
			}
		}
		if raw := r.Metadata["created_at"]; raw != "" {
			if created, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				e.CreatedAt = created
			}
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

var _ EmbeddingStore = (*ChromemStore)(nil)
