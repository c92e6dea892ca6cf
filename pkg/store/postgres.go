package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/engramdb/engram/pkg/rollout"
)

// PostgresStore implements GraphStore, EmbeddingStore, and rollout.Store on a
// tenant-scoped PostgreSQL database with pgvector for embeddings.
type PostgresStore struct {
	pool       *pgxpool.Pool
	dimensions int

	schemaEnsured atomic.Bool
}

// NewPostgresStore connects to the given database URL and ensures the schema.
// dimensions fixes the pgvector column width and must match the embedding
// model in use; 0 defaults to 1536 (text-embedding-3-small).
func NewPostgresStore(ctx context.Context, databaseURL string, dimensions int) (*PostgresStore, error) {
	if dimensions <= 0 {
		dimensions = 1536
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, dimensions: dimensions}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the graph, embedding, and rollout tables. Idempotent;
// safe to race across instances.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s.schemaEnsured.Load() {
		return nil
	}

	schema := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS graph_nodes (
		id TEXT PRIMARY KEY,
		node_type TEXT NOT NULL,
		node_key TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (node_type, node_key)
	);

	CREATE TABLE IF NOT EXISTS graph_edges (
		id TEXT PRIMARY KEY,
		from_node_id TEXT NOT NULL,
		to_node_id TEXT NOT NULL,
		edge_type TEXT NOT NULL,
		weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		evidence_memory_id TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (edge_type, from_node_id, to_node_id)
	);
	CREATE INDEX IF NOT EXISTS idx_graph_edges_from ON graph_edges(from_node_id);
	CREATE INDEX IF NOT EXISTS idx_graph_edges_to ON graph_edges(to_node_id);
	CREATE INDEX IF NOT EXISTS idx_graph_edges_evidence ON graph_edges(evidence_memory_id);

	CREATE TABLE IF NOT EXISTS memory_node_links (
		memory_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (memory_id, node_id, role)
	);
	CREATE INDEX IF NOT EXISTS idx_memory_node_links_node ON memory_node_links(node_id);

	CREATE TABLE IF NOT EXISTS memory_embeddings (
		memory_id TEXT NOT NULL,
		model TEXT NOT NULL,
		embedding vector(%d) NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (memory_id, model)
	);

	CREATE TABLE IF NOT EXISTS rollout_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		mode TEXT NOT NULL DEFAULT 'off',
		default_strategy TEXT NOT NULL DEFAULT 'lexical',
		ready_streak INTEGER NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ,
		updated_by TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS rollout_metrics (
		id TEXT PRIMARY KEY,
		recorded_at TIMESTAMPTZ NOT NULL,
		mode TEXT NOT NULL,
		requested_strategy TEXT NOT NULL,
		applied_strategy TEXT NOT NULL,
		shadow_executed BOOLEAN NOT NULL DEFAULT FALSE,
		baseline_count INTEGER NOT NULL DEFAULT 0,
		graph_count INTEGER NOT NULL DEFAULT 0,
		merged_count INTEGER NOT NULL DEFAULT 0,
		fallback BOOLEAN NOT NULL DEFAULT FALSE,
		fallback_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_rollout_metrics_at ON rollout_metrics(recorded_at);
	`, s.dimensions)

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	s.schemaEnsured.Store(true)
	return nil
}

// SchemaPresent reports whether the graph tables exist.
func (s *PostgresStore) SchemaPresent(ctx context.Context) (bool, error) {
	var present bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'graph_nodes')`).
		Scan(&present)
	if err != nil {
		return false, fmt.Errorf("probe schema: %w", err)
	}
	return present, nil
}

// Apply performs the full-replace write for a memory's contribution; see the
// SQLite implementation for the idempotence contract.
func (s *PostgresStore) Apply(ctx context.Context, mut Mutation) error {
	if mut.MemoryID == "" {
		return fmt.Errorf("mutation memory id cannot be empty")
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}

	for _, class := range mut.Classes {
		types := EdgeTypesForClass(class)
		if len(types) == 0 {
			continue
		}
		typeStrs := make([]string, len(types))
		for i, t := range types {
			typeStrs[i] = string(t)
		}
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM graph_edges WHERE evidence_memory_id = $1 AND edge_type = ANY($2)`,
			mut.MemoryID, typeStrs); err != nil {
			return fmt.Errorf("clear %s edges: %w", class, err)
		}
	}

	if mut.ReplaceLinks {
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM memory_node_links WHERE memory_id = $1`, mut.MemoryID); err != nil {
			return fmt.Errorf("clear links: %w", err)
		}
	}

	ids := make(map[NodeRef]string, len(mut.Nodes))
	for _, n := range mut.Nodes {
		var id string
		var meta any
		if len(n.Metadata) > 0 {
			b, _ := json.Marshal(n.Metadata)
			meta = string(b)
		}
		err := s.pool.QueryRow(ctx,
			`INSERT INTO graph_nodes (id, node_type, node_key, label, metadata)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (node_type, node_key) DO UPDATE SET label = EXCLUDED.label, metadata = EXCLUDED.metadata
			 RETURNING id`,
			uuid.New().String(), string(n.Ref.Type), n.Ref.Key, n.Label, meta).Scan(&id)
		if err != nil {
			return fmt.Errorf("upsert node: %w", err)
		}
		ids[n.Ref] = id
	}

	for _, l := range mut.Links {
		nodeID, err := s.resolveRef(ctx, ids, l.Node)
		if err != nil {
			return err
		}
		if nodeID == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO memory_node_links (memory_id, node_id, role) VALUES ($1, $2, $3)
			 ON CONFLICT (memory_id, node_id, role) DO NOTHING`,
			mut.MemoryID, nodeID, string(l.Role)); err != nil {
			return fmt.Errorf("insert link: %w", err)
		}
	}

	for _, e := range mut.Edges {
		fromID, err := s.resolveRef(ctx, ids, e.From)
		if err != nil {
			return err
		}
		toID, err := s.resolveRef(ctx, ids, e.To)
		if err != nil {
			return err
		}
		if fromID == "" || toID == "" {
			continue
		}
		weight := e.Weight
		if weight == 0 {
			weight = 1.0
		}
		confidence := e.Confidence
		if confidence == 0 {
			confidence = 1.0
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO graph_edges (id, from_node_id, to_node_id, edge_type, weight, confidence, evidence_memory_id, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (edge_type, from_node_id, to_node_id) DO UPDATE SET
				weight = EXCLUDED.weight,
				confidence = EXCLUDED.confidence,
				evidence_memory_id = EXCLUDED.evidence_memory_id,
				expires_at = EXCLUDED.expires_at`,
			uuid.New().String(), fromID, toID, string(e.Type), weight, confidence,
			e.EvidenceMemoryID, e.ExpiresAt); err != nil {
			return fmt.Errorf("upsert edge: %w", err)
		}
	}

	return s.sweepOrphans(ctx)
}

func (s *PostgresStore) resolveRef(ctx context.Context, ids map[NodeRef]string, ref NodeRef) (string, error) {
	if id, ok := ids[ref]; ok {
		return id, nil
	}
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM graph_nodes WHERE node_type = $1 AND node_key = $2`,
		string(ref.Type), ref.Key).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve node ref: %w", err)
	}
	ids[ref] = id
	return id, nil
}

func (s *PostgresStore) sweepOrphans(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM graph_nodes
		WHERE id NOT IN (SELECT node_id FROM memory_node_links)
		  AND id NOT IN (SELECT from_node_id FROM graph_edges)
		  AND id NOT IN (SELECT to_node_id FROM graph_edges)`)
	if err != nil {
		return fmt.Errorf("sweep orphan nodes: %w", err)
	}
	return nil
}

// RemoveMemory deletes a memory's graph footprint.
func (s *PostgresStore) RemoveMemory(ctx context.Context, memoryID string) error {
	return s.RemoveMemories(ctx, []string{memoryID})
}

// RemoveMemories batch-removes memories.
func (s *PostgresStore) RemoveMemories(ctx context.Context, memoryIDs []string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}

	for start := 0; start < len(memoryIDs); start += removeBatchSize {
		end := start + removeBatchSize
		if end > len(memoryIDs) {
			end = len(memoryIDs)
		}
		batch := memoryIDs[start:end]

		if _, err := s.pool.Exec(ctx, `
			DELETE FROM graph_edges WHERE from_node_id IN (
				SELECT id FROM graph_nodes WHERE node_type = 'memory' AND node_key = ANY($1)
			) OR to_node_id IN (
				SELECT id FROM graph_nodes WHERE node_type = 'memory' AND node_key = ANY($1)
			)`, batch); err != nil {
			return fmt.Errorf("delete self-node edges: %w", err)
		}
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM graph_edges WHERE evidence_memory_id = ANY($1)`, batch); err != nil {
			return fmt.Errorf("delete evidence edges: %w", err)
		}
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM memory_node_links WHERE memory_id = ANY($1)`, batch); err != nil {
			return fmt.Errorf("delete links: %w", err)
		}
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM memory_embeddings WHERE memory_id = ANY($1)`, batch); err != nil {
			return fmt.Errorf("delete embeddings: %w", err)
		}
	}
	return s.sweepOrphans(ctx)
}

// LinksForMemories returns all links for the given memory IDs.
func (s *PostgresStore) LinksForMemories(ctx context.Context, memoryIDs []string) ([]MemoryLink, error) {
	return s.queryLinks(ctx,
		`SELECT memory_id, node_id, role FROM memory_node_links WHERE memory_id = ANY($1)`, memoryIDs)
}

// MemoriesForNodes returns the links of all memories attached to the nodes.
func (s *PostgresStore) MemoriesForNodes(ctx context.Context, nodeIDs []string) ([]MemoryLink, error) {
	return s.queryLinks(ctx,
		`SELECT memory_id, node_id, role FROM memory_node_links WHERE node_id = ANY($1)`, nodeIDs)
}

func (s *PostgresStore) queryLinks(ctx context.Context, query string, ids []string) ([]MemoryLink, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var links []MemoryLink
	for rows.Next() {
		var l MemoryLink
		var role string
		if err := rows.Scan(&l.MemoryID, &l.NodeID, &role); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.Role = LinkRole(role)
		links = append(links, l)
	}
	return links, rows.Err()
}

// NodesByIDs returns the stored nodes for the given IDs.
func (s *PostgresStore) NodesByIDs(ctx context.Context, ids []string) ([]Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, node_type, node_key, label, metadata, created_at FROM graph_nodes WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanPgNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// NodeByRef resolves a node by its natural key. Returns (nil, nil) when absent.
func (s *PostgresStore) NodeByRef(ctx context.Context, ref NodeRef) (*Node, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, node_type, node_key, label, metadata, created_at
		 FROM graph_nodes WHERE node_type = $1 AND node_key = $2`,
		string(ref.Type), ref.Key)
	if err != nil {
		return nil, fmt.Errorf("query node by ref: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	n, err := scanPgNode(rows)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// EdgesTouching returns non-expired edges incident to any of the given nodes.
func (s *PostgresStore) EdgesTouching(ctx context.Context, nodeIDs []string, at time.Time, limit int) ([]Edge, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, from_node_id, to_node_id, edge_type, weight, confidence, evidence_memory_id, expires_at, created_at
		FROM graph_edges
		WHERE (from_node_id = ANY($1) OR to_node_id = ANY($1))
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY confidence DESC, weight DESC
		LIMIT $3`, nodeIDs, at, limit)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var edgeType string
		var expires *time.Time
		if err := rows.Scan(&e.ID, &e.FromNodeID, &e.ToNodeID, &edgeType, &e.Weight,
			&e.Confidence, &e.EvidenceMemoryID, &expires, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Type = EdgeType(edgeType)
		e.ExpiresAt = expires
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ConflictsAmong returns contradicts pairs between the given memories.
func (s *PostgresStore) ConflictsAmong(ctx context.Context, memoryIDs []string) ([]Conflict, error) {
	if len(memoryIDs) < 2 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT a.node_key, b.node_key, e.evidence_memory_id
		FROM graph_edges e
		JOIN graph_nodes a ON a.id = e.from_node_id
		JOIN graph_nodes b ON b.id = e.to_node_id
		WHERE e.edge_type = 'contradicts'
		  AND a.node_type = 'memory' AND b.node_type = 'memory'
		  AND a.node_key = ANY($1) AND b.node_key = ANY($1)`, memoryIDs)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var conflicts []Conflict
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(&c.MemoryA, &c.MemoryB, &c.EvidenceMemoryID); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		key := c.MemoryA + "|" + c.MemoryB
		if c.MemoryB < c.MemoryA {
			key = c.MemoryB + "|" + c.MemoryA
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// Stats returns graph-wide counters.
func (s *PostgresStore) Stats(ctx context.Context) (GraphStats, error) {
	var st GraphStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM graph_nodes),
			(SELECT COUNT(*) FROM graph_edges),
			(SELECT COUNT(*) FROM memory_node_links),
			(SELECT COUNT(*) FROM graph_edges WHERE expires_at IS NULL OR expires_at > now()),
			(SELECT COUNT(*) FROM graph_edges WHERE expires_at IS NOT NULL AND expires_at <= now()),
			(SELECT COUNT(*) FROM graph_nodes n
			 WHERE n.id NOT IN (SELECT node_id FROM memory_node_links)
			   AND n.id NOT IN (SELECT from_node_id FROM graph_edges)
			   AND n.id NOT IN (SELECT to_node_id FROM graph_edges))`).
		Scan(&st.NodeCount, &st.EdgeCount, &st.LinkCount, &st.ActiveEdges, &st.ExpiredEdges, &st.OrphanNodes)
	if err != nil {
		return GraphStats{}, fmt.Errorf("graph stats: %w", err)
	}
	return st, nil
}

// TopNodes returns the most connected nodes.
func (s *PostgresStore) TopNodes(ctx context.Context, limit int) ([]NodeDegree, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT n.id, n.node_type, n.node_key, n.label, n.metadata, n.created_at,
		       (SELECT COUNT(*) FROM graph_edges e WHERE e.from_node_id = n.id OR e.to_node_id = n.id) AS degree
		FROM graph_nodes n
		ORDER BY degree DESC, n.node_key
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top nodes: %w", err)
	}
	defer rows.Close()

	var out []NodeDegree
	for rows.Next() {
		var nd NodeDegree
		var nodeType string
		var meta *string
		if err := rows.Scan(&nd.Node.ID, &nodeType, &nd.Node.Key, &nd.Node.Label,
			&meta, &nd.Node.CreatedAt, &nd.Degree); err != nil {
			return nil, fmt.Errorf("scan top node: %w", err)
		}
		nd.Node.Type = NodeType(nodeType)
		nd.Node.Metadata = decodeMetaString(meta)
		out = append(out, nd)
	}
	return out, rows.Err()
}

// Reconcile removes dangling links, expired edges, and orphan nodes.
func (s *PostgresStore) Reconcile(ctx context.Context, now time.Time) (ReconcileReport, error) {
	var rep ReconcileReport

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memory_node_links WHERE node_id NOT IN (SELECT id FROM graph_nodes)`)
	if err != nil {
		return rep, fmt.Errorf("remove dangling links: %w", err)
	}
	rep.DanglingLinks = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx,
		`DELETE FROM graph_edges WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return rep, fmt.Errorf("remove expired edges: %w", err)
	}
	rep.ExpiredEdges = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `
		DELETE FROM graph_nodes
		WHERE id NOT IN (SELECT node_id FROM memory_node_links)
		  AND id NOT IN (SELECT from_node_id FROM graph_edges)
		  AND id NOT IN (SELECT to_node_id FROM graph_edges)`)
	if err != nil {
		return rep, fmt.Errorf("remove orphan nodes: %w", err)
	}
	rep.OrphanNodes = tag.RowsAffected()
	return rep, nil
}

// Put adds or replaces the embedding for (MemoryID, Model).
func (s *PostgresStore) Put(ctx context.Context, emb StoredEmbedding) error {
	if emb.MemoryID == "" {
		return fmt.Errorf("embedding memory id cannot be empty")
	}
	if len(emb.Vector) != s.dimensions {
		return fmt.Errorf("embedding has %d dimensions, store expects %d", len(emb.Vector), s.dimensions)
	}
	created := emb.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_embeddings (memory_id, model, embedding, project_id, user_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (memory_id, model) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			project_id = EXCLUDED.project_id,
			user_id = EXCLUDED.user_id,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at`,
		emb.MemoryID, emb.Model, pgvector.NewVector(emb.Vector),
		emb.ProjectID, emb.UserID, emb.ExpiresAt, created)
	if err != nil {
		return fmt.Errorf("put embedding: %w", err)
	}
	return nil
}

// Delete removes all embeddings for the memory.
func (s *PostgresStore) Delete(ctx context.Context, memoryID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM memory_embeddings WHERE memory_id = $1`, memoryID); err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	return nil
}

// Candidates returns visibility-scoped candidates, nearest first by cosine
// distance.
func (s *PostgresStore) Candidates(ctx context.Context, query []float32, scope CandidateScope) ([]StoredEmbedding, error) {
	now := scope.Now
	if now.IsZero() {
		now = time.Now()
	}
	limit := scope.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT memory_id, model, embedding, project_id, user_id, expires_at, created_at
		FROM memory_embeddings
		WHERE model = $1
		  AND (project_id = $2 OR project_id = '')
		  AND (user_id = $3 OR user_id = '')
		  AND (expires_at IS NULL OR expires_at > $4)
		ORDER BY embedding <=> $5
		LIMIT $6`,
		scope.Model, scope.ProjectID, scope.UserID, now, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("query embedding candidates: %w", err)
	}
	defer rows.Close()

	var out []StoredEmbedding
	for rows.Next() {
		var e StoredEmbedding
		var vec pgvector.Vector
		var expires *time.Time
		if err := rows.Scan(&e.MemoryID, &e.Model, &vec, &e.ProjectID, &e.UserID, &expires, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		e.Vector = vec.Slice()
		e.ExpiresAt = expires
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetRolloutConfig returns the singleton rollout row or the safe default.
func (s *PostgresStore) GetRolloutConfig(ctx context.Context) (rollout.Config, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return rollout.Config{}, err
	}

	var cfg rollout.Config
	var mode, strategy string
	var updatedAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT mode, default_strategy, ready_streak, version, updated_at, updated_by
		 FROM rollout_config WHERE id = 1`).
		Scan(&mode, &strategy, &cfg.ReadyStreak, &cfg.Version, &updatedAt, &cfg.UpdatedBy)
	if err == pgx.ErrNoRows {
		return rollout.Config{Mode: rollout.ModeOff, DefaultStrategy: rollout.StrategyLexical}, nil
	}
	if err != nil {
		return rollout.Config{}, fmt.Errorf("load rollout config: %w", err)
	}
	cfg.Mode = rollout.Mode(mode)
	cfg.DefaultStrategy = rollout.Strategy(strategy)
	if updatedAt != nil {
		cfg.UpdatedAt = *updatedAt
	}
	return cfg, nil
}

// SetRolloutConfig upserts the singleton with optimistic versioning.
func (s *PostgresStore) SetRolloutConfig(ctx context.Context, cfg rollout.Config) (rollout.Config, error) {
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now()
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE rollout_config
		 SET mode = $1, default_strategy = $2, ready_streak = $3, version = version + 1, updated_at = $4, updated_by = $5
		 WHERE id = 1 AND version = $6`,
		string(cfg.Mode), string(cfg.DefaultStrategy), cfg.ReadyStreak,
		cfg.UpdatedAt, cfg.UpdatedBy, cfg.Version)
	if err != nil {
		return rollout.Config{}, fmt.Errorf("update rollout config: %w", err)
	}
	if tag.RowsAffected() == 1 {
		cfg.Version++
		return cfg, nil
	}

	if cfg.Version != 0 {
		return rollout.Config{}, rollout.ErrVersionConflict
	}
	tag, err = s.pool.Exec(ctx,
		`INSERT INTO rollout_config (id, mode, default_strategy, ready_streak, version, updated_at, updated_by)
		 VALUES (1, $1, $2, $3, 1, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		string(cfg.Mode), string(cfg.DefaultStrategy), cfg.ReadyStreak, cfg.UpdatedAt, cfg.UpdatedBy)
	if err != nil {
		return rollout.Config{}, fmt.Errorf("insert rollout config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return rollout.Config{}, rollout.ErrVersionConflict
	}
	cfg.Version = 1
	return cfg, nil
}

// InsertSample appends one retrieval metric sample.
func (s *PostgresStore) InsertSample(ctx context.Context, m rollout.MetricSample) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rollout_metrics
		 (id, recorded_at, mode, requested_strategy, applied_strategy, shadow_executed,
		  baseline_count, graph_count, merged_count, fallback, fallback_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.RecordedAt, string(m.Mode), string(m.RequestedStrategy), string(m.AppliedStrategy),
		m.ShadowExecuted, m.BaselineCount, m.GraphCount, m.MergedCount, m.Fallback, m.FallbackReason)
	if err != nil {
		return fmt.Errorf("insert metric sample: %w", err)
	}
	return nil
}

// PruneSamples deletes samples recorded before the cutoff.
func (s *PostgresStore) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM rollout_metrics WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune metric samples: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SamplesBetween returns samples with from <= recorded_at < to.
func (s *PostgresStore) SamplesBetween(ctx context.Context, from, to time.Time) ([]rollout.MetricSample, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, recorded_at, mode, requested_strategy, applied_strategy, shadow_executed,
		        baseline_count, graph_count, merged_count, fallback, fallback_reason
		 FROM rollout_metrics
		 WHERE recorded_at >= $1 AND recorded_at < $2
		 ORDER BY recorded_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query metric samples: %w", err)
	}
	defer rows.Close()

	var out []rollout.MetricSample
	for rows.Next() {
		var m rollout.MetricSample
		var mode, requested, applied string
		if err := rows.Scan(&m.ID, &m.RecordedAt, &mode, &requested, &applied, &m.ShadowExecuted,
			&m.BaselineCount, &m.GraphCount, &m.MergedCount, &m.Fallback, &m.FallbackReason); err != nil {
			return nil, fmt.Errorf("scan metric sample: %w", err)
		}
		m.Mode = rollout.Mode(mode)
		m.RequestedStrategy = rollout.Strategy(requested)
		m.AppliedStrategy = rollout.Strategy(applied)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgNode(rows pgx.Rows) (Node, error) {
	var n Node
	var nodeType string
	var meta *string
	if err := rows.Scan(&n.ID, &nodeType, &n.Key, &n.Label, &meta, &n.CreatedAt); err != nil {
		return Node{}, fmt.Errorf("scan node: %w", err)
	}
	n.Type = NodeType(nodeType)
	n.Metadata = decodeMetaString(meta)
	return n, nil
}

func decodeMetaString(s *string) map[string]string {
	if s == nil || *s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(*s), &m); err != nil {
		return nil
	}
	return m
}

var (
	_ GraphStore     = (*PostgresStore)(nil)
	_ EmbeddingStore = (*PostgresStore)(nil)
	_ rollout.Store  = (*PostgresStore)(nil)
)
