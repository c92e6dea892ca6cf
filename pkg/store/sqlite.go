package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/engramdb/engram/pkg/rollout"
)

// removeBatchSize bounds IN-clause size for bulk removal.
const removeBatchSize = 100

// SQLiteStore implements GraphStore, EmbeddingStore, and rollout.Store on a
// single tenant-scoped SQLite database.
type SQLiteStore struct {
	db *sql.DB

	// schemaEnsured is a best-effort marker; racing EnsureSchema calls are
	// harmless because the DDL is all IF NOT EXISTS.
	schemaEnsured atomic.Bool
}

// NewSQLiteStore opens (or creates) a SQLite-backed store. dbPath may be
// ":memory:" for tests. The schema is created immediately.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open(sqliteDriver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Shared in-memory databases and file databases both behave with a
	// single connection; the graph workload is not connection-bound.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying connection for advanced callers (ANN index,
// shared CRUD store).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// EnsureSchema creates the graph, embedding, and rollout tables. Idempotent
// and cached per store; safe to race.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if s.schemaEnsured.Load() {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS graph_nodes (
		id TEXT PRIMARY KEY,
		node_type TEXT NOT NULL,
		node_key TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (node_type, node_key)
	);

	CREATE TABLE IF NOT EXISTS graph_edges (
		id TEXT PRIMARY KEY,
		from_node_id TEXT NOT NULL,
		to_node_id TEXT NOT NULL,
		edge_type TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 1.0,
		confidence REAL NOT NULL DEFAULT 1.0,
		evidence_memory_id TEXT NOT NULL DEFAULT '',
		expires_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
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
		embedding BLOB NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		expires_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (memory_id, model)
	);

	CREATE TABLE IF NOT EXISTS rollout_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		mode TEXT NOT NULL DEFAULT 'off',
		default_strategy TEXT NOT NULL DEFAULT 'lexical',
		ready_streak INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME,
		updated_by TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS rollout_metrics (
		id TEXT PRIMARY KEY,
		recorded_at DATETIME NOT NULL,
		mode TEXT NOT NULL,
		requested_strategy TEXT NOT NULL,
		applied_strategy TEXT NOT NULL,
		shadow_executed INTEGER NOT NULL DEFAULT 0,
		baseline_count INTEGER NOT NULL DEFAULT 0,
		graph_count INTEGER NOT NULL DEFAULT 0,
		merged_count INTEGER NOT NULL DEFAULT 0,
		fallback INTEGER NOT NULL DEFAULT 0,
		fallback_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_rollout_metrics_at ON rollout_metrics(recorded_at);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	s.schemaEnsured.Store(true)
	return nil
}

// SchemaPresent reports whether the graph tables exist, without creating them.
func (s *SQLiteStore) SchemaPresent(ctx context.Context) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'graph_nodes'`).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe schema: %w", err)
	}
	return true, nil
}

// Apply performs the full-replace write for a memory's contribution. The
// statements are deliberately not wrapped in one transaction: repeated Apply
// calls with identical input are no-ops, so an interrupted Apply self-heals
// on the next sync of the same memory.
func (s *SQLiteStore) Apply(ctx context.Context, mut Mutation) error {
	if mut.MemoryID == "" {
		return fmt.Errorf("mutation memory id cannot be empty")
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}

	// Clear the edge classes being recomputed.
	for _, class := range mut.Classes {
		types := EdgeTypesForClass(class)
		if len(types) == 0 {
			continue
		}
		args := make([]any, 0, len(types)+1)
		args = append(args, mut.MemoryID)
		for _, t := range types {
			args = append(args, string(t))
		}
		q := fmt.Sprintf(
			`DELETE FROM graph_edges WHERE evidence_memory_id = ? AND edge_type IN (%s)`,
			placeholders(len(types)))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("clear %s edges: %w", class, err)
		}
	}

	if mut.ReplaceLinks {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM memory_node_links WHERE memory_id = ?`, mut.MemoryID); err != nil {
			return fmt.Errorf("clear links: %w", err)
		}
	}

	ids := make(map[NodeRef]string, len(mut.Nodes))
	for _, n := range mut.Nodes {
		id, err := s.upsertNode(ctx, n)
		if err != nil {
			return err
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
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO memory_node_links (memory_id, node_id, role) VALUES (?, ?, ?)`,
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
			// An edge is only written once both endpoints exist.
			continue
		}
		if err := s.upsertEdge(ctx, fromID, toID, e); err != nil {
			return err
		}
	}

	return s.sweepOrphans(ctx)
}

func (s *SQLiteStore) upsertNode(ctx context.Context, n CandidateNode) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM graph_nodes WHERE node_type = ? AND node_key = ?`,
		string(n.Ref.Type), n.Ref.Key).Scan(&id)
	if err == nil {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE graph_nodes SET label = ?, metadata = ? WHERE id = ?`,
			n.Label, marshalMetadata(n.Metadata), id); err != nil {
			return "", fmt.Errorf("update node: %w", err)
		}
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("look up node: %w", err)
	}

	id = uuid.New().String()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO graph_nodes (id, node_type, node_key, label, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (node_type, node_key) DO UPDATE SET label = excluded.label, metadata = excluded.metadata`,
		id, string(n.Ref.Type), n.Ref.Key, n.Label, marshalMetadata(n.Metadata), time.Now()); err != nil {
		return "", fmt.Errorf("insert node: %w", err)
	}
	// The conflict branch keeps the existing id; read it back.
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM graph_nodes WHERE node_type = ? AND node_key = ?`,
		string(n.Ref.Type), n.Ref.Key).Scan(&id); err != nil {
		return "", fmt.Errorf("read back node id: %w", err)
	}
	return id, nil
}

// resolveRef maps a node ref to its stored id, consulting the mutation's
// freshly upserted nodes first. Returns "" when the node does not exist.
func (s *SQLiteStore) resolveRef(ctx context.Context, ids map[NodeRef]string, ref NodeRef) (string, error) {
	if id, ok := ids[ref]; ok {
		return id, nil
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM graph_nodes WHERE node_type = ? AND node_key = ?`,
		string(ref.Type), ref.Key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve node ref: %w", err)
	}
	ids[ref] = id
	return id, nil
}

func (s *SQLiteStore) upsertEdge(ctx context.Context, fromID, toID string, e CandidateEdge) error {
	weight := e.Weight
	if weight == 0 {
		weight = 1.0
	}
	confidence := e.Confidence
	if confidence == 0 {
		confidence = 1.0
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO graph_edges (id, from_node_id, to_node_id, edge_type, weight, confidence, evidence_memory_id, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (edge_type, from_node_id, to_node_id) DO UPDATE SET
			weight = excluded.weight,
			confidence = excluded.confidence,
			evidence_memory_id = excluded.evidence_memory_id,
			expires_at = excluded.expires_at`,
		uuid.New().String(), fromID, toID, string(e.Type), weight, confidence,
		e.EvidenceMemoryID, e.ExpiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("upsert edge: %w", err)
	}
	return nil
}

// sweepOrphans deletes nodes with zero remaining links and zero remaining
// edges. Reference counting by query, not by a refcount field.
func (s *SQLiteStore) sweepOrphans(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM graph_nodes
		WHERE id NOT IN (SELECT node_id FROM memory_node_links)
		  AND id NOT IN (SELECT from_node_id FROM graph_edges)
		  AND id NOT IN (SELECT to_node_id FROM graph_edges)`)
	if err != nil {
		return fmt.Errorf("sweep orphan nodes: %w", err)
	}
	return nil
}

// RemoveMemory deletes a memory's graph footprint: its self node's edges, all
// its links, every edge it evidences, and its embeddings, then sweeps orphans.
// Nodes shared with other memories survive.
func (s *SQLiteStore) RemoveMemory(ctx context.Context, memoryID string) error {
	return s.RemoveMemories(ctx, []string{memoryID})
}

// RemoveMemories batch-removes memories, bounding statement size.
func (s *SQLiteStore) RemoveMemories(ctx context.Context, memoryIDs []string) error {
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
		if err := s.removeBatch(ctx, memoryIDs[start:end]); err != nil {
			return err
		}
	}
	return s.sweepOrphans(ctx)
}

func (s *SQLiteStore) removeBatch(ctx context.Context, memoryIDs []string) error {
	args := toAnySlice(memoryIDs)
	ph := placeholders(len(memoryIDs))

	// Edges incident to the memories' self nodes.
	q := fmt.Sprintf(`
		DELETE FROM graph_edges WHERE from_node_id IN (
			SELECT id FROM graph_nodes WHERE node_type = 'memory' AND node_key IN (%s)
		) OR to_node_id IN (
			SELECT id FROM graph_nodes WHERE node_type = 'memory' AND node_key IN (%s)
		)`, ph, ph)
	if _, err := s.db.ExecContext(ctx, q, append(append([]any{}, args...), args...)...); err != nil {
		return fmt.Errorf("delete self-node edges: %w", err)
	}

	// Edges evidenced by the memories.
	q = fmt.Sprintf(`DELETE FROM graph_edges WHERE evidence_memory_id IN (%s)`, ph)
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("delete evidence edges: %w", err)
	}

	q = fmt.Sprintf(`DELETE FROM memory_node_links WHERE memory_id IN (%s)`, ph)
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("delete links: %w", err)
	}

	q = fmt.Sprintf(`DELETE FROM memory_embeddings WHERE memory_id IN (%s)`, ph)
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}

// LinksForMemories returns all links for the given memory IDs.
func (s *SQLiteStore) LinksForMemories(ctx context.Context, memoryIDs []string) ([]MemoryLink, error) {
	if len(memoryIDs) == 0 {
		return nil, nil
	}
	q := fmt.Sprintf(
		`SELECT memory_id, node_id, role FROM memory_node_links WHERE memory_id IN (%s)`,
		placeholders(len(memoryIDs)))
	return s.queryLinks(ctx, q, toAnySlice(memoryIDs)...)
}

// MemoriesForNodes returns the links of all memories attached to the nodes.
func (s *SQLiteStore) MemoriesForNodes(ctx context.Context, nodeIDs []string) ([]MemoryLink, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	q := fmt.Sprintf(
		`SELECT memory_id, node_id, role FROM memory_node_links WHERE node_id IN (%s)`,
		placeholders(len(nodeIDs)))
	return s.queryLinks(ctx, q, toAnySlice(nodeIDs)...)
}

func (s *SQLiteStore) queryLinks(ctx context.Context, query string, args ...any) ([]MemoryLink, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *SQLiteStore) NodesByIDs(ctx context.Context, ids []string) ([]Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := fmt.Sprintf(
		`SELECT id, node_type, node_key, label, metadata, created_at FROM graph_nodes WHERE id IN (%s)`,
		placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, q, toAnySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// NodeByRef resolves a node by its natural key. Returns (nil, nil) when absent.
func (s *SQLiteStore) NodeByRef(ctx context.Context, ref NodeRef) (*Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, node_type, node_key, label, metadata, created_at
		 FROM graph_nodes WHERE node_type = ? AND node_key = ?`,
		string(ref.Type), ref.Key)

	var n Node
	var nodeType string
	var metadata sql.NullString
	err := row.Scan(&n.ID, &nodeType, &n.Key, &n.Label, &metadata, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query node by ref: %w", err)
	}
	n.Type = NodeType(nodeType)
	n.Metadata = unmarshalMetadata(metadata)
	return &n, nil
}

// EdgesTouching returns non-expired edges incident to any of the given nodes,
// capped at limit. The cap bounds per-hop store load during traversal.
func (s *SQLiteStore) EdgesTouching(ctx context.Context, nodeIDs []string, at time.Time, limit int) ([]Edge, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	ph := placeholders(len(nodeIDs))
	q := fmt.Sprintf(`
		SELECT id, from_node_id, to_node_id, edge_type, weight, confidence, evidence_memory_id, expires_at, created_at
		FROM graph_edges
		WHERE (from_node_id IN (%s) OR to_node_id IN (%s))
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY confidence DESC, weight DESC
		LIMIT ?`, ph, ph)

	args := append(append(toAnySlice(nodeIDs), toAnySlice(nodeIDs)...), at, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ConflictsAmong returns contradicts pairs between the given memories,
// deduplicated as unordered pairs.
func (s *SQLiteStore) ConflictsAmong(ctx context.Context, memoryIDs []string) ([]Conflict, error) {
	if len(memoryIDs) < 2 {
		return nil, nil
	}
	ph := placeholders(len(memoryIDs))
	q := fmt.Sprintf(`
		SELECT a.node_key, b.node_key, e.evidence_memory_id
		FROM graph_edges e
		JOIN graph_nodes a ON a.id = e.from_node_id
		JOIN graph_nodes b ON b.id = e.to_node_id
		WHERE e.edge_type = 'contradicts'
		  AND a.node_type = 'memory' AND b.node_type = 'memory'
		  AND a.node_key IN (%s) AND b.node_key IN (%s)`, ph, ph)

	args := append(toAnySlice(memoryIDs), toAnySlice(memoryIDs)...)
	rows, err := s.db.QueryContext(ctx, q, args...)
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

// Stats returns graph-wide counters for status reporting.
func (s *SQLiteStore) Stats(ctx context.Context) (GraphStats, error) {
	var st GraphStats
	now := time.Now()

	counts := []struct {
		query string
		args  []any
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM graph_nodes`, nil, &st.NodeCount},
		{`SELECT COUNT(*) FROM graph_edges`, nil, &st.EdgeCount},
		{`SELECT COUNT(*) FROM memory_node_links`, nil, &st.LinkCount},
		{`SELECT COUNT(*) FROM graph_edges WHERE expires_at IS NULL OR expires_at > ?`, []any{now}, &st.ActiveEdges},
		{`SELECT COUNT(*) FROM graph_edges WHERE expires_at IS NOT NULL AND expires_at <= ?`, []any{now}, &st.ExpiredEdges},
		{`SELECT COUNT(*) FROM graph_nodes
		  WHERE id NOT IN (SELECT node_id FROM memory_node_links)
		    AND id NOT IN (SELECT from_node_id FROM graph_edges)
		    AND id NOT IN (SELECT to_node_id FROM graph_edges)`, nil, &st.OrphanNodes},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dest); err != nil {
			return GraphStats{}, fmt.Errorf("graph stats: %w", err)
		}
	}
	return st, nil
}

// TopNodes returns the most connected nodes, highest degree first.
func (s *SQLiteStore) TopNodes(ctx context.Context, limit int) ([]NodeDegree, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.node_type, n.node_key, n.label, n.metadata, n.created_at,
		       (SELECT COUNT(*) FROM graph_edges e WHERE e.from_node_id = n.id OR e.to_node_id = n.id) AS degree
		FROM graph_nodes n
		ORDER BY degree DESC, n.node_key
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top nodes: %w", err)
	}
	defer rows.Close()

	var out []NodeDegree
	for rows.Next() {
		var nd NodeDegree
		var nodeType string
		var metadata sql.NullString
		if err := rows.Scan(&nd.Node.ID, &nodeType, &nd.Node.Key, &nd.Node.Label,
			&metadata, &nd.Node.CreatedAt, &nd.Degree); err != nil {
			return nil, fmt.Errorf("scan top node: %w", err)
		}
		nd.Node.Type = NodeType(nodeType)
		nd.Node.Metadata = unmarshalMetadata(metadata)
		out = append(out, nd)
	}
	return out, rows.Err()
}

// Reconcile removes dangling links, expired edges, and orphan nodes. Explicit
// maintenance only; never triggered by reads.
func (s *SQLiteStore) Reconcile(ctx context.Context, now time.Time) (ReconcileReport, error) {
	var rep ReconcileReport

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_node_links WHERE node_id NOT IN (SELECT id FROM graph_nodes)`)
	if err != nil {
		return rep, fmt.Errorf("remove dangling links: %w", err)
	}
	rep.DanglingLinks, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM graph_edges WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return rep, fmt.Errorf("remove expired edges: %w", err)
	}
	rep.ExpiredEdges, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM graph_nodes
		WHERE id NOT IN (SELECT node_id FROM memory_node_links)
		  AND id NOT IN (SELECT from_node_id FROM graph_edges)
		  AND id NOT IN (SELECT to_node_id FROM graph_edges)`)
	if err != nil {
		return rep, fmt.Errorf("remove orphan nodes: %w", err)
	}
	rep.OrphanNodes, _ = res.RowsAffected()
	return rep, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanNode(rows *sql.Rows) (Node, error) {
	var n Node
	var nodeType string
	var metadata sql.NullString
	if err := rows.Scan(&n.ID, &nodeType, &n.Key, &n.Label, &metadata, &n.CreatedAt); err != nil {
		return Node{}, fmt.Errorf("scan node: %w", err)
	}
	n.Type = NodeType(nodeType)
	n.Metadata = unmarshalMetadata(metadata)
	return n, nil
}

func scanEdge(rows *sql.Rows) (Edge, error) {
	var e Edge
	var edgeType string
	var expires sql.NullTime
	if err := rows.Scan(&e.ID, &e.FromNodeID, &e.ToNodeID, &edgeType, &e.Weight,
		&e.Confidence, &e.EvidenceMemoryID, &expires, &e.CreatedAt); err != nil {
		return Edge{}, fmt.Errorf("scan edge: %w", err)
	}
	e.Type = EdgeType(edgeType)
	if expires.Valid {
		t := expires.Time
		e.ExpiresAt = &t
	}
	return e, nil
}

func marshalMetadata(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}

func unmarshalMetadata(s sql.NullString) map[string]string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Compile-time interface checks.
var (
	_ GraphStore     = (*SQLiteStore)(nil)
	_ EmbeddingStore = (*SQLiteStore)(nil)
	_ rollout.Store  = (*SQLiteStore)(nil)
)
