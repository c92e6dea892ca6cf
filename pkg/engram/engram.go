// Package engram is the entry point for the memory graph system. It wires the
// deterministic extractor, the similarity engine, the traversal layer, the
// rollout controller, and the retrieval orchestrator over pluggable storage,
// and exposes the three operations the external memory layer calls: Sync,
// Remove, and Retrieve.
package engram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramdb/engram/pkg/embeddings"
	"github.com/engramdb/engram/pkg/extraction"
	"github.com/engramdb/engram/pkg/metrics"
	"github.com/engramdb/engram/pkg/retrieval"
	"github.com/engramdb/engram/pkg/rollout"
	"github.com/engramdb/engram/pkg/similarity"
	"github.com/engramdb/engram/pkg/status"
	"github.com/engramdb/engram/pkg/store"
	"github.com/engramdb/engram/pkg/trace"
	"github.com/engramdb/engram/pkg/traversal"
)

// DefaultEmbeddingModel is used when Config.EmbeddingModel is empty.
const DefaultEmbeddingModel = "text-embedding-3-small"

// Config holds the tuning knobs for the whole system.
type Config struct {
	// EmbeddingModel keys stored embeddings; candidates never cross models.
	EmbeddingModel string

	Similarity similarity.Config
	Gate       rollout.GateConfig
	Retrieval  retrieval.Config
}

// Dependencies are the ports the service is wired over. Graph, Embeddings,
// Rollout, and Baseline are required; everything else degrades gracefully
// when nil.
type Dependencies struct {
	Graph      store.GraphStore
	Embeddings store.EmbeddingStore
	Rollout    rollout.Store

	// Baseline is the lexical search owned by the external memory layer.
	Baseline retrieval.Baseline

	// Embedder generates vectors at sync time. Without one, no inferred
	// edges are ever produced.
	Embedder embeddings.Client

	// Lookup, Classifier, and Extractor feed the similarity engine.
	Lookup     similarity.MemoryLookup
	Classifier similarity.Classifier
	Extractor  similarity.Extractor

	Exporter  trace.Exporter
	Collector metrics.Collector
	Logger    *slog.Logger
}

// Service is the wired memory graph system.
type Service struct {
	cfg        Config
	graph      store.GraphStore
	embeddings store.EmbeddingStore
	embedder   embeddings.Client

	engine       *similarity.Engine
	controller   *rollout.Controller
	orchestrator *retrieval.Orchestrator
	reporter     *status.Reporter
	recorder     *status.Recorder

	exporter  trace.Exporter
	collector metrics.Collector
	logger    *slog.Logger
	now       func() time.Time
}

// New wires a service from its dependencies and ensures the graph schema.
func New(ctx context.Context, cfg Config, deps Dependencies) (*Service, error) {
	if deps.Graph == nil || deps.Embeddings == nil || deps.Rollout == nil {
		return nil, fmt.Errorf("graph, embeddings, and rollout stores are required")
	}
	if deps.Baseline == nil {
		return nil, fmt.Errorf("baseline search is required")
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Collector
	if collector == nil {
		collector = metrics.Default()
	}
	exporter := deps.Exporter
	if exporter == nil {
		exporter = trace.NewNoopExporter()
	}

	if err := deps.Graph.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure graph schema: %w", err)
	}

	controller := rollout.NewController(deps.Rollout, cfg.Gate, logger)
	recorder := status.NewRecorder(logger)

	traverser := traversal.New(deps.Graph)
	orchestrator := retrieval.New(
		deps.Baseline, traverser, deps.Graph,
		controller, collector, cfg.Retrieval, logger,
	)

	return &Service{
		cfg:          cfg,
		graph:        deps.Graph,
		embeddings:   deps.Embeddings,
		embedder:     deps.Embedder,
		engine:       similarity.NewEngine(deps.Embeddings, deps.Lookup, deps.Classifier, deps.Extractor, cfg.Similarity, logger),
		controller:   controller,
		orchestrator: orchestrator,
		reporter:     status.NewReporter(deps.Graph, controller, recorder),
		recorder:     recorder,
		exporter:     exporter,
		collector:    collector,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Rollout returns the rollout controller for operational tooling.
func (s *Service) Rollout() *rollout.Controller {
	return s.controller
}

// Status returns the health reporter.
func (s *Service) Status() *status.Reporter {
	return s.reporter
}

// Close releases the trace exporter. Store lifecycles belong to the caller.
func (s *Service) Close() error {
	return s.exporter.Close()
}

// Sync replaces a memory's graph contribution from its current snapshot. The
// structural contribution is authoritative and its failure is returned;
// embedding and inference failures degrade to a structural-only sync and are
// recorded as events, so a flaky model provider can never block writes.
func (s *Service) Sync(ctx context.Context, mem store.MemorySnapshot, recent []store.MemorySnapshot) error {
	start := s.now()
	if err := validateSnapshot(mem); err != nil {
		return err
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = start
	}

	err := s.graph.Apply(ctx, extraction.Extract(mem))
	if err == nil {
		s.inferEdges(ctx, mem, recent)
	}

	s.finish(ctx, "sync", start, err, nil)
	if err != nil {
		return fmt.Errorf("apply structural mutation: %w", err)
	}
	return nil
}

// inferEdges runs the embedding and inference half of a sync, best effort.
func (s *Service) inferEdges(ctx context.Context, mem store.MemorySnapshot, recent []store.MemorySnapshot) {
	if s.embedder == nil || strings.TrimSpace(mem.Content) == "" {
		return
	}

	vector, err := s.embedder.EmbedOne(ctx, mem.Content)
	if err != nil {
		s.recorder.Record("sync", "embedding failed for "+mem.ID+": "+err.Error())
		return
	}

	var expires *time.Time
	if mem.Layer == store.LayerWorking {
		expires = mem.ExpiresAt
	}
	err = s.embeddings.Put(ctx, store.StoredEmbedding{
		MemoryID:  mem.ID,
		Model:     s.cfg.EmbeddingModel,
		Vector:    vector,
		ProjectID: mem.ProjectID,
		UserID:    mem.UserID,
		ExpiresAt: expires,
		CreatedAt: mem.CreatedAt,
	})
	if err != nil {
		s.recorder.Record("sync", "embedding store write failed for "+mem.ID+": "+err.Error())
		return
	}

	mut, err := s.engine.Process(ctx, mem, vector, s.cfg.EmbeddingModel, recent)
	if err != nil {
		s.recorder.Record("sync", "edge inference failed for "+mem.ID+": "+err.Error())
		return
	}
	if err := s.graph.Apply(ctx, mut); err != nil {
		s.recorder.Record("sync", "inferred mutation failed for "+mem.ID+": "+err.Error())
	}
}

// Remove deletes a memory's graph contribution and its embeddings.
func (s *Service) Remove(ctx context.Context, memoryID string) error {
	start := s.now()
	if memoryID == "" {
		return fmt.Errorf("memory id cannot be empty")
	}

	err := s.graph.RemoveMemory(ctx, memoryID)
	if err == nil {
		if derr := s.embeddings.Delete(ctx, memoryID); derr != nil {
			s.recorder.Record("remove", "embedding delete failed for "+memoryID+": "+derr.Error())
		}
	}

	s.finish(ctx, "remove", start, err, nil)
	if err != nil {
		return fmt.Errorf("remove memory %s: %w", memoryID, err)
	}
	return nil
}

// Retrieve runs one hybrid retrieval through the orchestrator and exports the
// decision trace.
func (s *Service) Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Response, error) {
	start := s.now()
	resp, err := s.orchestrator.Retrieve(ctx, q)

	var rt *retrieval.Trace
	if resp != nil {
		rt = &resp.Trace
	}
	s.finish(ctx, "retrieve", start, err, rt)
	return resp, err
}

// finish emits the per-operation trace record and metrics.
func (s *Service) finish(ctx context.Context, op string, start time.Time, err error, rt *retrieval.Trace) {
	durationMs := s.now().Sub(start).Milliseconds()

	statusLabel := "ok"
	if err != nil {
		statusLabel = "error"
		s.collector.RecordError(ctx, op, ClassifyError(err))
	}
	s.collector.RecordOperation(ctx, op, statusLabel, durationMs)

	rec := &trace.Record{
		Timestamp:   start,
		OperationID: uuid.New().String(),
		Operation:   op,
		DurationMs:  durationMs,
		ErrorType:   ClassifyError(err),
	}
	if rt != nil {
		rec.Mode = string(rt.Mode)
		rec.RequestedStrategy = string(rt.RequestedStrategy)
		rec.AppliedStrategy = string(rt.AppliedStrategy)
		rec.ShadowExecuted = rt.ShadowExecuted
		rec.GateStatus = string(rt.GateStatus)
		rec.GateReasons = rt.GateReasons
		rec.BaselineCount = rt.BaselineCount
		rec.GraphCount = rt.GraphCount
		rec.MergedCount = rt.MergedCount
		rec.ConflictCount = rt.ConflictCount
		rec.Fallback = rt.Fallback
		rec.FallbackReason = rt.FallbackReason
	}
	if eerr := s.exporter.Export(ctx, rec); eerr != nil {
		s.logger.Warn("trace export failed", "operation", op, "error", eerr)
	}
}

func validateSnapshot(mem store.MemorySnapshot) error {
	if mem.ID == "" {
		return fmt.Errorf("memory id cannot be empty")
	}
	if mem.Type == "" {
		return fmt.Errorf("memory type cannot be empty")
	}
	return nil
}
