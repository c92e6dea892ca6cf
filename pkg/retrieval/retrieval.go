// Package retrieval orchestrates hybrid retrieval: baseline lexical
// candidates, optionally augmented with graph-expansion candidates, governed
// by the staged rollout controller. Every call emits a decision trace and
// records one rollout metric sample; all graph-side failures fall back to the
// baseline list rather than failing the request.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/engramdb/engram/pkg/metrics"
	"github.com/engramdb/engram/pkg/rollout"
	"github.com/engramdb/engram/pkg/store"
	"github.com/engramdb/engram/pkg/traversal"
)

// Reasons a memory is included in the response.
const (
	WhyBaseline       = "baseline"
	WhyGraphExpansion = "graph_expansion"
)

// Query is one retrieval request.
type Query struct {
	Text      string
	ProjectID string
	UserID    string
	Limit     int
	// Strategy overrides the rollout default when set.
	Strategy rollout.Strategy
}

// Result is one returned memory with its inclusion record.
type Result struct {
	MemoryID     string
	Score        float64
	WhyIncluded  string
	EdgeType     store.EdgeType
	HopCount     int
	ViaNodeKey   string
	SeedMemoryID string
}

// Conflict is a contradicting pair surfaced to the caller.
type Conflict struct {
	MemoryA    string
	MemoryB    string
	Suggestion string
}

// Trace explains the retrieval decision for one call.
type Trace struct {
	Mode              rollout.Mode
	RequestedStrategy rollout.Strategy
	AppliedStrategy   rollout.Strategy
	ShadowExecuted    bool
	GateStatus        rollout.GateStatus
	GateBlocked       bool
	GateReasons       []string
	BaselineCount     int
	GraphCount        int
	MergedCount       int
	ConflictCount     int
	Fallback          bool
	FallbackReason    string
}

// Response is the full retrieval answer.
type Response struct {
	Results   []Result
	Conflicts []Conflict
	Trace     Trace
}

// Baseline produces lexical candidates. Owned by the external memory CRUD
// layer; the orchestrator only annotates and augments its output.
type Baseline interface {
	Search(ctx context.Context, query Query) ([]Result, error)
}

// Expander runs graph expansion; *traversal.Traverser implements it.
type Expander interface {
	Expand(ctx context.Context, seedMemoryIDs []string, depth, limit int) ([]traversal.Candidate, error)
}

// ConflictFinder reports contradicts pairs among a result set.
type ConflictFinder interface {
	ConflictsAmong(ctx context.Context, memoryIDs []string) ([]store.Conflict, error)
}

// Config tunes the orchestrator.
type Config struct {
	// Enabled is the graph-retrieval feature flag. When false no traversal
	// ever runs, regardless of rollout mode.
	Enabled bool
	// Depth is the traversal depth, clamped to traversal.MaxDepth.
	Depth int
	// GraphLimit caps graph candidates per request.
	GraphLimit int
}

func (c *Config) applyDefaults() {
	if c.Depth <= 0 {
		c.Depth = traversal.MaxDepth
	}
	if c.GraphLimit <= 0 {
		c.GraphLimit = 10
	}
}

// Orchestrator decides per request whether graph expansion runs and whether
// its results are served.
type Orchestrator struct {
	baseline   Baseline
	expander   Expander
	conflicts  ConflictFinder
	controller *rollout.Controller
	collector  metrics.Collector
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a retrieval orchestrator.
func New(baseline Baseline, expander Expander, conflicts ConflictFinder, controller *rollout.Controller, collector metrics.Collector, cfg Config, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Default()
	}
	return &Orchestrator{
		baseline:   baseline,
		expander:   expander,
		conflicts:  conflicts,
		controller: controller,
		collector:  collector,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Retrieve runs one hybrid retrieval. Baseline failure is the only error
// surfaced to the caller; every graph-side failure degrades to the baseline
// list with a coded fallback reason.
func (o *Orchestrator) Retrieve(ctx context.Context, q Query) (*Response, error) {
	base, err := o.baseline.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("baseline search: %w", err)
	}
	for i := range base {
		if base[i].WhyIncluded == "" {
			base[i].WhyIncluded = WhyBaseline
		}
	}

	rcfg := o.controller.Config(ctx)
	requested := q.Strategy
	if requested == "" {
		requested = rcfg.DefaultStrategy
	}

	trace := Trace{
		Mode:              rcfg.Mode,
		RequestedStrategy: requested,
		AppliedStrategy:   rollout.StrategyLexical,
		BaselineCount:     len(base),
	}
	results := base

	switch {
	case !o.cfg.Enabled || rcfg.Mode == rollout.ModeOff:
		trace.Fallback = true
		trace.FallbackReason = rollout.FallbackFeatureFlagDisabled

	case requested == rollout.StrategyLexical:
		// Caller explicitly wants lexical; nothing to fall back from.

	case rcfg.Mode == rollout.ModeShadow:
		cands := o.expand(ctx, base, &trace)
		trace.GraphCount = len(cands)
		trace.ShadowExecuted = true
		if !trace.Fallback {
			trace.Fallback = true
			trace.FallbackReason = rollout.FallbackShadowMode
		}

	case rcfg.Mode == rollout.ModeCanary:
		gate := o.controller.EvaluateGate(ctx, o.now())
		trace.GateStatus = gate.Status
		trace.GateBlocked = gate.Blocked
		trace.GateReasons = gate.Reasons

		if !gate.AllowCanaryMerge() {
			trace.Fallback = true
			trace.FallbackReason = rollout.FallbackQualityGateBlocked
			break
		}

		cands := o.expand(ctx, base, &trace)
		trace.GraphCount = len(cands)
		if trace.Fallback {
			break
		}
		if len(cands) == 0 {
			trace.Fallback = true
			trace.FallbackReason = rollout.FallbackNoCandidates
			break
		}
		results = merge(base, cands, q.Limit)
		trace.AppliedStrategy = rollout.StrategyHybrid
	}

	trace.MergedCount = len(results)

	resp := &Response{Results: results, Trace: trace}
	o.findConflicts(ctx, resp)
	trace.ConflictCount = len(resp.Conflicts)
	resp.Trace = trace

	o.record(ctx, trace)
	return resp, nil
}

// expand runs traversal with the baseline memories as seeds. Failure marks a
// graph_error fallback on the trace and returns nil.
func (o *Orchestrator) expand(ctx context.Context, base []Result, trace *Trace) []traversal.Candidate {
	if o.expander == nil || len(base) == 0 {
		return nil
	}
	seeds := make([]string, len(base))
	for i, r := range base {
		seeds[i] = r.MemoryID
	}

	cands, err := o.expander.Expand(ctx, seeds, o.cfg.Depth, o.cfg.GraphLimit)
	if err != nil {
		o.logger.Warn("graph expansion failed", "error", err)
		trace.Fallback = true
		trace.FallbackReason = rollout.FallbackGraphError
		return nil
	}
	return cands
}

// merge appends graph candidates not already present, annotated with the
// graph_expansion reason and their explainability record.
func merge(base []Result, cands []traversal.Candidate, limit int) []Result {
	seen := make(map[string]bool, len(base))
	for _, r := range base {
		seen[r.MemoryID] = true
	}

	out := base
	for _, c := range cands {
		if seen[c.MemoryID] {
			continue
		}
		seen[c.MemoryID] = true
		out = append(out, Result{
			MemoryID:     c.MemoryID,
			Score:        c.Score,
			WhyIncluded:  WhyGraphExpansion,
			EdgeType:     c.EdgeType,
			HopCount:     c.HopCount,
			ViaNodeKey:   c.ViaNodeKey,
			SeedMemoryID: c.SeedMemoryID,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// findConflicts surfaces contradicts pairs among the returned memories. A
// lookup failure is logged and the conflict list stays empty; conflicts are
// advisory, not load-bearing.
func (o *Orchestrator) findConflicts(ctx context.Context, resp *Response) {
	if o.conflicts == nil || len(resp.Results) < 2 {
		return
	}
	ids := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		ids[i] = r.MemoryID
	}

	pairs, err := o.conflicts.ConflictsAmong(ctx, ids)
	if err != nil {
		o.logger.Warn("conflict lookup failed", "error", err)
		return
	}
	for _, p := range pairs {
		resp.Conflicts = append(resp.Conflicts, Conflict{
			MemoryA: p.MemoryA,
			MemoryB: p.MemoryB,
			Suggestion: fmt.Sprintf(
				"memories %s and %s appear to contradict each other; consider asking the user which one still holds",
				p.MemoryA, p.MemoryB),
		})
	}
}

// record emits the metric sample and counters for one call. Failures never
// reach the caller.
func (o *Orchestrator) record(ctx context.Context, trace Trace) {
	o.controller.RecordSample(ctx, rollout.MetricSample{
		Mode:              trace.Mode,
		RequestedStrategy: trace.RequestedStrategy,
		AppliedStrategy:   trace.AppliedStrategy,
		ShadowExecuted:    trace.ShadowExecuted,
		BaselineCount:     trace.BaselineCount,
		GraphCount:        trace.GraphCount,
		MergedCount:       trace.MergedCount,
		Fallback:          trace.Fallback,
		FallbackReason:    trace.FallbackReason,
	})
	o.collector.RecordRetrieval(ctx, string(trace.AppliedStrategy), trace.FallbackReason)
}
