// Package status assembles the health and introspection report for the
// memory graph: schema presence, graph counters, rollout state, quality-gate
// summary, alarms, and a bounded ring of recent error events. Reading a
// report never mutates state; the reconciliation sweep is a separate,
// explicit operation on the store.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/engramdb/engram/pkg/metrics"
	"github.com/engramdb/engram/pkg/rollout"
	"github.com/engramdb/engram/pkg/store"
)

// Alarm codes raised by the report.
const (
	AlarmSchemaMissing    = "schema_missing"
	AlarmHighFallbackRate = "high_fallback_rate"
	AlarmGraphErrors      = "graph_expansion_errors"
	AlarmGateBlocked      = "gate_blocked"
)

// maxRecentEvents bounds the in-memory event ring.
const maxRecentEvents = 64

// Event is one recorded error or alarm occurrence.
type Event struct {
	At        time.Time
	Component string
	Message   string
}

// Recorder keeps a bounded ring of recent events. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	logger *slog.Logger
}

// NewRecorder creates an event recorder.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger}
}

// Record logs and remembers one event, evicting the oldest past the cap.
func (r *Recorder) Record(component, message string) {
	r.logger.Warn(message, "component", component)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{At: time.Now(), Component: component, Message: message})
	if len(r.events) > maxRecentEvents {
		r.events = r.events[len(r.events)-maxRecentEvents:]
	}
}

// Recent returns a copy of the recorded events, oldest first.
func (r *Recorder) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Report is the full health payload.
type Report struct {
	SchemaPresent bool
	Stats         store.GraphStats
	TopNodes      []store.NodeDegree

	RolloutMode     rollout.Mode
	DefaultStrategy rollout.Strategy
	ShadowMetrics   rollout.Summary
	Gate            rollout.GateResult

	Alarms       []string
	RecentEvents []Event
}

// Reporter builds health reports.
type Reporter struct {
	graph      store.GraphStore
	controller *rollout.Controller
	recorder   *Recorder
	collector  metrics.Collector
	// GateWindow is the shadow-metrics lookback, defaulting to one hour.
	GateWindow time.Duration
	now        func() time.Time
}

// NewReporter creates a status reporter.
func NewReporter(graph store.GraphStore, controller *rollout.Controller, recorder *Recorder) *Reporter {
	return &Reporter{
		graph:      graph,
		controller: controller,
		recorder:   recorder,
		collector:  metrics.Default(),
		GateWindow: time.Hour,
		now:        time.Now,
	}
}

// Report assembles the health payload. Partial store failures degrade the
// affected sections rather than failing the report; a health check must keep
// answering while the thing it checks is broken.
func (r *Reporter) Report(ctx context.Context) Report {
	rep := Report{}
	now := r.now()

	present, err := r.graph.SchemaPresent(ctx)
	if err != nil || !present {
		rep.Alarms = append(rep.Alarms, AlarmSchemaMissing)
	}
	rep.SchemaPresent = present

	if present {
		if stats, err := r.graph.Stats(ctx); err == nil {
			rep.Stats = stats
			r.collector.SetGraphCount(ctx, "nodes", stats.NodeCount)
			r.collector.SetGraphCount(ctx, "edges", stats.EdgeCount)
			r.collector.SetGraphCount(ctx, "links", stats.LinkCount)
			r.collector.SetGraphCount(ctx, "orphan_nodes", stats.OrphanNodes)
		} else if r.recorder != nil {
			r.recorder.Record("status", "graph stats unavailable: "+err.Error())
		}
		if top, err := r.graph.TopNodes(ctx, 10); err == nil {
			rep.TopNodes = top
		}
	}

	cfg := r.controller.Config(ctx)
	rep.RolloutMode = cfg.Mode
	rep.DefaultStrategy = cfg.DefaultStrategy

	if summary, err := r.controller.Summarize(ctx, now.Add(-r.GateWindow), now); err == nil {
		rep.ShadowMetrics = summary
	}
	rep.Gate = r.controller.EvaluateGate(ctx, now)

	if rep.Gate.Status == rollout.GateFail {
		for _, reason := range rep.Gate.Reasons {
			switch reason {
			case rollout.ReasonHighFallbackRate:
				rep.Alarms = append(rep.Alarms, AlarmHighFallbackRate)
			case rollout.ReasonGraphErrorFallbacks:
				rep.Alarms = append(rep.Alarms, AlarmGraphErrors)
			}
		}
		if rep.Gate.Blocked {
			rep.Alarms = append(rep.Alarms, AlarmGateBlocked)
		}
	}

	if r.recorder != nil {
		rep.RecentEvents = r.recorder.Recent()
	}
	return rep
}

// Reconcile runs the explicit reconciliation sweep: dangling links, expired
// edges, orphan nodes. Deliberately not part of Report.
func (r *Reporter) Reconcile(ctx context.Context) (store.ReconcileReport, error) {
	return r.graph.Reconcile(ctx, r.now())
}
