package rollout

import (
	"context"
	"time"
)

// Gate reason codes. A subset is blocking: a blocking reason prevents canary
// merges and counts as a regression window for the autopilot.
const (
	ReasonHealthy             = "healthy"
	ReasonInsufficientData    = "insufficient_data"
	ReasonHighFallbackRate    = "high_fallback_rate"
	ReasonGraphErrorFallbacks = "graph_error_fallbacks"
	ReasonRelevanceRegression = "relevance_regression"
	ReasonCoverageRegression  = "coverage_regression"
)

var blockingReasons = map[string]bool{
	ReasonHighFallbackRate:    true,
	ReasonGraphErrorFallbacks: true,
	ReasonRelevanceRegression: true,
}

// GateStatus is the overall quality-gate verdict.
type GateStatus string

const (
	// GatePass means the current window looks healthy.
	GatePass GateStatus = "pass"
	// GateInsufficientData means too few samples to judge. Not a failure,
	// but canary merges do not happen until there is enough signal.
	GateInsufficientData GateStatus = "insufficient_data"
	// GateFail means at least one reason fired.
	GateFail GateStatus = "fail"
)

// GateConfig tunes the rolling quality gate and the autopilot.
type GateConfig struct {
	// Window is the evaluation window length. The gate compares
	// [now-Window, now) against [now-2*Window, now-Window).
	Window time.Duration

	// MinSamples is the minimum current-window sample count before the
	// gate judges at all.
	MinSamples int

	// MaxFallbackRate fails the gate when exceeded in the current window.
	MaxFallbackRate float64

	// MaxGraphErrorRate fails the gate when graph-error fallbacks exceed
	// this share of the current window.
	MaxGraphErrorRate float64

	// MinCanarySamples is the minimum applied-hybrid sample count in both
	// windows before relevance/coverage deltas are judged.
	MinCanarySamples int

	// MaxRelevanceDrop is the tolerated relative drop in average merged
	// candidate count between windows.
	MaxRelevanceDrop float64

	// MaxCoverageDrop is the tolerated absolute drop in graph coverage
	// rate between windows.
	MaxCoverageDrop float64

	// MinTrafficSamples is the current-window traffic needed before the
	// autopilot advances off to shadow.
	MinTrafficSamples int

	// PromoteAfterWindows is the number of consecutive gate-pass windows
	// required before the default strategy promotes to hybrid.
	PromoteAfterWindows int
}

func (c *GateConfig) applyDefaults() {
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 20
	}
	if c.MaxFallbackRate <= 0 {
		c.MaxFallbackRate = 0.3
	}
	if c.MaxGraphErrorRate <= 0 {
		c.MaxGraphErrorRate = 0.1
	}
	if c.MinCanarySamples <= 0 {
		c.MinCanarySamples = 10
	}
	if c.MaxRelevanceDrop <= 0 {
		c.MaxRelevanceDrop = 0.25
	}
	if c.MaxCoverageDrop <= 0 {
		c.MaxCoverageDrop = 0.2
	}
	if c.MinTrafficSamples <= 0 {
		c.MinTrafficSamples = 10
	}
	if c.PromoteAfterWindows <= 0 {
		c.PromoteAfterWindows = 3
	}
}

// GateResult is one quality-gate evaluation.
type GateResult struct {
	Status   GateStatus
	Blocked  bool
	Reasons  []string
	Current  Summary
	Previous Summary
}

// EvaluateGate runs the rolling quality gate at the given instant. A store
// failure degrades to insufficient_data rather than erroring: the gate fails
// open toward baseline retrieval, never toward an outage.
func (c *Controller) EvaluateGate(ctx context.Context, at time.Time) GateResult {
	cur, err := c.Summarize(ctx, at.Add(-c.cfg.Window), at)
	if err != nil {
		c.logger.Warn("quality gate window load failed", "error", err)
		return GateResult{Status: GateInsufficientData, Reasons: []string{ReasonInsufficientData}}
	}
	prev, err := c.Summarize(ctx, at.Add(-2*c.cfg.Window), at.Add(-c.cfg.Window))
	if err != nil {
		c.logger.Warn("quality gate window load failed", "error", err)
		return GateResult{Status: GateInsufficientData, Reasons: []string{ReasonInsufficientData}, Current: cur}
	}

	res := GateResult{Current: cur, Previous: prev}

	if cur.Total < c.cfg.MinSamples {
		res.Status = GateInsufficientData
		res.Reasons = []string{ReasonInsufficientData}
		return res
	}

	if cur.FallbackRate > c.cfg.MaxFallbackRate {
		res.Reasons = append(res.Reasons, ReasonHighFallbackRate)
	}
	if cur.GraphErrorRate > c.cfg.MaxGraphErrorRate {
		res.Reasons = append(res.Reasons, ReasonGraphErrorFallbacks)
	}

	// Relevance and coverage deltas need canary traffic on both sides to
	// mean anything.
	if cur.CanaryApplied >= c.cfg.MinCanarySamples && prev.CanaryApplied >= c.cfg.MinCanarySamples {
		if prev.AvgMergedCount > 0 {
			drop := (prev.AvgMergedCount - cur.AvgMergedCount) / prev.AvgMergedCount
			if drop > c.cfg.MaxRelevanceDrop {
				res.Reasons = append(res.Reasons, ReasonRelevanceRegression)
			}
		}
		if prev.GraphCoverageRate-cur.GraphCoverageRate > c.cfg.MaxCoverageDrop {
			res.Reasons = append(res.Reasons, ReasonCoverageRegression)
		}
	}

	if len(res.Reasons) == 0 {
		res.Status = GatePass
		res.Reasons = []string{ReasonHealthy}
		return res
	}

	res.Status = GateFail
	for _, r := range res.Reasons {
		if blockingReasons[r] {
			res.Blocked = true
			break
		}
	}
	return res
}

// AllowCanaryMerge reports whether traversal results may be merged into the
// served response right now. Only a passing gate allows the merge.
func (r GateResult) AllowCanaryMerge() bool {
	return r.Status == GatePass
}
