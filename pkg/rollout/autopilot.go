package rollout

import (
	"context"
	"fmt"
)

// Autopilot actions.
const (
	ActionHold           = "hold"
	ActionAdvanceShadow  = "advance_shadow"
	ActionPromoteHybrid  = "promote_hybrid"
	ActionRollbackLexical = "rollback_lexical"
)

const autopilotActor = "autopilot"

// PlanDecision is the outcome of one autopilot evaluation.
type PlanDecision struct {
	Action      string
	Reason      string
	Mode        Mode
	Strategy    Strategy
	ReadyStreak int
	Gate        GateResult
}

// EvaluatePlan advances the rollout stage: once minimal traffic exists while
// the mode is off, the autopilot moves to shadow so quality signal starts
// accumulating before any user is exposed.
func (c *Controller) EvaluatePlan(ctx context.Context) (PlanDecision, error) {
	cfg, err := c.store.GetRolloutConfig(ctx)
	if err != nil {
		return PlanDecision{}, fmt.Errorf("load rollout config: %w", err)
	}

	now := c.now()
	dec := PlanDecision{Action: ActionHold, Mode: cfg.Mode, Strategy: cfg.DefaultStrategy, ReadyStreak: cfg.ReadyStreak}

	if cfg.Mode != ModeOff {
		dec.Reason = "rollout already past off"
		return dec, nil
	}

	cur, err := c.Summarize(ctx, now.Add(-c.cfg.Window), now)
	if err != nil {
		return PlanDecision{}, fmt.Errorf("summarize window: %w", err)
	}
	if cur.Total < c.cfg.MinTrafficSamples {
		dec.Reason = fmt.Sprintf("waiting for traffic: %d/%d samples", cur.Total, c.cfg.MinTrafficSamples)
		return dec, nil
	}

	cfg.Mode = ModeShadow
	cfg.UpdatedBy = autopilotActor
	cfg.UpdatedAt = now
	updated, err := c.store.SetRolloutConfig(ctx, cfg)
	if err != nil {
		return PlanDecision{}, fmt.Errorf("persist rollout config: %w", err)
	}

	c.logger.Info("autopilot advanced rollout", "mode", updated.Mode)
	c.collector.SetRolloutMode(ctx, string(updated.Mode))
	dec.Action = ActionAdvanceShadow
	dec.Reason = "minimal traffic reached"
	dec.Mode = updated.Mode
	return dec, nil
}

// EvaluatePolicy adjusts the default retrieval strategy. Promotion to hybrid
// requires PromoteAfterWindows consecutive gate-pass evaluations (hysteresis
// via the persisted ready streak); a single regression window rolls the
// default back to lexical immediately.
func (c *Controller) EvaluatePolicy(ctx context.Context) (PlanDecision, error) {
	cfg, err := c.store.GetRolloutConfig(ctx)
	if err != nil {
		return PlanDecision{}, fmt.Errorf("load rollout config: %w", err)
	}

	now := c.now()
	gate := c.EvaluateGate(ctx, now)
	dec := PlanDecision{Action: ActionHold, Mode: cfg.Mode, Strategy: cfg.DefaultStrategy, ReadyStreak: cfg.ReadyStreak, Gate: gate}

	switch {
	case gate.Status == GateFail && gate.Blocked:
		// Regression window: one is enough to revert.
		cfg.ReadyStreak = 0
		if cfg.DefaultStrategy == StrategyHybrid {
			cfg.DefaultStrategy = StrategyLexical
			dec.Action = ActionRollbackLexical
			dec.Reason = fmt.Sprintf("regression window: %v", gate.Reasons)
		} else {
			dec.Reason = "gate blocked, streak reset"
		}

	case gate.Status == GatePass:
		cfg.ReadyStreak++
		if cfg.DefaultStrategy == StrategyLexical && cfg.ReadyStreak >= c.cfg.PromoteAfterWindows {
			cfg.DefaultStrategy = StrategyHybrid
			dec.Action = ActionPromoteHybrid
			dec.Reason = fmt.Sprintf("%d consecutive ready windows", cfg.ReadyStreak)
		} else {
			dec.Reason = fmt.Sprintf("ready streak %d/%d", cfg.ReadyStreak, c.cfg.PromoteAfterWindows)
		}

	default:
		// insufficient_data or non-blocking fail: hold without touching
		// the streak.
		dec.Reason = string(gate.Status)
		dec.Strategy = cfg.DefaultStrategy
		return dec, nil
	}

	cfg.UpdatedBy = autopilotActor
	cfg.UpdatedAt = now
	updated, err := c.store.SetRolloutConfig(ctx, cfg)
	if err != nil {
		return PlanDecision{}, fmt.Errorf("persist rollout config: %w", err)
	}

	if dec.Action != ActionHold {
		c.logger.Info("autopilot changed default strategy",
			"action", dec.Action, "strategy", updated.DefaultStrategy, "streak", updated.ReadyStreak)
	}
	dec.Strategy = updated.DefaultStrategy
	dec.ReadyStreak = updated.ReadyStreak
	return dec, nil
}
