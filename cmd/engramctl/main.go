// Command engramctl is the operational CLI for an engram memory graph:
// health reports, reconciliation sweeps, rollout control, and shadow-metric
// inspection.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/engramdb/engram/pkg/rollout"
	"github.com/engramdb/engram/pkg/status"
	"github.com/engramdb/engram/pkg/store"
)

var (
	dbPath      string
	postgresURL string
	window      time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "engramctl",
	Short:         "Operate an engram memory graph",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "engram.db", "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&postgresURL, "postgres", "", "Postgres URL (overrides --db)")
	rootCmd.PersistentFlags().DurationVar(&window, "window", time.Hour, "metrics lookback window")

	rootCmd.AddCommand(statusCmd, reconcileCmd, rolloutCmd, metricsCmd, gateCmd, autopilotCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// ops bundles the handles every subcommand needs.
type ops struct {
	graph      store.GraphStore
	controller *rollout.Controller
	reporter   *status.Reporter
	close      func() error
}

func openOps(ctx context.Context) (*ops, error) {
	if postgresURL != "" {
		st, err := store.NewPostgresStore(ctx, postgresURL, 0)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		c := rollout.NewController(st, rollout.GateConfig{}, nil)
		return &ops{graph: st, controller: c, reporter: status.NewReporter(st, c, nil), close: st.Close}, nil
	}

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	c := rollout.NewController(st, rollout.GateConfig{}, nil)
	return &ops{graph: st, controller: c, reporter: status.NewReporter(st, c, nil), close: st.Close}, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the graph health report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		o, err := openOps(ctx)
		if err != nil {
			return err
		}
		defer o.close()

		rep := o.reporter.Report(ctx)
		fmt.Printf("schema present:   %v\n", rep.SchemaPresent)
		fmt.Printf("nodes:            %d\n", rep.Stats.NodeCount)
		fmt.Printf("edges:            %d (%d active, %d expired)\n", rep.Stats.EdgeCount, rep.Stats.ActiveEdges, rep.Stats.ExpiredEdges)
		fmt.Printf("links:            %d\n", rep.Stats.LinkCount)
		fmt.Printf("orphan nodes:     %d\n", rep.Stats.OrphanNodes)
		fmt.Printf("rollout mode:     %s (default strategy %s)\n", rep.RolloutMode, rep.DefaultStrategy)
		fmt.Printf("gate:             %s %v\n", rep.Gate.Status, rep.Gate.Reasons)
		if len(rep.Alarms) > 0 {
			fmt.Printf("alarms:           %v\n", rep.Alarms)
		}
		if len(rep.TopNodes) > 0 {
			fmt.Println("top nodes:")
			for _, tn := range rep.TopNodes {
				fmt.Printf("  %-10s %-30s degree %d\n", tn.Node.Type, tn.Node.Key, tn.Degree)
			}
		}
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Sweep dangling links, expired edges, and orphan nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		o, err := openOps(ctx)
		if err != nil {
			return err
		}
		defer o.close()

		rep, err := o.reporter.Reconcile(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d dangling links, %d expired edges, %d orphan nodes\n",
			rep.DanglingLinks, rep.ExpiredEdges, rep.OrphanNodes)
		return nil
	},
}

var rolloutCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Inspect or change the rollout stage",
}

var rolloutGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the current rollout config",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		o, err := openOps(ctx)
		if err != nil {
			return err
		}
		defer o.close()

		cfg := o.controller.Config(ctx)
		fmt.Printf("mode:             %s\n", cfg.Mode)
		fmt.Printf("default strategy: %s\n", cfg.DefaultStrategy)
		fmt.Printf("ready streak:     %d\n", cfg.ReadyStreak)
		fmt.Printf("version:          %d\n", cfg.Version)
		if cfg.UpdatedBy != "" {
			fmt.Printf("updated:          %s by %s\n", cfg.UpdatedAt.Format(time.RFC3339), cfg.UpdatedBy)
		}
		return nil
	},
}

var rolloutSetCmd = &cobra.Command{
	Use:   "set <off|shadow|canary>",
	Short: "Set the rollout mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		o, err := openOps(ctx)
		if err != nil {
			return err
		}
		defer o.close()

		by, _ := cmd.Flags().GetString("by")
		cfg, err := o.controller.SetMode(ctx, rollout.Mode(args[0]), by)
		if err != nil {
			return err
		}
		fmt.Printf("mode set to %s (version %d)\n", cfg.Mode, cfg.Version)
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Summarize retrieval metric samples over the lookback window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		o, err := openOps(ctx)
		if err != nil {
			return err
		}
		defer o.close()

		now := time.Now()
		sum, err := o.controller.Summarize(ctx, now.Add(-window), now)
		if err != nil {
			return err
		}
		fmt.Printf("samples:          %d\n", sum.Total)
		fmt.Printf("shadow executed:  %d\n", sum.ShadowExecuted)
		fmt.Printf("canary applied:   %d\n", sum.CanaryApplied)
		fmt.Printf("fallback rate:    %.2f\n", sum.FallbackRate)
		fmt.Printf("graph error rate: %.2f\n", sum.GraphErrorRate)
		fmt.Printf("graph coverage:   %.2f\n", sum.GraphCoverageRate)
		fmt.Printf("avg counts:       baseline %.1f, graph %.1f, merged %.1f\n",
			sum.AvgBaselineCount, sum.AvgGraphCount, sum.AvgMergedCount)
		for reason, n := range sum.ByFallbackReason {
			fmt.Printf("  fallback %-24s %d\n", reason, n)
		}
		return nil
	},
}

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Evaluate the quality gate now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		o, err := openOps(ctx)
		if err != nil {
			return err
		}
		defer o.close()

		res := o.controller.EvaluateGate(ctx, time.Now())
		fmt.Printf("status:  %s\n", res.Status)
		fmt.Printf("blocked: %v\n", res.Blocked)
		fmt.Printf("reasons: %v\n", res.Reasons)
		return nil
	},
}

var autopilotCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Run one autopilot evaluation",
}

var autopilotPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Evaluate the stage plan (off to shadow advancement)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		o, err := openOps(ctx)
		if err != nil {
			return err
		}
		defer o.close()

		dec, err := o.controller.EvaluatePlan(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("action: %s\n", dec.Action)
		fmt.Printf("mode:   %s\n", dec.Mode)
		fmt.Printf("reason: %s\n", dec.Reason)
		return nil
	},
}

var autopilotPolicyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Evaluate the strategy policy (hybrid promotion and rollback)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		o, err := openOps(ctx)
		if err != nil {
			return err
		}
		defer o.close()

		dec, err := o.controller.EvaluatePolicy(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("action:       %s\n", dec.Action)
		fmt.Printf("strategy:     %s\n", dec.Strategy)
		fmt.Printf("ready streak: %d\n", dec.ReadyStreak)
		fmt.Printf("reason:       %s\n", dec.Reason)
		return nil
	},
}

func init() {
	rolloutSetCmd.Flags().String("by", "engramctl", "actor recorded on the config change")
	rolloutCmd.AddCommand(rolloutGetCmd, rolloutSetCmd)
	autopilotCmd.AddCommand(autopilotPlanCmd, autopilotPolicyCmd)
}
