package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/engramdb/engram/pkg/rollout"
)

// GetRolloutConfig returns the singleton rollout row, or the safe default
// (mode off, lexical, version 0) when the row does not exist yet.
func (s *SQLiteStore) GetRolloutConfig(ctx context.Context) (rollout.Config, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return rollout.Config{}, err
	}

	var cfg rollout.Config
	var mode, strategy string
	var updatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT mode, default_strategy, ready_streak, version, updated_at, updated_by
		 FROM rollout_config WHERE id = 1`).
		Scan(&mode, &strategy, &cfg.ReadyStreak, &cfg.Version, &updatedAt, &cfg.UpdatedBy)
	if err == sql.ErrNoRows {
		return rollout.Config{Mode: rollout.ModeOff, DefaultStrategy: rollout.StrategyLexical}, nil
	}
	if err != nil {
		return rollout.Config{}, fmt.Errorf("load rollout config: %w", err)
	}
	cfg.Mode = rollout.Mode(mode)
	cfg.DefaultStrategy = rollout.Strategy(strategy)
	if updatedAt.Valid {
		cfg.UpdatedAt = updatedAt.Time
	}
	return cfg, nil
}

// SetRolloutConfig upserts the singleton with optimistic versioning: the
// write succeeds only when cfg.Version matches the stored version.
func (s *SQLiteStore) SetRolloutConfig(ctx context.Context, cfg rollout.Config) (rollout.Config, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return rollout.Config{}, err
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE rollout_config
		 SET mode = ?, default_strategy = ?, ready_streak = ?, version = version + 1, updated_at = ?, updated_by = ?
		 WHERE id = 1 AND version = ?`,
		string(cfg.Mode), string(cfg.DefaultStrategy), cfg.ReadyStreak,
		cfg.UpdatedAt, cfg.UpdatedBy, cfg.Version)
	if err != nil {
		return rollout.Config{}, fmt.Errorf("update rollout config: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		cfg.Version++
		return cfg, nil
	}

	if cfg.Version != 0 {
		return rollout.Config{}, rollout.ErrVersionConflict
	}

	res, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rollout_config (id, mode, default_strategy, ready_streak, version, updated_at, updated_by)
		 VALUES (1, ?, ?, ?, 1, ?, ?)`,
		string(cfg.Mode), string(cfg.DefaultStrategy), cfg.ReadyStreak, cfg.UpdatedAt, cfg.UpdatedBy)
	if err != nil {
		return rollout.Config{}, fmt.Errorf("insert rollout config: %w", err)
	}
	if n, _ = res.RowsAffected(); n == 0 {
		// Someone else created the row between our update and insert.
		return rollout.Config{}, rollout.ErrVersionConflict
	}
	cfg.Version = 1
	return cfg, nil
}

// InsertSample appends one retrieval metric sample.
func (s *SQLiteStore) InsertSample(ctx context.Context, m rollout.MetricSample) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rollout_metrics
		 (id, recorded_at, mode, requested_strategy, applied_strategy, shadow_executed,
		  baseline_count, graph_count, merged_count, fallback, fallback_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RecordedAt, string(m.Mode), string(m.RequestedStrategy), string(m.AppliedStrategy),
		boolToInt(m.ShadowExecuted), m.BaselineCount, m.GraphCount, m.MergedCount,
		boolToInt(m.Fallback), m.FallbackReason)
	if err != nil {
		return fmt.Errorf("insert metric sample: %w", err)
	}
	return nil
}

// PruneSamples deletes samples recorded before the cutoff.
func (s *SQLiteStore) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rollout_metrics WHERE recorded_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("prune metric samples: %w", err)
	}
	return res.RowsAffected()
}

// SamplesBetween returns samples with from <= recorded_at < to.
func (s *SQLiteStore) SamplesBetween(ctx context.Context, from, to time.Time) ([]rollout.MetricSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recorded_at, mode, requested_strategy, applied_strategy, shadow_executed,
		        baseline_count, graph_count, merged_count, fallback, fallback_reason
		 FROM rollout_metrics
		 WHERE recorded_at >= ? AND recorded_at < ?
		 ORDER BY recorded_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query metric samples: %w", err)
	}
	defer rows.Close()

	var out []rollout.MetricSample
	for rows.Next() {
		var m rollout.MetricSample
		var mode, requested, applied string
		var shadow, fallback int
		if err := rows.Scan(&m.ID, &m.RecordedAt, &mode, &requested, &applied, &shadow,
			&m.BaselineCount, &m.GraphCount, &m.MergedCount, &fallback, &m.FallbackReason); err != nil {
			return nil, fmt.Errorf("scan metric sample: %w", err)
		}
		m.Mode = rollout.Mode(mode)
		m.RequestedStrategy = rollout.Strategy(requested)
		m.AppliedStrategy = rollout.Strategy(applied)
		m.ShadowExecuted = shadow != 0
		m.Fallback = fallback != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
