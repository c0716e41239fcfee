package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cadenza-labs/cadenza-go/internal/domain"
	"github.com/cadenza-labs/cadenza-go/internal/repo"
)

// StrategyStore reads and writes strategies with their step chains. Create
// issues one insert per step, so callers that need atomicity pass a *sql.Tx
// as the DB.
type StrategyStore struct {
	db DB
}

const selectStrategyStepsQuery = `SELECT
		st.step_id,
		st.strategy_id,
		st.plugin_id,
		st.metadata,
		st.conditions,
		st.default_next_step_id,
		st.min_outputs,
		st.max_retries,
		st.position,
		p.slug,
		p.name,
		p.host,
		p.port,
		p.capability,
		p.created_at
	FROM strategy_steps st
	JOIN plugins p ON p.plugin_id = st.plugin_id
	WHERE st.strategy_id = $1
	ORDER BY st.position ASC`

func NewStrategyStore(db DB) *StrategyStore {
	if db == nil {
		return nil
	}
	return &StrategyStore{db: db}
}

func (s *StrategyStore) CreateStrategy(ctx context.Context, strategy domain.Strategy) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("strategy store not initialized")
	}
	if err := strategy.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO strategies (
			strategy_id,
			slug,
			name,
			entry_step_id,
			created_at
		) VALUES ($1,$2,$3,$4,$5)`,
		strings.TrimSpace(strategy.ID),
		strings.TrimSpace(strategy.Slug),
		strings.TrimSpace(strategy.Name),
		strings.TrimSpace(strategy.EntryStepID),
		normalizeTime(strategy.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert strategy: %w", err)
	}

	for _, step := range strategy.Steps {
		metadataJSON, err := encodeMetadata(step.Metadata)
		if err != nil {
			return fmt.Errorf("encode step metadata: %w", err)
		}
		conditionsJSON, err := encodeMetadata(step.Conditions)
		if err != nil {
			return fmt.Errorf("encode step conditions: %w", err)
		}
		_, err = s.db.ExecContext(
			ctx,
			`INSERT INTO strategy_steps (
				step_id,
				strategy_id,
				plugin_id,
				metadata,
				conditions,
				default_next_step_id,
				min_outputs,
				max_retries,
				position
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			strings.TrimSpace(step.ID),
			strings.TrimSpace(strategy.ID),
			strings.TrimSpace(step.PluginID),
			metadataJSON,
			conditionsJSON,
			nullIfEmpty(step.DefaultNextStepID),
			step.MinOutputs,
			step.MaxRetries,
			step.Position,
		)
		if err != nil {
			return fmt.Errorf("insert strategy step: %w", err)
		}
	}
	return nil
}

func (s *StrategyStore) FindStrategyBySlug(ctx context.Context, slug string) (domain.Strategy, error) {
	if s == nil || s.db == nil {
		return domain.Strategy{}, fmt.Errorf("strategy store not initialized")
	}
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return domain.Strategy{}, fmt.Errorf("strategy slug is required")
	}

	var strategy domain.Strategy
	row := s.db.QueryRowContext(
		ctx,
		`SELECT strategy_id, slug, name, entry_step_id, created_at
		 FROM strategies
		 WHERE slug = $1`,
		slug,
	)
	if err := row.Scan(&strategy.ID, &strategy.Slug, &strategy.Name, &strategy.EntryStepID, &strategy.CreatedAt); err != nil {
		return domain.Strategy{}, handleNotFound(err)
	}
	strategy.CreatedAt = strategy.CreatedAt.UTC()

	steps, err := s.loadSteps(ctx, strategy.ID)
	if err != nil {
		return domain.Strategy{}, err
	}
	chain, err := domain.ChainSteps(strategy.EntryStepID, steps)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy %s: %w", strategy.Slug, err)
	}
	strategy.Steps = chain
	return strategy, nil
}

func (s *StrategyStore) ListStrategies(ctx context.Context, filter repo.StrategyFilter) ([]domain.Strategy, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("strategy store not initialized")
	}
	clauses := make([]string, 0, 1)
	args := make([]any, 0, 2)
	if strings.TrimSpace(filter.Name) != "" {
		args = append(args, strings.TrimSpace(filter.Name))
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}

	query := `SELECT strategy_id, slug, name, entry_step_id, created_at FROM strategies`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	strategies := make([]domain.Strategy, 0)
	for rows.Next() {
		var strategy domain.Strategy
		if err := rows.Scan(&strategy.ID, &strategy.Slug, &strategy.Name, &strategy.EntryStepID, &strategy.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		strategy.CreatedAt = strategy.CreatedAt.UTC()
		strategies = append(strategies, strategy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}

	// Listing returns strategy summaries; chains are loaded per strategy to
	// keep the list query bounded.
	for i := range strategies {
		steps, err := s.loadSteps(ctx, strategies[i].ID)
		if err != nil {
			return nil, err
		}
		chain, err := domain.ChainSteps(strategies[i].EntryStepID, steps)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", strategies[i].Slug, err)
		}
		strategies[i].Steps = chain
	}
	return strategies, nil
}

func (s *StrategyStore) loadSteps(ctx context.Context, strategyID string) ([]domain.Step, error) {
	rows, err := s.db.QueryContext(ctx, selectStrategyStepsQuery, strategyID)
	if err != nil {
		return nil, fmt.Errorf("list strategy steps: %w", err)
	}
	defer rows.Close()

	steps := make([]domain.Step, 0)
	for rows.Next() {
		var step domain.Step
		var metadataJSON []byte
		var conditionsJSON []byte
		var nextStepID sql.NullString
		var capability sql.NullString
		if err := rows.Scan(
			&step.ID,
			&step.StrategyID,
			&step.PluginID,
			&metadataJSON,
			&conditionsJSON,
			&nextStepID,
			&step.MinOutputs,
			&step.MaxRetries,
			&step.Position,
			&step.Plugin.Slug,
			&step.Plugin.Name,
			&step.Plugin.Host,
			&step.Plugin.Port,
			&capability,
			&step.Plugin.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan strategy step: %w", err)
		}
		step.Plugin.ID = step.PluginID
		if capability.Valid {
			step.Plugin.Capability = capability.String
		}
		step.Plugin.CreatedAt = step.Plugin.CreatedAt.UTC()
		if nextStepID.Valid {
			step.DefaultNextStepID = nextStepID.String
		}
		metadata, err := decodeMetadata(metadataJSON)
		if err != nil {
			return nil, fmt.Errorf("decode step metadata: %w", err)
		}
		conditions, err := decodeMetadata(conditionsJSON)
		if err != nil {
			return nil, fmt.Errorf("decode step conditions: %w", err)
		}
		step.Metadata = metadata
		step.Conditions = conditions
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list strategy steps: %w", err)
	}
	return steps, nil
}
