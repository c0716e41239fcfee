package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cadenza-labs/cadenza-go/internal/domain"
	"github.com/cadenza-labs/cadenza-go/internal/repo"
)

type PluginStore struct {
	db DB
}

const selectPluginColumns = `plugin_id, slug, name, host, port, capability, created_at`

func NewPluginStore(db DB) *PluginStore {
	if db == nil {
		return nil
	}
	return &PluginStore{db: db}
}

func (s *PluginStore) CreatePlugin(ctx context.Context, plugin domain.Plugin) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("plugin store not initialized")
	}
	if err := plugin.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO plugins (
			plugin_id,
			slug,
			name,
			host,
			port,
			capability,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		strings.TrimSpace(plugin.ID),
		strings.TrimSpace(plugin.Slug),
		strings.TrimSpace(plugin.Name),
		strings.TrimSpace(plugin.Host),
		plugin.Port,
		nullIfEmpty(plugin.Capability),
		normalizeTime(plugin.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert plugin: %w", err)
	}
	return nil
}

func (s *PluginStore) FindPluginBySlug(ctx context.Context, slug string) (domain.Plugin, error) {
	if s == nil || s.db == nil {
		return domain.Plugin{}, fmt.Errorf("plugin store not initialized")
	}
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return domain.Plugin{}, fmt.Errorf("plugin slug is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectPluginColumns+` FROM plugins WHERE slug = $1`,
		slug,
	)
	return scanPlugin(row)
}

func (s *PluginStore) FindPluginByID(ctx context.Context, id string) (domain.Plugin, error) {
	if s == nil || s.db == nil {
		return domain.Plugin{}, fmt.Errorf("plugin store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Plugin{}, fmt.Errorf("plugin id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectPluginColumns+` FROM plugins WHERE plugin_id = $1`,
		id,
	)
	return scanPlugin(row)
}

func (s *PluginStore) ListPlugins(ctx context.Context, filter repo.PluginFilter) ([]domain.Plugin, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("plugin store not initialized")
	}
	clauses := make([]string, 0, 1)
	args := make([]any, 0, 2)
	if strings.TrimSpace(filter.Capability) != "" {
		args = append(args, strings.TrimSpace(filter.Capability))
		clauses = append(clauses, fmt.Sprintf("capability = $%d", len(args)))
	}

	query := `SELECT ` + selectPluginColumns + ` FROM plugins`
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
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	defer rows.Close()

	plugins := make([]domain.Plugin, 0)
	for rows.Next() {
		plugin, err := scanPlugin(rows)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, plugin)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	return plugins, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlugin(scanner rowScanner) (domain.Plugin, error) {
	var plugin domain.Plugin
	var capability sql.NullString
	if err := scanner.Scan(
		&plugin.ID,
		&plugin.Slug,
		&plugin.Name,
		&plugin.Host,
		&plugin.Port,
		&capability,
		&plugin.CreatedAt,
	); err != nil {
		return domain.Plugin{}, handleNotFound(err)
	}
	if capability.Valid {
		plugin.Capability = capability.String
	}
	plugin.CreatedAt = plugin.CreatedAt.UTC()
	return plugin, nil
}
