package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/cadenza-labs/cadenza-go/internal/domain"
	"github.com/cadenza-labs/cadenza-go/internal/repo"
)

// seedFile declares plugins and strategies to create at startup. Entries that
// already exist are left untouched, so the file can ship with a deployment
// and be applied on every boot.
type seedFile struct {
	Plugins    []seedPlugin   `yaml:"plugins"`
	Strategies []seedStrategy `yaml:"strategies"`
}

type seedPlugin struct {
	Slug       string `yaml:"slug"`
	Name       string `yaml:"name"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Capability string `yaml:"capability"`
}

type seedStrategy struct {
	Slug  string     `yaml:"slug"`
	Name  string     `yaml:"name"`
	Steps []seedStep `yaml:"steps"`
}

type seedStep struct {
	Plugin     string         `yaml:"plugin"`
	Metadata   map[string]any `yaml:"metadata"`
	Conditions map[string]any `yaml:"conditions"`
	MinOutputs int            `yaml:"min_outputs"`
	MaxRetries int            `yaml:"max_retries"`
}

func loadSeedFile(path string) (seedFile, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return seedFile{}, fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(blob, &seed); err != nil {
		return seedFile{}, fmt.Errorf("parse seed file: %w", err)
	}
	return seed, nil
}

func applySeed(ctx context.Context, logger *slog.Logger, plugins repo.PluginRegistry, strategies repo.StrategyCatalog, seed seedFile) error {
	for _, entry := range seed.Plugins {
		slug := strings.TrimSpace(entry.Slug)
		if slug == "" {
			return errors.New("seed plugin slug is required")
		}
		_, err := plugins.FindPluginBySlug(ctx, slug)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("look up seed plugin %s: %w", slug, err)
		}

		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = slug
		}
		plugin := domain.Plugin{
			ID:         uuid.NewString(),
			Slug:       slug,
			Name:       name,
			Host:       strings.TrimSpace(entry.Host),
			Port:       entry.Port,
			Capability: strings.TrimSpace(entry.Capability),
			CreatedAt:  time.Now().UTC(),
		}
		if err := plugin.Validate(); err != nil {
			return fmt.Errorf("seed plugin %s: %w", slug, err)
		}
		if err := plugins.CreatePlugin(ctx, plugin); err != nil {
			return fmt.Errorf("create seed plugin %s: %w", slug, err)
		}
		logger.Info("seeded plugin", "plugin_slug", slug, "address", plugin.Address())
	}

	for _, entry := range seed.Strategies {
		slug := strings.TrimSpace(entry.Slug)
		if slug == "" {
			return errors.New("seed strategy slug is required")
		}
		_, err := strategies.FindStrategyBySlug(ctx, slug)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("look up seed strategy %s: %w", slug, err)
		}
		if len(entry.Steps) == 0 {
			return fmt.Errorf("seed strategy %s has no steps", slug)
		}

		strategyID := uuid.NewString()
		steps := make([]domain.Step, 0, len(entry.Steps))
		for i, stepEntry := range entry.Steps {
			pluginSlug := strings.TrimSpace(stepEntry.Plugin)
			if pluginSlug == "" {
				return fmt.Errorf("seed strategy %s step %d: plugin is required", slug, i)
			}
			plugin, err := plugins.FindPluginBySlug(ctx, pluginSlug)
			if err != nil {
				return fmt.Errorf("seed strategy %s references plugin %s: %w", slug, pluginSlug, err)
			}
			steps = append(steps, domain.Step{
				ID:         uuid.NewString(),
				StrategyID: strategyID,
				PluginID:   plugin.ID,
				Plugin:     plugin,
				Metadata:   stepEntry.Metadata,
				Conditions: stepEntry.Conditions,
				MinOutputs: stepEntry.MinOutputs,
				MaxRetries: stepEntry.MaxRetries,
			})
		}

		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = slug
		}
		strategy := domain.Strategy{
			ID:        strategyID,
			Slug:      slug,
			Name:      name,
			Steps:     domain.LinkChain(steps),
			CreatedAt: time.Now().UTC(),
		}
		strategy.EntryStepID = strategy.Steps[0].ID
		if err := strategy.Validate(); err != nil {
			return fmt.Errorf("seed strategy %s: %w", slug, err)
		}
		if err := strategies.CreateStrategy(ctx, strategy); err != nil {
			return fmt.Errorf("create seed strategy %s: %w", slug, err)
		}
		logger.Info("seeded strategy", "strategy_slug", slug, "steps", len(strategy.Steps))
	}
	return nil
}
