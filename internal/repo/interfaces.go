package repo

import (
	"context"

	"github.com/cadenza-labs/cadenza-go/internal/domain"
)

type StrategyFilter struct {
	Name  string
	Limit int
}

type PluginFilter struct {
	Capability string
	Limit      int
}

type PlaylistFilter struct {
	StrategyID string
	Status     string
	Limit      int
}

// StrategyCatalog is the read side of the strategy store. FindBySlug returns
// the full strategy with its step chain materialized in chain order and each
// step's plugin resolved.
type StrategyCatalog interface {
	CreateStrategy(ctx context.Context, strategy domain.Strategy) error
	FindStrategyBySlug(ctx context.Context, slug string) (domain.Strategy, error)
	ListStrategies(ctx context.Context, filter StrategyFilter) ([]domain.Strategy, error)
}

// PluginRegistry resolves worker network addresses. Read-only to the engine.
type PluginRegistry interface {
	CreatePlugin(ctx context.Context, plugin domain.Plugin) error
	FindPluginBySlug(ctx context.Context, slug string) (domain.Plugin, error)
	FindPluginByID(ctx context.Context, id string) (domain.Plugin, error)
	ListPlugins(ctx context.Context, filter PluginFilter) ([]domain.Plugin, error)
}

// PlaylistRepository manages playlist rows. Advance is the only mutator after
// creation: it compares the caller's version against the row and fails with
// ErrConflict when another writer got there first.
type PlaylistRepository interface {
	CreatePlaylist(ctx context.Context, playlist domain.Playlist) error
	GetPlaylistBySlug(ctx context.Context, slug string) (domain.Playlist, error)
	ListPlaylists(ctx context.Context, filter PlaylistFilter) ([]domain.Playlist, error)
	AdvancePlaylist(ctx context.Context, id string, version int64, status domain.PlaylistStatus, currentStepID string) (domain.Playlist, error)
}
