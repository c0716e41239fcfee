package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cadenza-labs/cadenza-go/internal/domain"
	"github.com/cadenza-labs/cadenza-go/internal/repo"
)

type PlaylistStore struct {
	db DB
}

const (
	selectPlaylistColumns = `playlist_id, slug, strategy_id, status, current_step_id, version, created_at, updated_at`

	// The version predicate is the per-run mutual exclusion: a concurrent
	// writer bumps the version first and this update then matches no row.
	advancePlaylistQuery = `UPDATE playlists
		SET status = $1,
			current_step_id = $2,
			version = version + 1,
			updated_at = $3
		WHERE playlist_id = $4 AND version = $5
		RETURNING playlist_id, slug, strategy_id, status, current_step_id, version, created_at, updated_at`
)

func NewPlaylistStore(db DB) *PlaylistStore {
	if db == nil {
		return nil
	}
	return &PlaylistStore{db: db}
}

func (s *PlaylistStore) CreatePlaylist(ctx context.Context, playlist domain.Playlist) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("playlist store not initialized")
	}
	if err := playlist.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(playlist.CreatedAt)
	updatedAt := playlist.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO playlists (
			playlist_id,
			slug,
			strategy_id,
			status,
			current_step_id,
			version,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		strings.TrimSpace(playlist.ID),
		strings.TrimSpace(playlist.Slug),
		strings.TrimSpace(playlist.StrategyID),
		string(playlist.Status),
		nullIfEmpty(playlist.CurrentStepID),
		playlist.Version,
		createdAt,
		updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert playlist: %w", err)
	}
	return nil
}

func (s *PlaylistStore) GetPlaylistBySlug(ctx context.Context, slug string) (domain.Playlist, error) {
	if s == nil || s.db == nil {
		return domain.Playlist{}, fmt.Errorf("playlist store not initialized")
	}
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return domain.Playlist{}, fmt.Errorf("playlist slug is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectPlaylistColumns+` FROM playlists WHERE slug = $1`,
		slug,
	)
	return scanPlaylist(row)
}

func (s *PlaylistStore) ListPlaylists(ctx context.Context, filter repo.PlaylistFilter) ([]domain.Playlist, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("playlist store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if strings.TrimSpace(filter.StrategyID) != "" {
		args = append(args, strings.TrimSpace(filter.StrategyID))
		clauses = append(clauses, fmt.Sprintf("strategy_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Status) != "" {
		args = append(args, strings.TrimSpace(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + selectPlaylistColumns + ` FROM playlists`
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
		return nil, fmt.Errorf("list playlists: %w", err)
	}
	defer rows.Close()

	playlists := make([]domain.Playlist, 0)
	for rows.Next() {
		playlist, err := scanPlaylist(rows)
		if err != nil {
			return nil, fmt.Errorf("scan playlist: %w", err)
		}
		playlists = append(playlists, playlist)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list playlists: %w", err)
	}
	return playlists, nil
}

// AdvancePlaylist performs the compare-and-swap mutation of a playlist row.
// A version miss on an existing row reports repo.ErrConflict so the caller
// can distinguish a lost race from a missing playlist.
func (s *PlaylistStore) AdvancePlaylist(ctx context.Context, id string, version int64, status domain.PlaylistStatus, currentStepID string) (domain.Playlist, error) {
	if s == nil || s.db == nil {
		return domain.Playlist{}, fmt.Errorf("playlist store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Playlist{}, fmt.Errorf("playlist id is required")
	}
	if domain.NormalizePlaylistStatus(string(status)) == "" {
		return domain.Playlist{}, fmt.Errorf("playlist status is required")
	}
	if version < 1 {
		return domain.Playlist{}, fmt.Errorf("playlist version must be >= 1")
	}

	row := s.db.QueryRowContext(
		ctx,
		advancePlaylistQuery,
		string(status),
		nullIfEmpty(currentStepID),
		time.Now().UTC(),
		id,
		version,
	)
	playlist, err := scanPlaylist(row)
	if err == nil {
		return playlist, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Playlist{}, fmt.Errorf("advance playlist: %w", err)
	}

	var one int
	checkErr := s.db.QueryRowContext(ctx, `SELECT 1 FROM playlists WHERE playlist_id = $1`, id).Scan(&one)
	if checkErr == nil {
		return domain.Playlist{}, repo.ErrConflict
	}
	if errors.Is(checkErr, sql.ErrNoRows) {
		return domain.Playlist{}, repo.ErrNotFound
	}
	return domain.Playlist{}, fmt.Errorf("advance playlist: %w", checkErr)
}

func scanPlaylist(scanner rowScanner) (domain.Playlist, error) {
	var playlist domain.Playlist
	var status string
	var currentStepID sql.NullString
	if err := scanner.Scan(
		&playlist.ID,
		&playlist.Slug,
		&playlist.StrategyID,
		&status,
		&currentStepID,
		&playlist.Version,
		&playlist.CreatedAt,
		&playlist.UpdatedAt,
	); err != nil {
		return domain.Playlist{}, handleNotFound(err)
	}
	playlist.Status = domain.NormalizePlaylistStatus(status)
	if currentStepID.Valid {
		playlist.CurrentStepID = currentStepID.String
	}
	playlist.CreatedAt = playlist.CreatedAt.UTC()
	playlist.UpdatedAt = playlist.UpdatedAt.UTC()
	return playlist, nil
}
