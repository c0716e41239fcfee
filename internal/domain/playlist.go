package domain

import (
	"errors"
	"strings"
	"time"
)

// PlaylistStatus is the lifecycle state of a playlist run.
type PlaylistStatus string

const (
	PlaylistStatusCreated  PlaylistStatus = "created"
	PlaylistStatusRunning  PlaylistStatus = "running"
	PlaylistStatusComplete PlaylistStatus = "complete"
	PlaylistStatusFailed   PlaylistStatus = "failed"
)

// Playlist is one live execution instance of a strategy. CurrentStepID is
// empty exactly when the run has completed; Version is the optimistic
// concurrency counter every status or cursor mutation compares against.
type Playlist struct {
	ID            string
	Slug          string
	StrategyID    string
	Status        PlaylistStatus
	CurrentStepID string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (p Playlist) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("playlist id is required")
	}
	if strings.TrimSpace(p.Slug) == "" {
		return errors.New("playlist slug is required")
	}
	if strings.TrimSpace(p.StrategyID) == "" {
		return errors.New("playlist strategy id is required")
	}
	if NormalizePlaylistStatus(string(p.Status)) == "" {
		return errors.New("playlist status is required")
	}
	if p.Version < 1 {
		return errors.New("playlist version must be >= 1")
	}
	return nil
}

// Terminal reports whether the playlist can no longer advance.
func (p Playlist) Terminal() bool {
	return p.Status == PlaylistStatusComplete || p.Status == PlaylistStatusFailed
}

// NormalizePlaylistStatus maps free-form status values to canonical statuses.
func NormalizePlaylistStatus(value string) PlaylistStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(PlaylistStatusCreated):
		return PlaylistStatusCreated
	case string(PlaylistStatusRunning):
		return PlaylistStatusRunning
	case string(PlaylistStatusComplete):
		return PlaylistStatusComplete
	case string(PlaylistStatusFailed):
		return PlaylistStatusFailed
	default:
		return ""
	}
}

// CanTransitionPlaylistStatus enforces the playlist state machine:
// created -> running -> running (per-step self loop) -> complete, with
// failed reachable from any non-terminal state via an explicit crash.
func CanTransitionPlaylistStatus(current, next PlaylistStatus) bool {
	switch current {
	case PlaylistStatusCreated:
		return next == PlaylistStatusRunning || next == PlaylistStatusFailed
	case PlaylistStatusRunning:
		return next == PlaylistStatusRunning || next == PlaylistStatusComplete || next == PlaylistStatusFailed
	default:
		return false
	}
}
