package contextstore

import (
	"context"

	"github.com/cadenza-labs/cadenza-go/internal/domain"
)

// Store persists run-context documents keyed by playlist id. Get reports
// repo.ErrNotFound for unknown playlists.
type Store interface {
	Put(ctx context.Context, doc domain.RunContext) error
	Get(ctx context.Context, playlistID string) (domain.RunContext, error)
}
