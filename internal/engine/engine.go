// Package engine drives playlist runs: it materializes a strategy into a run
// context at trigger time, dispatches one task per step, advances the cursor
// on each segue callback and delivers the finished run back to its origin.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-labs/cadenza-go/contracts"
	"github.com/cadenza-labs/cadenza-go/internal/domain"
	"github.com/cadenza-labs/cadenza-go/internal/platform/auditlog"
	"github.com/cadenza-labs/cadenza-go/internal/platform/auth"
	"github.com/cadenza-labs/cadenza-go/internal/repo"
	"github.com/cadenza-labs/cadenza-go/internal/storage/contextstore"
)

// ErrValidation marks caller mistakes: missing strategy slugs and malformed
// JSON in the context or a step output.
var ErrValidation = errors.New("validation failed")

// TaskDispatcher sends work to plugin workers and finished runs to origins.
type TaskDispatcher interface {
	PerformTask(ctx context.Context, host string, port int, req contracts.PerformTaskRequest) (contracts.PerformTaskResponse, error)
	Deliver(ctx context.Context, origin string, req contracts.DeliverRequest) (contracts.DeliverResponse, error)
}

// AuditInfo identifies the caller for audit trail purposes.
type AuditInfo struct {
	Actor     string
	RequestID string
	UserAgent string
	IP        net.IP
	Service   string
}

type Config struct {
	Logger     *slog.Logger
	Playlists  repo.PlaylistRepository
	Strategies repo.StrategyCatalog
	Contexts   contextstore.Store
	Dispatcher TaskDispatcher

	// Audit is optional; when nil no audit events are written.
	Audit auditlog.QueryRower

	// CallbackBaseURL is the externally reachable base URL workers post their
	// segue callbacks to.
	CallbackBaseURL string

	// PlaylistTokenSecret signs the bearer tokens embedded in task envelopes.
	// Empty disables token issuance.
	PlaylistTokenSecret string
	PlaylistTokenTTL    time.Duration
}

type Engine struct {
	logger     *slog.Logger
	playlists  repo.PlaylistRepository
	strategies repo.StrategyCatalog
	contexts   contextstore.Store
	dispatcher TaskDispatcher
	audit      auditlog.QueryRower

	callbackBaseURL string
	tokenSecret     string
	tokenTTL        time.Duration
}

func New(cfg Config) (*Engine, error) {
	if cfg.Playlists == nil {
		return nil, errors.New("playlist repository is required")
	}
	if cfg.Strategies == nil {
		return nil, errors.New("strategy catalog is required")
	}
	if cfg.Contexts == nil {
		return nil, errors.New("context store is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("task dispatcher is required")
	}
	if strings.TrimSpace(cfg.CallbackBaseURL) == "" {
		return nil, errors.New("callback base url is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.PlaylistTokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Engine{
		logger:          logger,
		playlists:       cfg.Playlists,
		strategies:      cfg.Strategies,
		contexts:        cfg.Contexts,
		dispatcher:      cfg.Dispatcher,
		audit:           cfg.Audit,
		callbackBaseURL: strings.TrimRight(strings.TrimSpace(cfg.CallbackBaseURL), "/"),
		tokenSecret:     strings.TrimSpace(cfg.PlaylistTokenSecret),
		tokenTTL:        ttl,
	}, nil
}

// Trigger creates a playlist for the named strategy, persists its run context
// and starts the first step. Dispatch failures do not fail the trigger: the
// playlist stays running and can be advanced or crashed later.
func (e *Engine) Trigger(ctx context.Context, info AuditInfo, req contracts.TriggerRequest) (domain.Playlist, error) {
	slug := strings.TrimSpace(req.StrategySlug)
	if slug == "" {
		return domain.Playlist{}, fmt.Errorf("%w: strategy_slug is required", ErrValidation)
	}
	metadata := json.RawMessage(nil)
	if strings.TrimSpace(req.Context) != "" {
		if !json.Valid([]byte(req.Context)) {
			return domain.Playlist{}, fmt.Errorf("%w: context must be valid JSON", ErrValidation)
		}
		metadata = json.RawMessage(req.Context)
	}
	// The origin is stored as given. A malformed origin surfaces as a
	// delivery failure when the run finishes, never as a trigger failure.
	origin := strings.TrimRight(strings.TrimSpace(req.Origin), "/")

	strategy, err := e.strategies.FindStrategyBySlug(ctx, slug)
	if err != nil {
		return domain.Playlist{}, err
	}

	now := time.Now().UTC()
	playlist := domain.Playlist{
		ID:            uuid.NewString(),
		Slug:          newPlaylistSlug(),
		StrategyID:    strategy.ID,
		Status:        domain.PlaylistStatusCreated,
		CurrentStepID: strategy.EntryStepID,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.playlists.CreatePlaylist(ctx, playlist); err != nil {
		return domain.Playlist{}, fmt.Errorf("create playlist: %w", err)
	}

	doc := domain.NewRunContext(playlist.ID, metadata, origin, strategy)
	if err := e.contexts.Put(ctx, doc); err != nil {
		return domain.Playlist{}, fmt.Errorf("persist run context: %w", err)
	}

	e.appendAudit(ctx, info, "playlist.triggered", playlist, map[string]any{
		"strategy_slug": strategy.Slug,
		"origin":        origin,
	})

	// run returns the row as it stands even when the dispatch fails, so a
	// swallowed failure still reports the playlist as running.
	started, err := e.run(ctx, playlist, doc)
	if err != nil {
		e.logger.Warn("first step did not start", "playlist_slug", playlist.Slug, "error", err)
	}
	return started, nil
}

// Segue records a step's output, advances the playlist cursor and reports the
// new state to the origin. Replays of an already-applied segue are accepted
// without a second state change.
func (e *Engine) Segue(ctx context.Context, info AuditInfo, playlistSlug string, req contracts.SegueRequest) (domain.Playlist, error) {
	playlist, err := e.playlists.GetPlaylistBySlug(ctx, playlistSlug)
	if err != nil {
		return domain.Playlist{}, err
	}
	if playlist.Terminal() || playlist.CurrentStepID == "" {
		return domain.Playlist{}, fmt.Errorf("playlist %s is not accepting outputs: %w", playlist.Slug, repo.ErrConflict)
	}
	output := strings.TrimSpace(req.Output)
	if output == "" || !json.Valid([]byte(output)) {
		return domain.Playlist{}, fmt.Errorf("%w: output must be valid JSON", ErrValidation)
	}

	doc, err := e.contexts.Get(ctx, playlist.ID)
	if err != nil {
		return domain.Playlist{}, fmt.Errorf("load run context: %w", err)
	}
	idx := doc.StepIndex(playlist.CurrentStepID)
	if idx < 0 {
		return domain.Playlist{}, fmt.Errorf("run context is missing step %s", playlist.CurrentStepID)
	}

	doc.Sequence[idx].Output = json.RawMessage(output)
	if err := e.contexts.Put(ctx, doc); err != nil {
		return domain.Playlist{}, fmt.Errorf("persist run context: %w", err)
	}

	next := doc.Sequence[idx].NextStepID
	nextStatus := domain.PlaylistStatusRunning
	if next == "" {
		nextStatus = domain.PlaylistStatusComplete
	}

	updated, err := e.playlists.AdvancePlaylist(ctx, playlist.ID, playlist.Version, nextStatus, next)
	if err != nil {
		if !errors.Is(err, repo.ErrConflict) {
			return domain.Playlist{}, fmt.Errorf("advance playlist: %w", err)
		}
		// Lost the version race. If the row already moved past this step the
		// segue was applied by an earlier delivery of the same callback.
		current, readErr := e.playlists.GetPlaylistBySlug(ctx, playlistSlug)
		if readErr != nil {
			return domain.Playlist{}, fmt.Errorf("advance playlist: %w", err)
		}
		if current.Version > playlist.Version && current.CurrentStepID != playlist.CurrentStepID {
			return current, nil
		}
		return domain.Playlist{}, fmt.Errorf("advance playlist: %w", err)
	}

	action := "playlist.advanced"
	if nextStatus == domain.PlaylistStatusComplete {
		action = "playlist.completed"
	}
	e.appendAudit(ctx, info, action, updated, map[string]any{
		"step_id":      playlist.CurrentStepID,
		"next_step_id": next,
	})

	if next != "" {
		if _, err := e.run(ctx, updated, doc); err != nil {
			e.logger.Warn("next step did not start", "playlist_slug", updated.Slug, "step_id", next, "error", err)
		}
	}

	// Every applied segue reports progress to the origin, not just the last.
	e.deliver(ctx, updated, doc)
	return updated, nil
}

// Crash marks a playlist failed. The cursor is kept so the failing step stays
// visible. Crashing an already-failed playlist is a no-op.
func (e *Engine) Crash(ctx context.Context, info AuditInfo, playlistSlug string, req contracts.CrashRequest) (domain.Playlist, error) {
	playlist, err := e.playlists.GetPlaylistBySlug(ctx, playlistSlug)
	if err != nil {
		return domain.Playlist{}, err
	}
	if playlist.Status == domain.PlaylistStatusFailed {
		return playlist, nil
	}
	if !domain.CanTransitionPlaylistStatus(playlist.Status, domain.PlaylistStatusFailed) {
		return domain.Playlist{}, fmt.Errorf("playlist %s is already %s: %w", playlist.Slug, playlist.Status, repo.ErrConflict)
	}

	updated, err := e.playlists.AdvancePlaylist(ctx, playlist.ID, playlist.Version, domain.PlaylistStatusFailed, playlist.CurrentStepID)
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			current, readErr := e.playlists.GetPlaylistBySlug(ctx, playlistSlug)
			if readErr == nil && current.Status == domain.PlaylistStatusFailed {
				return current, nil
			}
		}
		return domain.Playlist{}, fmt.Errorf("fail playlist: %w", err)
	}

	e.appendAudit(ctx, info, "playlist.crashed", updated, map[string]any{
		"step_id": updated.CurrentStepID,
		"reason":  strings.TrimSpace(req.Reason),
	})
	return updated, nil
}

// run moves a created playlist to running and dispatches the current step's
// task. The returned playlist reflects the status change; dispatch failures
// are reported to the caller but leave the run in place.
func (e *Engine) run(ctx context.Context, playlist domain.Playlist, doc domain.RunContext) (domain.Playlist, error) {
	if playlist.Status == domain.PlaylistStatusCreated {
		updated, err := e.playlists.AdvancePlaylist(ctx, playlist.ID, playlist.Version, domain.PlaylistStatusRunning, playlist.CurrentStepID)
		if err != nil {
			if !errors.Is(err, repo.ErrConflict) {
				return playlist, fmt.Errorf("start playlist: %w", err)
			}
			current, readErr := e.playlists.GetPlaylistBySlug(ctx, playlist.Slug)
			if readErr != nil || current.Status != domain.PlaylistStatusRunning {
				return playlist, fmt.Errorf("start playlist: %w", err)
			}
			updated = current
		}
		playlist = updated
	}
	if playlist.CurrentStepID == "" {
		return playlist, nil
	}

	idx := doc.StepIndex(playlist.CurrentStepID)
	if idx < 0 {
		return playlist, fmt.Errorf("run context is missing step %s", playlist.CurrentStepID)
	}
	step := doc.Sequence[idx]

	envelope := contracts.TaskEnvelope{
		Playlist: playlistSnapshot(playlist),
		Context:  contextSnapshot(doc),
		Step:     step.StepID,
		Callback: e.callbackBaseURL + "/playlists/" + playlist.Slug + "/segue",
	}
	if e.tokenSecret != "" {
		now := time.Now().UTC()
		token, err := auth.GeneratePlaylistToken(e.tokenSecret, auth.PlaylistTokenClaims{
			PlaylistSlug:  playlist.Slug,
			ExpiresAtUnix: now.Add(e.tokenTTL).Unix(),
		}, now)
		if err != nil {
			return playlist, fmt.Errorf("issue playlist token: %w", err)
		}
		envelope.Token = token
	}
	payload, err := contracts.EncodeTaskEnvelope(envelope)
	if err != nil {
		return playlist, err
	}

	resp, err := e.dispatcher.PerformTask(ctx, step.PluginHost, step.PluginPort, contracts.PerformTaskRequest{Payload: payload})
	if err != nil {
		return playlist, err
	}
	if !resp.Success {
		return playlist, fmt.Errorf("worker %s declined step %s: %s", step.PluginSlug, step.StepID, resp.Result)
	}
	return playlist, nil
}

// deliver posts the finished run to its origin. Delivery is best effort: the
// playlist is already complete and a dead origin must not undo that.
func (e *Engine) deliver(ctx context.Context, playlist domain.Playlist, doc domain.RunContext) {
	if strings.TrimSpace(doc.Origin) == "" {
		return
	}
	origin, err := parseOrigin(doc.Origin)
	if err != nil {
		e.logger.Warn("invalid origin", "playlist_slug", playlist.Slug, "origin", doc.Origin, "error", err)
		return
	}
	payload, err := contracts.EncodeDeliveryEnvelope(contracts.DeliveryEnvelope{
		Playlist: playlistSnapshot(playlist),
		Context:  contextSnapshot(doc),
	})
	if err != nil {
		e.logger.Warn("delivery envelope not encodable", "playlist_slug", playlist.Slug, "error", err)
		return
	}
	resp, err := e.dispatcher.Deliver(ctx, origin, contracts.DeliverRequest{Payload: payload})
	if err != nil {
		e.logger.Warn("delivery failed", "playlist_slug", playlist.Slug, "origin", doc.Origin, "error", err)
		return
	}
	if !resp.Success {
		e.logger.Warn("delivery rejected by origin", "playlist_slug", playlist.Slug, "origin", doc.Origin, "result", resp.Result)
	}
}

func (e *Engine) appendAudit(ctx context.Context, info AuditInfo, action string, playlist domain.Playlist, payload map[string]any) {
	if e.audit == nil {
		return
	}
	actor := strings.TrimSpace(info.Actor)
	if actor == "" {
		actor = "system"
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["service"] = strings.TrimSpace(info.Service)
	payload["playlist_slug"] = playlist.Slug
	payload["status"] = string(playlist.Status)

	if _, err := auditlog.Insert(ctx, e.audit, auditlog.Event{
		Actor:        actor,
		Action:       action,
		ResourceType: "playlist",
		ResourceID:   playlist.Slug,
		RequestID:    info.RequestID,
		IP:           info.IP,
		UserAgent:    info.UserAgent,
		Payload:      payload,
	}); err != nil {
		e.logger.Warn("audit insert failed", "action", action, "playlist_slug", playlist.Slug, "error", err)
	}
}

func playlistSnapshot(playlist domain.Playlist) contracts.PlaylistSnapshot {
	return contracts.PlaylistSnapshot{
		PlaylistSlug:  playlist.Slug,
		Status:        string(playlist.Status),
		CurrentStepID: playlist.CurrentStepID,
		CreatedAt:     playlist.CreatedAt,
		UpdatedAt:     playlist.UpdatedAt,
	}
}

func contextSnapshot(doc domain.RunContext) contracts.ContextSnapshot {
	sequence := make([]contracts.SequenceStepSnapshot, 0, len(doc.Sequence))
	for _, step := range doc.Sequence {
		var metadata, conditions json.RawMessage
		if len(step.Metadata) > 0 {
			if blob, err := json.Marshal(step.Metadata); err == nil {
				metadata = blob
			}
		}
		if len(step.Conditions) > 0 {
			if blob, err := json.Marshal(step.Conditions); err == nil {
				conditions = blob
			}
		}
		sequence = append(sequence, contracts.SequenceStepSnapshot{
			StepID:     step.StepID,
			PluginSlug: step.PluginSlug,
			Metadata:   metadata,
			Conditions: conditions,
			NextStepID: step.NextStepID,
			MinOutputs: step.MinOutputs,
			MaxRetries: step.MaxRetries,
			Output:     step.Output,
		})
	}
	metadata := doc.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	return contracts.ContextSnapshot{
		Metadata: metadata,
		Origin:   doc.Origin,
		Sequence: sequence,
	}
}

func parseOrigin(raw string) (string, error) {
	origin := strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("origin %q is not an http(s) URL", raw)
	}
	return origin, nil
}

func newPlaylistSlug() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "pl-" + uuid.NewString()
	}
	return "pl-" + hex.EncodeToString(buf)
}
