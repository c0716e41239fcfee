package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cadenza-labs/cadenza-go/contracts"
	"github.com/cadenza-labs/cadenza-go/internal/domain"
	"github.com/cadenza-labs/cadenza-go/internal/engine"
	"github.com/cadenza-labs/cadenza-go/internal/platform/auth"
	"github.com/cadenza-labs/cadenza-go/internal/repo"
	"github.com/cadenza-labs/cadenza-go/internal/storage/contextstore"
)

type playlistEngine interface {
	Trigger(ctx context.Context, info engine.AuditInfo, req contracts.TriggerRequest) (domain.Playlist, error)
	Segue(ctx context.Context, info engine.AuditInfo, playlistSlug string, req contracts.SegueRequest) (domain.Playlist, error)
	Crash(ctx context.Context, info engine.AuditInfo, playlistSlug string, req contracts.CrashRequest) (domain.Playlist, error)
}

type conductorAPI struct {
	logger    *slog.Logger
	db        *sql.DB
	engine    playlistEngine
	playlists repo.PlaylistRepository
	contexts  contextstore.Store
}

func newConductorAPI(
	logger *slog.Logger,
	db *sql.DB,
	eng playlistEngine,
	playlists repo.PlaylistRepository,
	contexts contextstore.Store,
) *conductorAPI {
	return &conductorAPI{
		logger:    logger,
		db:        db,
		engine:    eng,
		playlists: playlists,
		contexts:  contexts,
	}
}

func (api *conductorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /playlists", api.handleTriggerPlaylist)
	mux.HandleFunc("GET /playlists", api.handleListPlaylists)
	mux.HandleFunc("GET /playlists/{playlist_slug}", api.handleGetPlaylist)
	mux.HandleFunc("POST /playlists/{playlist_slug}/segue", api.handleSegue)
	mux.HandleFunc("POST /playlists/{playlist_slug}/crash", api.handleCrash)
	mux.HandleFunc("GET /playlists/{playlist_slug}/context", api.handleGetPlaylistContext)
	mux.HandleFunc("GET /playlists/{playlist_slug}/events", api.handleListPlaylistEvents)
	mux.HandleFunc("GET /playlists/{playlist_slug}/stream", api.handleStreamPlaylist)
}

type playlistResponse struct {
	PlaylistSlug  string    `json:"playlist_slug"`
	Status        string    `json:"status"`
	CurrentStepID string    `json:"current_step_id,omitempty"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toPlaylistResponse(playlist domain.Playlist) playlistResponse {
	return playlistResponse{
		PlaylistSlug:  playlist.Slug,
		Status:        string(playlist.Status),
		CurrentStepID: playlist.CurrentStepID,
		Version:       playlist.Version,
		CreatedAt:     playlist.CreatedAt.UTC(),
		UpdatedAt:     playlist.UpdatedAt.UTC(),
	}
}

func (api *conductorAPI) handleTriggerPlaylist(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if _, isWorker := auth.ParsePlaylistTokenSubject(identity.Subject); isWorker {
		api.writeError(w, r, http.StatusForbidden, "playlist_token_not_allowed")
		return
	}

	var req contracts.TriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	playlist, err := api.engine.Trigger(r.Context(), api.auditInfo(r, identity), req)
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toPlaylistResponse(playlist))
}

func (api *conductorAPI) handleSegue(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(r.PathValue("playlist_slug"))
	if slug == "" {
		api.writeError(w, r, http.StatusBadRequest, "playlist_slug_required")
		return
	}
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if tokenSlug, isWorker := auth.ParsePlaylistTokenSubject(identity.Subject); isWorker && tokenSlug != slug {
		api.writeError(w, r, http.StatusForbidden, "playlist_token_mismatch")
		return
	}

	var req contracts.SegueRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	playlist, err := api.engine.Segue(r.Context(), api.auditInfo(r, identity), slug, req)
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"playlist_slug":   playlist.Slug,
		"status":          string(playlist.Status),
		"current_step_id": playlist.CurrentStepID,
	})
}

func (api *conductorAPI) handleCrash(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(r.PathValue("playlist_slug"))
	if slug == "" {
		api.writeError(w, r, http.StatusBadRequest, "playlist_slug_required")
		return
	}
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if tokenSlug, isWorker := auth.ParsePlaylistTokenSubject(identity.Subject); isWorker && tokenSlug != slug {
		api.writeError(w, r, http.StatusForbidden, "playlist_token_mismatch")
		return
	}

	var req contracts.CrashRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	playlist, err := api.engine.Crash(r.Context(), api.auditInfo(r, identity), slug, req)
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toPlaylistResponse(playlist))
}

func (api *conductorAPI) handleGetPlaylist(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(r.PathValue("playlist_slug"))
	if slug == "" {
		api.writeError(w, r, http.StatusBadRequest, "playlist_slug_required")
		return
	}
	playlist, err := api.playlists.GetPlaylistBySlug(r.Context(), slug)
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toPlaylistResponse(playlist))
}

func (api *conductorAPI) handleListPlaylists(w http.ResponseWriter, r *http.Request) {
	filter := repo.PlaylistFilter{
		StrategyID: strings.TrimSpace(r.URL.Query().Get("strategy_id")),
		Limit:      parseIntQuery(r, "limit", 100),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := domain.NormalizePlaylistStatus(raw)
		if status == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = string(status)
	}

	playlists, err := api.playlists.ListPlaylists(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]playlistResponse, 0, len(playlists))
	for _, playlist := range playlists {
		out = append(out, toPlaylistResponse(playlist))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"playlists": out})
}

type sequenceStepResponse struct {
	StepID     string          `json:"step_id"`
	PluginSlug string          `json:"plugin_slug"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
	NextStepID string          `json:"next_step_id,omitempty"`
	MinOutputs int             `json:"min_outputs"`
	MaxRetries int             `json:"max_retries"`
	Output     json.RawMessage `json:"output,omitempty"`
}

type contextResponse struct {
	PlaylistSlug string                 `json:"playlist_slug"`
	Metadata     json.RawMessage        `json:"metadata"`
	Origin       string                 `json:"origin"`
	Sequence     []sequenceStepResponse `json:"sequence"`
}

func (api *conductorAPI) handleGetPlaylistContext(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(r.PathValue("playlist_slug"))
	if slug == "" {
		api.writeError(w, r, http.StatusBadRequest, "playlist_slug_required")
		return
	}
	playlist, err := api.playlists.GetPlaylistBySlug(r.Context(), slug)
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	doc, err := api.contexts.Get(r.Context(), playlist.ID)
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}

	out := contextResponse{
		PlaylistSlug: playlist.Slug,
		Metadata:     normalizeJSON(doc.Metadata),
		Origin:       doc.Origin,
		Sequence:     make([]sequenceStepResponse, 0, len(doc.Sequence)),
	}
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
		out.Sequence = append(out.Sequence, sequenceStepResponse{
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
	api.writeJSON(w, http.StatusOK, out)
}

type playlistAuditEvent struct {
	EventID    int64           `json:"event_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
}

func (api *conductorAPI) handleListPlaylistEvents(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(r.PathValue("playlist_slug"))
	if slug == "" {
		api.writeError(w, r, http.StatusBadRequest, "playlist_slug_required")
		return
	}
	if _, err := api.playlists.GetPlaylistBySlug(r.Context(), slug); err != nil {
		api.writeEngineError(w, r, err)
		return
	}

	limit := parseIntQuery(r, "limit", 200)
	rows, err := api.db.QueryContext(
		r.Context(),
		`SELECT event_id, occurred_at, actor, action, payload
		 FROM audit_events
		 WHERE resource_type = 'playlist' AND resource_id = $1
		 ORDER BY event_id ASC
		 LIMIT $2`,
		slug,
		limit,
	)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	defer rows.Close()

	events := make([]playlistAuditEvent, 0, 16)
	for rows.Next() {
		var (
			event   playlistAuditEvent
			payload []byte
		)
		if err := rows.Scan(&event.EventID, &event.OccurredAt, &event.Actor, &event.Action, &payload); err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		event.OccurredAt = event.OccurredAt.UTC()
		event.Payload = normalizeJSON(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (api *conductorAPI) auditInfo(r *http.Request, identity auth.Identity) engine.AuditInfo {
	return engine.AuditInfo{
		Actor:     identity.Subject,
		RequestID: r.Header.Get("X-Request-Id"),
		UserAgent: r.UserAgent(),
		IP:        requestIP(r.RemoteAddr),
		Service:   "conductor",
	}
}

func (api *conductorAPI) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, repo.ErrConflict):
		api.writeError(w, r, http.StatusConflict, "conflict")
	case errors.Is(err, engine.ErrValidation):
		api.writeError(w, r, http.StatusBadRequest, "validation_failed")
	default:
		api.logger.Error("request failed", "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *conductorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *conductorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func normalizeJSON(raw []byte) json.RawMessage {
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return []byte("{}")
	}
	return raw
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 1 {
		return def
	}
	return parsed
}
