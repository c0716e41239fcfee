package main

import (
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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cadenza-labs/cadenza-go/internal/domain"
	"github.com/cadenza-labs/cadenza-go/internal/platform/auditlog"
	"github.com/cadenza-labs/cadenza-go/internal/platform/auth"
	"github.com/cadenza-labs/cadenza-go/internal/repo"
	repopg "github.com/cadenza-labs/cadenza-go/internal/repo/postgres"
)

type catalogAPI struct {
	logger  *slog.Logger
	db      *sql.DB
	plugins repo.PluginRegistry
}

func newCatalogAPI(logger *slog.Logger, db *sql.DB, plugins repo.PluginRegistry) *catalogAPI {
	return &catalogAPI{
		logger:  logger,
		db:      db,
		plugins: plugins,
	}
}

func (api *catalogAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /plugins", api.handleCreatePlugin)
	mux.HandleFunc("GET /plugins", api.handleListPlugins)
	mux.HandleFunc("GET /plugins/{plugin_slug}", api.handleGetPlugin)

	mux.HandleFunc("POST /strategies", api.handleCreateStrategy)
	mux.HandleFunc("GET /strategies", api.handleListStrategies)
	mux.HandleFunc("GET /strategies/{strategy_slug}", api.handleGetStrategy)
}

type pluginResponse struct {
	PluginSlug string    `json:"plugin_slug"`
	Name       string    `json:"name"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Capability string    `json:"capability,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func toPluginResponse(plugin domain.Plugin) pluginResponse {
	return pluginResponse{
		PluginSlug: plugin.Slug,
		Name:       plugin.Name,
		Host:       plugin.Host,
		Port:       plugin.Port,
		Capability: plugin.Capability,
		CreatedAt:  plugin.CreatedAt.UTC(),
	}
}

type createPluginRequest struct {
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Capability string `json:"capability,omitempty"`
}

func (api *catalogAPI) handleCreatePlugin(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	var req createPluginRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	plugin := domain.Plugin{
		ID:         uuid.NewString(),
		Slug:       strings.TrimSpace(req.Slug),
		Name:       strings.TrimSpace(req.Name),
		Host:       strings.TrimSpace(req.Host),
		Port:       req.Port,
		Capability: strings.TrimSpace(req.Capability),
		CreatedAt:  time.Now().UTC(),
	}
	if plugin.Name == "" {
		plugin.Name = plugin.Slug
	}
	if err := plugin.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_plugin")
		return
	}

	if err := api.plugins.CreatePlugin(r.Context(), plugin); err != nil {
		if isUniqueViolation(err) {
			api.writeError(w, r, http.StatusConflict, "plugin_slug_exists")
			return
		}
		api.logger.Error("create plugin failed", "plugin_slug", plugin.Slug, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.appendAudit(r, identity, "plugin.create", "plugin", plugin.Slug, map[string]any{
		"plugin_slug": plugin.Slug,
		"host":        plugin.Host,
		"port":        plugin.Port,
		"capability":  plugin.Capability,
	})
	api.writeJSON(w, http.StatusCreated, toPluginResponse(plugin))
}

func (api *catalogAPI) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(r.PathValue("plugin_slug"))
	if slug == "" {
		api.writeError(w, r, http.StatusBadRequest, "plugin_slug_required")
		return
	}
	plugin, err := api.plugins.FindPluginBySlug(r.Context(), slug)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toPluginResponse(plugin))
}

func (api *catalogAPI) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	filter := repo.PluginFilter{
		Capability: strings.TrimSpace(r.URL.Query().Get("capability")),
		Limit:      parseIntQuery(r, "limit", 100),
	}
	plugins, err := api.plugins.ListPlugins(r.Context(), filter)
	if err != nil {
		api.logger.Error("list plugins failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]pluginResponse, 0, len(plugins))
	for _, plugin := range plugins {
		out = append(out, toPluginResponse(plugin))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"plugins": out})
}

type strategyStepResponse struct {
	StepID     string         `json:"step_id"`
	PluginSlug string         `json:"plugin_slug"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Conditions map[string]any `json:"conditions,omitempty"`
	NextStepID string         `json:"next_step_id,omitempty"`
	MinOutputs int            `json:"min_outputs"`
	MaxRetries int            `json:"max_retries"`
	Position   int            `json:"position"`
}

type strategyResponse struct {
	StrategySlug string                 `json:"strategy_slug"`
	Name         string                 `json:"name"`
	Steps        []strategyStepResponse `json:"steps"`
	CreatedAt    time.Time              `json:"created_at"`
}

func toStrategyResponse(strategy domain.Strategy) strategyResponse {
	out := strategyResponse{
		StrategySlug: strategy.Slug,
		Name:         strategy.Name,
		Steps:        make([]strategyStepResponse, 0, len(strategy.Steps)),
		CreatedAt:    strategy.CreatedAt.UTC(),
	}
	for _, step := range strategy.Steps {
		out.Steps = append(out.Steps, strategyStepResponse{
			StepID:     step.ID,
			PluginSlug: step.Plugin.Slug,
			Metadata:   step.Metadata,
			Conditions: step.Conditions,
			NextStepID: step.DefaultNextStepID,
			MinOutputs: step.MinOutputs,
			MaxRetries: step.MaxRetries,
			Position:   step.Position,
		})
	}
	return out
}

type createStrategyStep struct {
	PluginSlug string         `json:"plugin_slug"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Conditions map[string]any `json:"conditions,omitempty"`
	MinOutputs int            `json:"min_outputs,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

type createStrategyRequest struct {
	Slug  string               `json:"slug"`
	Name  string               `json:"name"`
	Steps []createStrategyStep `json:"steps"`
}

func (api *catalogAPI) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	var req createStrategyRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	slug := strings.TrimSpace(req.Slug)
	if slug == "" {
		api.writeError(w, r, http.StatusBadRequest, "slug_required")
		return
	}
	if len(req.Steps) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "steps_required")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = slug
	}

	strategyID := uuid.NewString()
	steps := make([]domain.Step, 0, len(req.Steps))
	for i, stepReq := range req.Steps {
		pluginSlug := strings.TrimSpace(stepReq.PluginSlug)
		if pluginSlug == "" {
			api.writeError(w, r, http.StatusBadRequest, "plugin_slug_required")
			return
		}
		plugin, err := api.plugins.FindPluginBySlug(r.Context(), pluginSlug)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				api.writeError(w, r, http.StatusBadRequest, "unknown_plugin")
				return
			}
			api.logger.Error("resolve plugin failed", "plugin_slug", pluginSlug, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		if stepReq.MinOutputs < 0 || stepReq.MaxRetries < 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_step")
			return
		}
		steps = append(steps, domain.Step{
			ID:         uuid.NewString(),
			StrategyID: strategyID,
			PluginID:   plugin.ID,
			Plugin:     plugin,
			Metadata:   stepReq.Metadata,
			Conditions: stepReq.Conditions,
			MinOutputs: stepReq.MinOutputs,
			MaxRetries: stepReq.MaxRetries,
			Position:   i,
		})
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
		api.writeError(w, r, http.StatusBadRequest, "invalid_strategy")
		return
	}

	// Strategy row and its steps land in one transaction.
	tx, err := api.db.BeginTx(r.Context(), nil)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	defer func() { _ = tx.Rollback() }()

	if err := repopg.NewStrategyStore(tx).CreateStrategy(r.Context(), strategy); err != nil {
		if isUniqueViolation(err) {
			api.writeError(w, r, http.StatusConflict, "strategy_slug_exists")
			return
		}
		api.logger.Error("create strategy failed", "strategy_slug", slug, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	_, err = auditlog.Insert(r.Context(), tx, auditlog.Event{
		Actor:        identity.Subject,
		Action:       "strategy.create",
		ResourceType: "strategy",
		ResourceID:   slug,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload: map[string]any{
			"service":       "catalog",
			"strategy_slug": slug,
			"steps":         len(strategy.Steps),
		},
	})
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "audit_failed")
		return
	}

	if err := tx.Commit(); err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusCreated, toStrategyResponse(strategy))
}

func (api *catalogAPI) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(r.PathValue("strategy_slug"))
	if slug == "" {
		api.writeError(w, r, http.StatusBadRequest, "strategy_slug_required")
		return
	}
	strategy, err := repopg.NewStrategyStore(api.db).FindStrategyBySlug(r.Context(), slug)
	if err != nil {
		api.writeRepoError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toStrategyResponse(strategy))
}

func (api *catalogAPI) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	filter := repo.StrategyFilter{
		Name:  strings.TrimSpace(r.URL.Query().Get("name")),
		Limit: parseIntQuery(r, "limit", 100),
	}
	strategies, err := repopg.NewStrategyStore(api.db).ListStrategies(r.Context(), filter)
	if err != nil {
		api.logger.Error("list strategies failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]strategyResponse, 0, len(strategies))
	for _, strategy := range strategies {
		out = append(out, toStrategyResponse(strategy))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"strategies": out})
}

func (api *catalogAPI) appendAudit(r *http.Request, identity auth.Identity, action, resourceType, resourceID string, payload map[string]any) {
	if api.db == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["service"] = "catalog"
	if _, err := auditlog.Insert(r.Context(), api.db, auditlog.Event{
		Actor:        identity.Subject,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload:      payload,
	}); err != nil {
		api.logger.Warn("audit insert failed", "action", action, "resource_id", resourceID, "error", err)
	}
}

func (api *catalogAPI) writeRepoError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, repo.ErrConflict):
		api.writeError(w, r, http.StatusConflict, "conflict")
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

func (api *catalogAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *catalogAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
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
