package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cadenza-labs/cadenza-go/contracts"
	"github.com/cadenza-labs/cadenza-go/internal/domain"
	"github.com/cadenza-labs/cadenza-go/internal/engine"
	"github.com/cadenza-labs/cadenza-go/internal/platform/auth"
	"github.com/cadenza-labs/cadenza-go/internal/repo"
	"github.com/cadenza-labs/cadenza-go/internal/storage/contextstore"
)

func testPlaylist() domain.Playlist {
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	return domain.Playlist{
		ID:            "11111111-2222-3333-4444-555555555555",
		Slug:          "pl-abc123",
		StrategyID:    "strat-1",
		Status:        domain.PlaylistStatusRunning,
		CurrentStepID: "step-a",
		Version:       2,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func newTestHandler(t *testing.T, eng playlistEngine, playlists repo.PlaylistRepository, contexts contextstore.Store) http.Handler {
	t.Helper()
	api := newConductorAPI(slog.New(slog.NewTextHandler(&strings.Builder{}, nil)), nil, eng, playlists, contexts)
	mux := http.NewServeMux()
	api.register(mux)
	return mux
}

func doRequest(t *testing.T, handler http.Handler, identity auth.Identity, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("X-Request-Id", "req-test")
	req = req.WithContext(auth.ContextWithIdentity(req.Context(), identity))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func userIdentity() auth.Identity {
	return auth.Identity{Subject: "user:tester", Roles: []string{auth.RoleEditor}}
}

func TestHandleTriggerPlaylist(t *testing.T) {
	eng := &fakeEngine{triggerResult: testPlaylist()}
	handler := newTestHandler(t, eng, &stubPlaylists{}, contextstore.NewMemoryStore())

	rec := doRequest(t, handler, userIdentity(), http.MethodPost, "/playlists",
		`{"strategy_slug":"etl","origin":"http://origin:9200","context":"{\"tenant\":\"acme\"}"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	var resp playlistResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PlaylistSlug != "pl-abc123" || resp.Status != "running" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if strings.Contains(rec.Body.String(), "11111111-2222") {
		t.Fatalf("internal playlist id leaked: %s", rec.Body.String())
	}
	if eng.triggerReq.StrategySlug != "etl" {
		t.Fatalf("engine saw request %+v", eng.triggerReq)
	}
}

func TestHandleTriggerRejectsBadJSON(t *testing.T) {
	handler := newTestHandler(t, &fakeEngine{}, &stubPlaylists{}, contextstore.NewMemoryStore())
	rec := doRequest(t, handler, userIdentity(), http.MethodPost, "/playlists", `{broken`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid_json") {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestHandleTriggerRejectsPlaylistToken(t *testing.T) {
	handler := newTestHandler(t, &fakeEngine{}, &stubPlaylists{}, contextstore.NewMemoryStore())
	identity := auth.Identity{Subject: "playlist:pl-abc123", Roles: []string{auth.RoleEditor}}
	rec := doRequest(t, handler, identity, http.MethodPost, "/playlists",
		`{"strategy_slug":"etl","origin":"http://origin:9200"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", rec.Code)
	}
}

func TestHandleTriggerErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{repo.ErrNotFound, http.StatusNotFound},
		{repo.ErrConflict, http.StatusConflict},
		{engine.ErrValidation, http.StatusBadRequest},
	}
	for _, tc := range cases {
		handler := newTestHandler(t, &fakeEngine{triggerErr: tc.err}, &stubPlaylists{}, contextstore.NewMemoryStore())
		rec := doRequest(t, handler, userIdentity(), http.MethodPost, "/playlists",
			`{"strategy_slug":"etl","origin":"http://origin:9200"}`)
		if rec.Code != tc.want {
			t.Fatalf("err=%v: status=%d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestHandleSegueTokenScope(t *testing.T) {
	eng := &fakeEngine{segueResult: testPlaylist()}
	handler := newTestHandler(t, eng, &stubPlaylists{}, contextstore.NewMemoryStore())

	other := auth.Identity{Subject: "playlist:pl-other", Roles: []string{auth.RoleEditor}}
	rec := doRequest(t, handler, other, http.MethodPost, "/playlists/pl-abc123/segue", `{"output":"{}"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("mismatched token: status=%d, want 403", rec.Code)
	}

	owner := auth.Identity{Subject: "playlist:pl-abc123", Roles: []string{auth.RoleEditor}}
	rec = doRequest(t, handler, owner, http.MethodPost, "/playlists/pl-abc123/segue", `{"output":"{\"rows\":3}"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("matching token: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp contracts.SegueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success=true: %s", rec.Body.String())
	}
	if eng.segueSlug != "pl-abc123" || eng.segueReq.Output != `{"rows":3}` {
		t.Fatalf("engine saw %q / %+v", eng.segueSlug, eng.segueReq)
	}
}

func TestHandleCrashAllowsEmptyBody(t *testing.T) {
	failed := testPlaylist()
	failed.Status = domain.PlaylistStatusFailed
	eng := &fakeEngine{crashResult: failed}
	handler := newTestHandler(t, eng, &stubPlaylists{}, contextstore.NewMemoryStore())

	rec := doRequest(t, handler, userIdentity(), http.MethodPost, "/playlists/pl-abc123/crash", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp playlistResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "failed" || resp.CurrentStepID != "step-a" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleGetPlaylistNotFound(t *testing.T) {
	handler := newTestHandler(t, &fakeEngine{}, &stubPlaylists{}, contextstore.NewMemoryStore())
	rec := doRequest(t, handler, userIdentity(), http.MethodGet, "/playlists/pl-missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestHandleListPlaylistsRejectsBadStatus(t *testing.T) {
	handler := newTestHandler(t, &fakeEngine{}, &stubPlaylists{}, contextstore.NewMemoryStore())
	rec := doRequest(t, handler, userIdentity(), http.MethodGet, "/playlists?status=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestHandleGetPlaylistContext(t *testing.T) {
	playlist := testPlaylist()
	contexts := contextstore.NewMemoryStore()
	doc := domain.RunContext{
		PlaylistID: playlist.ID,
		Metadata:   json.RawMessage(`{"tenant":"acme"}`),
		Origin:     "http://origin:9200",
		Sequence: []domain.SequenceStep{
			{StepID: "step-a", PluginID: "plugin-1", PluginSlug: "extract", PluginHost: "worker", PluginPort: 9101, NextStepID: "step-b", Output: json.RawMessage(`{"rows":10}`)},
			{StepID: "step-b", PluginID: "plugin-2", PluginSlug: "load", PluginHost: "worker", PluginPort: 9102},
		},
	}
	if err := contexts.Put(context.Background(), doc); err != nil {
		t.Fatalf("Put: %v", err)
	}

	handler := newTestHandler(t, &fakeEngine{}, &stubPlaylists{playlist: playlist}, contexts)
	rec := doRequest(t, handler, userIdentity(), http.MethodGet, "/playlists/pl-abc123/context", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	var resp contextResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PlaylistSlug != "pl-abc123" || len(resp.Sequence) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if string(resp.Sequence[0].Output) != `{"rows":10}` {
		t.Fatalf("output=%s", resp.Sequence[0].Output)
	}
	if strings.Contains(rec.Body.String(), playlist.ID) {
		t.Fatalf("internal playlist id leaked: %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "plugin-1") {
		t.Fatalf("internal plugin id leaked: %s", rec.Body.String())
	}
}

type fakeEngine struct {
	triggerReq    contracts.TriggerRequest
	triggerResult domain.Playlist
	triggerErr    error

	segueSlug   string
	segueReq    contracts.SegueRequest
	segueResult domain.Playlist
	segueErr    error

	crashSlug   string
	crashResult domain.Playlist
	crashErr    error
}

func (f *fakeEngine) Trigger(ctx context.Context, info engine.AuditInfo, req contracts.TriggerRequest) (domain.Playlist, error) {
	f.triggerReq = req
	if f.triggerErr != nil {
		return domain.Playlist{}, f.triggerErr
	}
	return f.triggerResult, nil
}

func (f *fakeEngine) Segue(ctx context.Context, info engine.AuditInfo, playlistSlug string, req contracts.SegueRequest) (domain.Playlist, error) {
	f.segueSlug = playlistSlug
	f.segueReq = req
	if f.segueErr != nil {
		return domain.Playlist{}, f.segueErr
	}
	return f.segueResult, nil
}

func (f *fakeEngine) Crash(ctx context.Context, info engine.AuditInfo, playlistSlug string, req contracts.CrashRequest) (domain.Playlist, error) {
	f.crashSlug = playlistSlug
	if f.crashErr != nil {
		return domain.Playlist{}, f.crashErr
	}
	return f.crashResult, nil
}

type stubPlaylists struct {
	playlist domain.Playlist
}

func (s *stubPlaylists) CreatePlaylist(ctx context.Context, playlist domain.Playlist) error {
	return nil
}

func (s *stubPlaylists) GetPlaylistBySlug(ctx context.Context, slug string) (domain.Playlist, error) {
	if s.playlist.Slug == slug {
		return s.playlist, nil
	}
	return domain.Playlist{}, repo.ErrNotFound
}

func (s *stubPlaylists) ListPlaylists(ctx context.Context, filter repo.PlaylistFilter) ([]domain.Playlist, error) {
	if s.playlist.Slug == "" {
		return nil, nil
	}
	return []domain.Playlist{s.playlist}, nil
}

func (s *stubPlaylists) AdvancePlaylist(ctx context.Context, id string, version int64, status domain.PlaylistStatus, currentStepID string) (domain.Playlist, error) {
	return domain.Playlist{}, repo.ErrConflict
}
