package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testOpenAPIDoc = `
openapi: 3.0.3
info:
  title: test
  version: 0.0.1
paths:
  /api/conductor/playlists:
    post:
      operationId: triggerPlaylist
      requestBody:
        required: true
        content:
          application/json:
            schema:
              type: object
              properties:
                strategy_slug:
                  type: string
              required: [strategy_slug]
      responses:
        "201":
          description: created
  /api/conductor/playlists/{playlist_slug}:
    get:
      operationId: getPlaylist
      parameters:
        - name: playlist_slug
          in: path
          required: true
          schema:
            type: string
      responses:
        "200":
          description: ok
`

func newTestValidator(t *testing.T) *requestValidator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openapi.yaml")
	if err := os.WriteFile(path, []byte(testOpenAPIDoc), 0o600); err != nil {
		t.Fatalf("write openapi doc: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	validator, err := newRequestValidator(context.Background(), logger, path)
	if err != nil {
		t.Fatalf("newRequestValidator: %v", err)
	}
	return validator
}

func TestRequestValidatorPassesValidRequest(t *testing.T) {
	validator := newTestValidator(t)

	var sawBody string
	handler := validator.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		blob, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read proxied body: %v", err)
		}
		sawBody = string(blob)
		w.WriteHeader(http.StatusCreated)
	}))

	body := `{"strategy_slug":"etl"}`
	req := httptest.NewRequest(http.MethodPost, "/api/conductor/playlists", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if sawBody != body {
		t.Fatalf("proxied body %q, want %q", sawBody, body)
	}
}

func TestRequestValidatorRejectsUnknownPath(t *testing.T) {
	validator := newTestValidator(t)
	handler := validator.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("backend reached for unknown path")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/conductor/unknown/extra", nil)
	req.Header.Set("X-Request-Id", "req-404")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not_found") {
		t.Fatalf("body=%s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "req-404") {
		t.Fatalf("request id not echoed: %s", rec.Body.String())
	}
}

func TestRequestValidatorRejectsWrongMethod(t *testing.T) {
	validator := newTestValidator(t)
	handler := validator.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("backend reached for wrong method")
	}))

	req := httptest.NewRequest(http.MethodDelete, "/api/conductor/playlists", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want 405", rec.Code)
	}
}

func TestRequestValidatorRejectsInvalidBody(t *testing.T) {
	validator := newTestValidator(t)
	handler := validator.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("backend reached with invalid body")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/conductor/playlists", strings.NewReader(`{"origin":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "request_rejected") {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestRequestValidatorAllowsPathParameters(t *testing.T) {
	validator := newTestValidator(t)
	called := false
	handler := validator.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/conductor/playlists/pl-abc123", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called || rec.Code != http.StatusOK {
		t.Fatalf("called=%v status=%d", called, rec.Code)
	}
}

func TestNewRequestValidatorRejectsMissingDocument(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	if _, err := newRequestValidator(context.Background(), logger, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing document")
	}
}
