package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
)

// requestValidator checks proxied requests against the published OpenAPI
// document before they reach a backend. Requests for paths the document does
// not describe are rejected, so the document stays the single source of truth
// for the external API surface.
type requestValidator struct {
	logger *slog.Logger
	router routers.Router
}

func newRequestValidator(ctx context.Context, logger *slog.Logger, specPath string) (*requestValidator, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("load openapi document %s: %w", specPath, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi document %s: %w", specPath, err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}
	return &requestValidator{logger: logger, router: router}, nil
}

func (v *requestValidator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := v.router.FindRoute(r)
		if err != nil {
			switch {
			case errors.Is(err, routers.ErrPathNotFound):
				writeGatewayError(w, r, http.StatusNotFound, "not_found")
			case errors.Is(err, routers.ErrMethodNotAllowed):
				writeGatewayError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
			default:
				v.logger.Error("openapi route lookup failed", "request_id", r.Header.Get("X-Request-Id"), "error", err)
				writeGatewayError(w, r, http.StatusInternalServerError, "internal_error")
			}
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		// ValidateRequest consumes the body and restores a replayable copy,
		// so the proxied request downstream is unaffected.
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			var requestErr *openapi3filter.RequestError
			if errors.As(err, &requestErr) {
				writeGatewayError(w, r, http.StatusBadRequest, "request_rejected")
				return
			}
			v.logger.Error("openapi validation failed", "request_id", r.Header.Get("X-Request-Id"), "error", err)
			writeGatewayError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeGatewayError(w http.ResponseWriter, r *http.Request, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", code)
		return
	}
	_, _ = fmt.Fprintf(w, "{\"error\":%q,\"request_id\":%q}\n", code, requestID)
}
