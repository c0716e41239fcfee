package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

func writeSSE(w http.ResponseWriter, event string, id string, payload any) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// handleStreamPlaylist streams a playlist's lifecycle over SSE: a status
// event whenever the row version changes plus every audit event recorded for
// the run, in event id order.
func (api *conductorAPI) handleStreamPlaylist(w http.ResponseWriter, r *http.Request) {
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

	afterEventID := int64(0)
	afterEventIDProvided := false
	if raw := strings.TrimSpace(r.URL.Query().Get("after_event_id")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_after_event_id")
			return
		}
		afterEventID = parsed
		afterEventIDProvided = true
	}
	if !afterEventIDProvided {
		err := api.db.QueryRowContext(
			r.Context(),
			`SELECT COALESCE(MAX(event_id),0) FROM audit_events WHERE resource_type = 'playlist' AND resource_id = $1`,
			slug,
		).Scan(&afterEventID)
		if err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.writeError(w, r, http.StatusInternalServerError, "streaming_not_supported")
		return
	}
	flusher.Flush()

	_ = writeSSE(w, "ready", "", map[string]any{
		"playlist_slug": slug,
		"server_ts":     time.Now().UTC().Unix(),
		"request_id":    r.Header.Get("X-Request-Id"),
	})
	_ = writeSSE(w, "status", "", toPlaylistResponse(playlist))

	lastVersion := playlist.Version
	lastEventID := afterEventID

	poll := time.NewTicker(1 * time.Second)
	heartbeat := time.NewTicker(15 * time.Second)
	defer poll.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-poll.C:
			if err := api.streamStatusChange(r, w, slug, &lastVersion); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				_ = writeSSE(w, "error", "", map[string]any{"error": "internal_error"})
				return
			}
			if err := api.streamNewAuditEvents(r, w, slug, &lastEventID); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				_ = writeSSE(w, "error", "", map[string]any{"error": "internal_error"})
				return
			}
		}
	}
}

func (api *conductorAPI) streamStatusChange(r *http.Request, w http.ResponseWriter, slug string, lastVersion *int64) error {
	playlist, err := api.playlists.GetPlaylistBySlug(r.Context(), slug)
	if err != nil {
		return err
	}
	if playlist.Version == *lastVersion {
		return nil
	}
	*lastVersion = playlist.Version
	return writeSSE(w, "status", strconv.FormatInt(playlist.Version, 10), toPlaylistResponse(playlist))
}

func (api *conductorAPI) streamNewAuditEvents(r *http.Request, w http.ResponseWriter, slug string, lastEventID *int64) error {
	rows, err := api.db.QueryContext(
		r.Context(),
		`SELECT event_id, occurred_at, actor, action, payload
		 FROM audit_events
		 WHERE resource_type = 'playlist' AND resource_id = $1 AND event_id > $2
		 ORDER BY event_id ASC
		 LIMIT 1000`,
		slug,
		*lastEventID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			event   playlistAuditEvent
			payload []byte
		)
		if err := rows.Scan(&event.EventID, &event.OccurredAt, &event.Actor, &event.Action, &payload); err != nil {
			return err
		}
		event.OccurredAt = event.OccurredAt.UTC()
		event.Payload = normalizeJSON(payload)
		*lastEventID = event.EventID
		if err := writeSSE(w, "event", strconv.FormatInt(event.EventID, 10), event); err != nil {
			return err
		}
	}
	return rows.Err()
}
