package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"curbkey/internal/engine"
)

// registerFeed wires the SSE live feed straight onto the chi router.
// Sessions poll the ledger and end after a fixed maximum, after which the
// client reconnects with its last seen event id as the cursor.
func registerFeed(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "requests/{id}/feed"), func(w http.ResponseWriter, req *http.Request) {
		requestID := chi.URLParam(req, "id")
		if _, err := e.Repo.GetRequest(req.Context(), requestID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}

		cursor := int64(0)
		if raw := req.URL.Query().Get("last_id"); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v < 0 {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid last_id", nil))
				return
			}
			cursor = v
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		cfg := e.Config.Feed
		deadline := time.After(time.Duration(cfg.MaxSessionSeconds) * time.Second)
		ticker := time.NewTicker(time.Duration(cfg.PollSeconds) * time.Second)
		defer ticker.Stop()

		emit := func() bool {
			events, err := e.Ledger.EventsAfter(req.Context(), requestID, cursor, cfg.MaxEventsPerWakeup)
			if err != nil {
				return false
			}
			if len(events) == 0 {
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
				return true
			}
			for _, ev := range events {
				data, err := json.Marshal(eventResponse(ev))
				if err != nil {
					return false
				}
				fmt.Fprintf(w, "id: %d\nevent: status\ndata: %s\n\n", ev.ID, data)
				cursor = ev.ID
			}
			flusher.Flush()
			return true
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-req.Context().Done():
				return
			case <-deadline:
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			case <-ticker.C:
				if !emit() {
					return
				}
			}
		}
	})
}
