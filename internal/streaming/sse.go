package streaming

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Handler streams hub events as Server-Sent Events. The execution_id,
// step_key and type (comma separated) query parameters narrow the stream.
func Handler(hub Hub, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		q := r.URL.Query()
		filter := EventFilter{ExecutionID: q.Get("execution_id"), StepKey: q.Get("step_key")}
		if types := q.Get("type"); types != "" {
			filter.EventTypes = strings.Split(types, ",")
		}

		ch, cancel, err := hub.Subscribe(r.Context(), filter)
		if err != nil {
			logger.Error("SSE subscribe failed", "error", err)
			http.Error(w, "subscribe failed", http.StatusInternalServerError)
			return
		}
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "id: %s-%d\nevent: %s\ndata: %s\n\n", event.ExecutionID, event.Sequence, event.Type, data)
				flusher.Flush()
			}
		}
	})
}
