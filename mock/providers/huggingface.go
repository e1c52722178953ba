package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
)

// newHuggingFaceHandler simulates a Gradio Space:
//
//	POST /gradio_api/call/{endpoint}         → {"event_id"}
//	GET  /gradio_api/call/{endpoint}/{id}    → SSE stream ending in complete
//	GET  /gradio_api/file=/tmp/{name}.webp   → image bytes
//
// Injected rate limits surface the way ZeroGPU quotas do: as an error event
// on the stream rather than an HTTP status.
func newHuggingFaceHandler(cfg Config) http.Handler {
	var (
		mu      sync.Mutex
		pending = make(map[string]bool)
	)

	mux := http.NewServeMux()

	mux.HandleFunc("/gradio_api/call/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/gradio_api/call/")
		endpoint, eventID, streaming := strings.Cut(rest, "/")

		switch {
		case r.Method == http.MethodPost && !streaming:
			var req struct {
				Data []any `json:"data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Data) == 0 {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "data is required"})
				return
			}
			id := fmt.Sprintf("%x", rand.Int64())
			mu.Lock()
			pending[id] = true
			mu.Unlock()
			writeJSON(w, http.StatusOK, map[string]string{"event_id": id})

		case r.Method == http.MethodGet && streaming:
			mu.Lock()
			ok := pending[eventID]
			delete(pending, eventID)
			mu.Unlock()
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown event " + eventID})
				return
			}
			streamGradioResult(w, r, cfg, endpoint)

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
		}
	})

	mux.HandleFunc("/gradio_api/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/gradio_api/file=") {
			serveFile(w, r)
			return
		}
		http.NotFound(w, r)
	})

	return mux
}

func streamGradioResult(w http.ResponseWriter, r *http.Request, cfg Config, endpoint string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	send := func(event, data string) {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	send("heartbeat", "null")
	applyLatency(cfg)
	send("generating", "null")

	if shouldRateLimit(cfg) {
		send("error", `"You have exceeded your GPU quota (60s requested vs. 0s left). Try again in 0:59:00"`)
		return
	}
	if shouldError(cfg) {
		send("error", "null")
		return
	}

	name := fmt.Sprintf("%s-%x.webp", endpoint, rand.Int64())
	out, _ := json.Marshal([]any{
		map[string]any{
			"path": "/tmp/gradio/" + name,
			"url":  baseURL(r) + "/gradio_api/file=/tmp/gradio/" + name,
			"meta": map[string]string{"_type": "gradio.FileData"},
		},
		rand.IntN(1 << 31),
	})
	send("complete", string(out))
}
