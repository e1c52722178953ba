package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
)

// newModelScopeHandler simulates the ModelScope async image API:
//
//	POST /v1/images/generations   (X-ModelScope-Async-Mode: true) → {"task_id"}
//	GET  /v1/tasks/{id}           → {"task_status", "output_images"}
//
// A task reports RUNNING for cfg.TaskPolls polls, then SUCCEED.
func newModelScopeHandler(cfg Config) http.Handler {
	var (
		mu    sync.Mutex
		polls = make(map[string]int)
	)

	mux := http.NewServeMux()

	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"errors": map[string]string{"message": "missing token"}})
			return
		}
		if r.Header.Get("X-ModelScope-Async-Mode") != "true" {
			writeError(w, http.StatusBadRequest, "only async mode is supported", "invalid_request")
			return
		}
		applyLatency(cfg)
		if failInjected(w, cfg) {
			return
		}

		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"errors": map[string]string{"message": "prompt is required"}})
			return
		}

		id := fmt.Sprintf("%x", rand.Int64())
		mu.Lock()
		polls[id] = 0
		mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "request_id": id})
	})

	mux.HandleFunc("/v1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")

		mu.Lock()
		n, ok := polls[id]
		if ok {
			polls[id] = n + 1
		}
		mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"errors": map[string]string{"message": "task not found"}})
			return
		}
		if n < cfg.TaskPolls {
			writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "task_status": "RUNNING"})
			return
		}

		mu.Lock()
		delete(polls, id)
		mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{
			"task_id":       id,
			"task_status":   "SUCCEED",
			"output_images": []string{fmt.Sprintf("%s/files/%s.png", baseURL(r), id)},
		})
	})

	mux.HandleFunc("/files/", serveFile)

	return mux
}
