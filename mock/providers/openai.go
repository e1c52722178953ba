package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// newOpenAIHandler returns an http.Handler that simulates the OpenAI images
// API. It also serves OpenAI-compatible image servers (same wire format).
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if failInjected(w, cfg) {
			return
		}

		var req struct {
			Model          string `json:"model"`
			Prompt         string `json:"prompt"`
			N              int    `json:"n"`
			Size           string `json:"size"`
			ResponseFormat string `json:"response_format"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeError(w, http.StatusBadRequest, "prompt is required", "invalid_request_error")
			return
		}

		writeOpenAIImages(w, r, req.Model, req.N, req.ResponseFormat, req.Prompt)
	})

	mux.HandleFunc("/v1/images/edits", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if failInjected(w, cfg) {
			return
		}

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "expected multipart/form-data", "invalid_request_error")
			return
		}
		if len(r.MultipartForm.File["image"])+len(r.MultipartForm.File["image[]"]) == 0 {
			writeError(w, http.StatusBadRequest, "image is required", "invalid_request_error")
			return
		}
		n, _ := strconv.Atoi(r.FormValue("n"))
		writeOpenAIImages(w, r, r.FormValue("model"), n, r.FormValue("response_format"), r.FormValue("prompt"))
	})

	mux.HandleFunc("/files/", serveFile)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// writeOpenAIImages answers with n images. gpt-image models always return
// base64; dall-e models honour response_format.
func writeOpenAIImages(w http.ResponseWriter, r *http.Request, model string, n int, format, prompt string) {
	if n <= 0 {
		n = 1
	}
	if n > 10 {
		writeError(w, http.StatusBadRequest, "n must be at most 10", "invalid_request_error")
		return
	}
	b64 := format == "b64_json" || strings.HasPrefix(model, "gpt-image")

	data := make([]map[string]string, n)
	for i := range data {
		item := map[string]string{"revised_prompt": prompt}
		if b64 {
			item["b64_json"] = fakePNGBase64()
		} else {
			item["url"] = fmt.Sprintf("%s/files/img-%x.png", baseURL(r), rand.Int64())
		}
		data[i] = item
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"created": time.Now().Unix(),
		"data":    data,
	})
}
