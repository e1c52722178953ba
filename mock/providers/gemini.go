package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// newGeminiHandler returns an http.Handler simulating the Google image APIs.
//
// The Gemini SDK (google.golang.org/genai) communicates with:
//
//	POST {base}/models/{model}:predict          (Imagen)
//	POST {base}/models/{model}:generateContent  (Gemini image output)
//
// where {base} defaults to https://generativelanguage.googleapis.com/v1beta.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path // e.g. /v1beta/models/imagen-4.0-generate-001:predict
		model := extractModel(path)

		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldRateLimit(cfg) {
			writeGeminiError(w, http.StatusTooManyRequests, "Resource has been exhausted (e.g. check quota).", "RESOURCE_EXHAUSTED")
			return
		}
		if shouldError(cfg) {
			writeGeminiError(w, http.StatusInternalServerError, "mock internal error", "INTERNAL")
			return
		}

		switch {
		case strings.HasSuffix(path, ":predict"):
			handleImagenPredict(w, r)
		case strings.HasSuffix(path, ":generateContent"):
			handleGeminiImageContent(w, r, model)
		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path), "NOT_FOUND")
		}
	})

	return mux
}

func handleImagenPredict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instances []struct {
			Prompt string `json:"prompt"`
		} `json:"instances"`
		Parameters struct {
			SampleCount int `json:"sampleCount"`
		} `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Instances) == 0 {
		writeGeminiError(w, http.StatusBadRequest, "invalid request body", "INVALID_ARGUMENT")
		return
	}
	n := req.Parameters.SampleCount
	if n <= 0 {
		n = 1
	}
	if n > 4 {
		writeGeminiError(w, http.StatusBadRequest, "sampleCount must be between 1 and 4", "INVALID_ARGUMENT")
		return
	}

	predictions := make([]map[string]string, n)
	for i := range predictions {
		predictions[i] = map[string]string{
			"bytesBase64Encoded": fakePNGBase64(),
			"mimeType":           "image/png",
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": predictions})
}

func handleGeminiImageContent(w http.ResponseWriter, r *http.Request, model string) {
	var req struct {
		Contents []struct {
			Parts []map[string]any `json:"parts"`
		} `json:"contents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Contents) == 0 {
		writeGeminiError(w, http.StatusBadRequest, "invalid request body", "INVALID_ARGUMENT")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"role": "model",
					"parts": []map[string]any{
						{"text": "Here is your image."},
						{"inlineData": map[string]string{"mimeType": "image/png", "data": fakePNGBase64()}},
					},
				},
				"finishReason": "STOP",
				"index":        0,
			},
		},
		"modelVersion": model,
	})
}

func writeGeminiError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  code,
		},
	})
}

// extractModel pulls the model name out of a path like
// /v1beta/models/imagen-4.0-generate-001:predict
func extractModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "imagen-4.0-generate-001"
}
