package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// fakePNG renders a small solid-colour PNG so clients receive decodable
// image bytes.
func fakePNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	c := color.RGBA{R: uint8(rand.IntN(256)), G: uint8(rand.IntN(256)), B: uint8(rand.IntN(256)), A: 255}
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func fakePNGBase64() string {
	return base64.StdEncoding.EncodeToString(fakePNG())
}

// serveFile answers GET {prefix}{name}.png with a fresh PNG. Every mock
// that returns URLs points them here.
func serveFile(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(fakePNG())
}

// baseURL reconstructs the scheme and host the client used.
func baseURL(r *http.Request) string {
	return "http://" + r.Host
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError returns true if this request should simulate an error.
func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

// shouldRateLimit returns true if this request should simulate a 429.
func shouldRateLimit(cfg Config) bool {
	if cfg.RateLimitRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.RateLimitRate
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the generic OpenAI-style error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}

// failInjected writes a simulated 429 or 500 and reports whether it did.
func failInjected(w http.ResponseWriter, cfg Config) bool {
	if shouldRateLimit(cfg) {
		writeError(w, http.StatusTooManyRequests, "mock rate limit exceeded", "rate_limit_exceeded")
		return true
	}
	if shouldError(cfg) {
		writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
		return true
	}
	return false
}
