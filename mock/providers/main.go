// Command providers runs lightweight HTTP mock servers that simulate each
// image provider API. It is used for E2E/load testing without real
// credentials.
//
// Each provider listens on its own port:
//
//	OpenAI images           :19001
//	Anthropic (enhancer)    :19002
//	Gemini / Imagen         :19003
//	ModelScope (async)      :19004
//	Hugging Face Spaces     :19005
//
// Point the gateway at them with OPENAI_BASE_URL=http://localhost:19001/v1,
// ANTHROPIC_BASE_URL=http://localhost:19002, GEMINI_BASE_URL=
// http://localhost:19003/v1beta, MODELSCOPE_BASE_URL=http://localhost:19004
// and HUGGINGFACE_BASE_URL=http://localhost:19005.
//
// Environment overrides (PORT_<PROVIDER>):
//
//	PORT_OPENAI, PORT_ANTHROPIC, PORT_GEMINI, PORT_MODELSCOPE, PORT_HUGGINGFACE
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS      : artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE      : fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_RATE_LIMIT_RATE : fraction [0,1] of requests that return HTTP 429 (default 0)
//	MOCK_TASK_POLLS      : polls before an async task succeeds (default 2)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime configuration shared across all mock servers.
type Config struct {
	LatencyMS     int
	ErrorRate     float64
	RateLimitRate float64
	TaskPolls     int
}

func loadConfig() Config {
	c := Config{TaskPolls: 2}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	c.ErrorRate = rateFromEnv("MOCK_ERROR_RATE")
	c.RateLimitRate = rateFromEnv("MOCK_RATE_LIMIT_RATE")
	if v := os.Getenv("MOCK_TASK_POLLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.TaskPolls = n
		}
	}
	return c
}

func rateFromEnv(key string) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			return f
		}
	}
	return 0
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock provider listening", slog.String("provider", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("provider", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock providers",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Float64("rate_limit_rate", cfg.RateLimitRate),
		slog.Int("task_polls", cfg.TaskPolls),
	)

	servers := []*http.Server{
		startServer("openai", ":"+portFromEnv("PORT_OPENAI", 19001), newOpenAIHandler(cfg), log),
		startServer("anthropic", ":"+portFromEnv("PORT_ANTHROPIC", 19002), newAnthropicHandler(cfg), log),
		startServer("gemini", ":"+portFromEnv("PORT_GEMINI", 19003), newGeminiHandler(cfg), log),
		startServer("modelscope", ":"+portFromEnv("PORT_MODELSCOPE", 19004), newModelScopeHandler(cfg), log),
		startServer("huggingface", ":"+portFromEnv("PORT_HUGGINGFACE", 19005), newHuggingFaceHandler(cfg), log),
	}

	// Print readiness
	fmt.Println("READY")

	// Wait for signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock providers")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock providers stopped")
}
