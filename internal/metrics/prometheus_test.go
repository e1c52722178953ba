package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp"
)

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	r.RecordRequest("openai", 200, 10)
	r.AddImages("openai", 2)
	r.RecordKeyTransition("openai", "rate_limited")
	r.SetKeyPool("openai", 1, 0, 0)
	r.SetCircuitBreaker("openai", 1)
	r.ObserveAsyncTask("modelscope", "succeeded", 3)
}

func TestSetKeyPool(t *testing.T) {
	r := New()
	r.SetKeyPool("openai", 3, 1, 2)

	tests := []struct {
		status string
		want   float64
	}{
		{"active", 3},
		{"rate_limited", 1},
		{"disabled", 2},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(r.keyPool.WithLabelValues("openai", tt.status)); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSetCircuitBreaker_CountsTransitionsOnly(t *testing.T) {
	r := New()
	r.SetCircuitBreaker("gemini", 0)
	r.SetCircuitBreaker("gemini", 1)
	r.SetCircuitBreaker("gemini", 1)

	if got := testutil.ToFloat64(r.cbTransitions.WithLabelValues("gemini", "1")); got != 1 {
		t.Fatalf("open transitions = %v", got)
	}
	if got := testutil.ToFloat64(r.circuitBreakerState.WithLabelValues("gemini")); got != 1 {
		t.Fatalf("state = %v", got)
	}
}

func TestAddImages_IgnoresNonPositive(t *testing.T) {
	r := New()
	r.AddImages("huggingface", 0)
	r.AddImages("huggingface", 4)

	if got := testutil.ToFloat64(r.imagesTotal.WithLabelValues("huggingface")); got != 4 {
		t.Fatalf("images = %v", got)
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.SetBuildInfo("v1.2.3")
	r.RecordDailyReset()

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	r.Handler()(ctx)

	body := string(ctx.Response.Body())
	for _, want := range []string{`gateway_build_info{version="v1.2.3"} 1`, "gateway_key_daily_resets_total 1"} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q", want)
		}
	}

	if mfs, err := r.PromRegistry().Gather(); err != nil || len(mfs) == 0 {
		t.Fatalf("gather: %d families, err %v", len(mfs), err)
	}
}
