package providers

import (
	"context"
	"fmt"
	"net/http"
	"testing"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindInvalidCredential},
		{http.StatusForbidden, KindInvalidCredential},
		{http.StatusRequestTimeout, KindTimeout},
		{http.StatusGatewayTimeout, KindTimeout},
		{http.StatusBadRequest, KindUpstream},
		{http.StatusUnprocessableEntity, KindUpstream},
		{http.StatusInternalServerError, KindUpstream},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			if got := FromStatus("openai", tt.status, "x").Kind; got != tt.want {
				t.Fatalf("kind = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"gateway validation", Validation("openai", "size %q", "1x1"), false},
		{"wrapped validation", fmt.Errorf("step: %w", Validation("openai", "bad")), false},
		{"upstream 400", FromStatus("openai", http.StatusBadRequest, "bad prompt"), true},
		{"upstream 422", FromStatus("openai", http.StatusUnprocessableEntity, "bad size"), true},
		{"rate limited", FromStatus("openai", http.StatusTooManyRequests, ""), true},
		{"deadline", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Fatalf("Retryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus_UpstreamBadRequestIsBadGateway(t *testing.T) {
	err := FromStatus("gemini", http.StatusBadRequest, "invalid argument")
	if got := err.HTTPStatus(); got != http.StatusBadGateway {
		t.Fatalf("HTTPStatus = %d, want 502", got)
	}
}
