package modelscope

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/image-gateway/internal/asynctask"
	"github.com/nulpointcorp/image-gateway/internal/imageref"
	"github.com/nulpointcorp/image-gateway/internal/providers"
)

var testCred = providers.Credential{ID: "k1", Key: "ms-mock"}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestProvider(srv *httptest.Server, opts ...Option) *Provider {
	opts = append([]Option{
		WithBaseURL(srv.URL),
		WithPollConfig(asynctask.Config{MaxAttempts: 5}),
		WithPollerOptions(asynctask.WithSleep(noSleep)),
	}, opts...)
	return New(opts...)
}

// upstream is a scripted ModelScope: it accepts one submission and answers
// polls from the polls slice, repeating the last entry.
type upstream struct {
	t         *testing.T
	polls     []string
	submitted atomic.Value
	pollCount atomic.Int32
	imageURL  string
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer ms-mock" {
		u.t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/images/generations":
		if r.Header.Get("X-ModelScope-Async-Mode") != "true" {
			u.t.Errorf("missing async header")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		u.submitted.Store(body)
		_, _ = w.Write([]byte(`{"task_id":"t-1","request_id":"r-1"}`))
	case r.Method == http.MethodGet && r.URL.Path == "/v1/tasks/t-1":
		if r.Header.Get("X-ModelScope-Task-Type") != "image_generation" {
			u.t.Errorf("missing task type header")
		}
		i := int(u.pollCount.Add(1)) - 1
		if i >= len(u.polls) {
			i = len(u.polls) - 1
		}
		_, _ = w.Write([]byte(strings.ReplaceAll(u.polls[i], "$IMG", u.imageURL)))
	case r.URL.Path == "/img.png":
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	default:
		u.t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestProvider_Descriptor(t *testing.T) {
	p := New()
	d := p.Descriptor()
	if !d.Capabilities.AsyncExecution || d.Capabilities.NativeLimit() != 1 {
		t.Fatalf("capabilities = %+v", d.Capabilities)
	}
	if !p.DetectCredentialFormat("ms-123") || p.DetectCredentialFormat("sk-1") {
		t.Fatal("credential format detection wrong")
	}
}

func TestProvider_Generate_SubmitPollExtract(t *testing.T) {
	up := &upstream{t: t, polls: []string{
		`{"task_status":"PENDING"}`,
		`{"task_status":"RUNNING"}`,
		`{"task_status":"SUCCEED","output_images":["https://cdn.test/a.png"]}`,
	}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	res, err := newTestProvider(srv).Generate(context.Background(), testCred, &providers.GenerateRequest{
		Model: "Qwen/Qwen-Image", Prompt: "a kite", Size: "1024x1024", Steps: 30, N: 1,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Images) != 1 || res.Images[0].URL != "https://cdn.test/a.png" {
		t.Fatalf("images = %+v", res.Images)
	}
	if up.pollCount.Load() != 3 {
		t.Fatalf("polls = %d, want 3", up.pollCount.Load())
	}
	body := up.submitted.Load().(map[string]any)
	if body["model"] != "Qwen/Qwen-Image" || body["prompt"] != "a kite" || body["steps"] != float64(30) {
		t.Fatalf("submitted = %v", body)
	}
}

func TestProvider_Generate_EditSendsImageURL(t *testing.T) {
	up := &upstream{t: t, polls: []string{`{"task_status":"SUCCEED","outputs":{"output_images":["https://cdn.test/e.png"]}}`}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	res, err := newTestProvider(srv).Generate(context.Background(), testCred, &providers.GenerateRequest{
		Model: "Qwen/Qwen-Image-Edit", Prompt: "make it blue", Images: []string{"https://cdn.test/in.png"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Images[0].URL != "https://cdn.test/e.png" {
		t.Fatalf("images = %+v", res.Images)
	}
	if up.submitted.Load().(map[string]any)["image_url"] != "https://cdn.test/in.png" {
		t.Fatal("image_url not sent")
	}
}

func TestProvider_Generate_InlinesWhenB64Requested(t *testing.T) {
	up := &upstream{t: t, polls: []string{`{"task_status":"SUCCEED","output_images":["$IMG"]}`}}
	srv := httptest.NewServer(up)
	defer srv.Close()
	up.imageURL = srv.URL + "/img.png"

	p := newTestProvider(srv, WithInliner(imageref.NewInliner(imageref.NewFetcher(srv.Client()), nil)))
	res, err := p.Generate(context.Background(), testCred, &providers.GenerateRequest{
		Model: "Qwen/Qwen-Image", Prompt: "x", ResponseFormat: providers.FormatB64JSON,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Images[0].B64JSON != base64.StdEncoding.EncodeToString([]byte("png-bytes")) || res.Images[0].URL != "" {
		t.Fatalf("images = %+v", res.Images)
	}
}

func TestProvider_Generate_TaskFailed(t *testing.T) {
	up := &upstream{t: t, polls: []string{`{"task_status":"FAILED","errors":{"message":"NSFW content detected"}}`}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	_, err := newTestProvider(srv).Generate(context.Background(), testCred, &providers.GenerateRequest{Model: "Qwen/Qwen-Image", Prompt: "x"})
	if providers.KindOf(err) != providers.KindUpstream || !strings.Contains(err.Error(), "NSFW content detected") {
		t.Fatalf("err = %v", err)
	}
}

func TestProvider_Generate_TimesOut(t *testing.T) {
	up := &upstream{t: t, polls: []string{`{"task_status":"RUNNING"}`}}
	srv := httptest.NewServer(up)
	defer srv.Close()

	_, err := newTestProvider(srv).Generate(context.Background(), testCred, &providers.GenerateRequest{Model: "Qwen/Qwen-Image", Prompt: "x"})
	if providers.KindOf(err) != providers.KindTimeout || !errors.Is(err, asynctask.ErrTimedOut) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if up.pollCount.Load() != 5 {
		t.Fatalf("polls = %d, want 5", up.pollCount.Load())
	}
}

func TestProvider_Generate_SubmitErrors(t *testing.T) {
	tests := []struct {
		status int
		want   providers.ErrorKind
	}{
		{http.StatusTooManyRequests, providers.KindRateLimited},
		{http.StatusUnauthorized, providers.KindInvalidCredential},
		{http.StatusBadRequest, providers.KindUpstream},
		{http.StatusUnprocessableEntity, providers.KindUpstream},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"errors":{"message":"quota"}}`))
			}))
			defer srv.Close()

			_, err := newTestProvider(srv).Generate(context.Background(), testCred, &providers.GenerateRequest{Model: "m", Prompt: "x"})
			if providers.KindOf(err) != tt.want {
				t.Fatalf("kind = %s, want %s", providers.KindOf(err), tt.want)
			}
			if !strings.Contains(err.Error(), "quota") {
				t.Fatalf("diagnostic lost: %v", err)
			}
		})
	}
}

func TestProvider_Generate_MissingTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"request_id":"r-1"}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).Generate(context.Background(), testCred, &providers.GenerateRequest{Model: "m", Prompt: "x"})
	if providers.KindOf(err) != providers.KindProtocol {
		t.Fatalf("err = %v, want protocol", err)
	}
}
