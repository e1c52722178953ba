// Package imageref decodes caller-supplied image references (data URLs,
// bare base64, remote URLs) and inlines remote upstream outputs as base64.
package imageref

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/nulpointcorp/image-gateway/internal/providers"
)

// DefaultMaxBytes caps a single fetched image.
const DefaultMaxBytes = 32 << 20

var (
	ErrEmpty    = errors.New("imageref: empty image reference")
	ErrNotImage = errors.New("imageref: payload is not an image")
)

// IsRemote reports whether ref is an http(s) URL.
func IsRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// ParseDataURL decodes "data:<mime>;base64,<payload>" or a bare base64
// payload. Bare payloads have their MIME type sniffed.
func ParseDataURL(ref string) ([]byte, string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, "", ErrEmpty
	}

	mime := ""
	payload := ref
	if strings.HasPrefix(ref, "data:") {
		comma := strings.IndexByte(ref, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("imageref: malformed data URL")
		}
		meta := ref[len("data:"):comma]
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("imageref: data URL is not base64 encoded")
		}
		mime = strings.TrimSuffix(meta, ";base64")
		payload = ref[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("imageref: decode base64: %w", err)
	}
	if mime == "" {
		mime = Sniff(data)
	}
	return data, mime, nil
}

// Sniff detects the MIME type of data from its leading bytes.
func Sniff(data []byte) string {
	return mimetype.Detect(data).String()
}

// DataURL encodes data as a data URL.
func DataURL(mime string, data []byte) string {
	if mime == "" {
		mime = Sniff(data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Fetcher downloads remote images.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher returns a Fetcher. A nil client gets a 30 s timeout.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{client: client, maxBytes: DefaultMaxBytes}
}

// Fetch downloads url and returns its bytes and MIME type.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("imageref: build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("imageref: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("imageref: fetch: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("imageref: read: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("imageref: image exceeds %d bytes", f.maxBytes)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = Sniff(data)
	}
	return data, mime, nil
}

// Load resolves any reference to raw image bytes. Payloads whose content
// is not an image are rejected with ErrNotImage.
func (f *Fetcher) Load(ctx context.Context, ref string) ([]byte, string, error) {
	var (
		data []byte
		mime string
		err  error
	)
	if IsRemote(ref) {
		data, mime, err = f.Fetch(ctx, ref)
	} else {
		data, mime, err = ParseDataURL(ref)
	}
	if err != nil {
		return nil, "", err
	}
	if !strings.HasPrefix(Sniff(data), "image/") {
		return nil, "", ErrNotImage
	}
	return data, mime, nil
}

// Inliner converts remote output URLs into base64 payloads.
type Inliner struct {
	fetcher *Fetcher
	log     *slog.Logger
}

// NewInliner wraps f.
func NewInliner(f *Fetcher, logger *slog.Logger) *Inliner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inliner{fetcher: f, log: logger}
}

// Inline fetches every URL image and replaces it with its base64 payload.
// A fetch failure keeps the original URL for that image.
func (in *Inliner) Inline(ctx context.Context, images []providers.Image) []providers.Image {
	out := make([]providers.Image, len(images))
	for i, img := range images {
		out[i] = img
		if img.B64JSON != "" || !IsRemote(img.URL) {
			continue
		}
		data, _, err := in.fetcher.Fetch(ctx, img.URL)
		if err != nil {
			in.log.WarnContext(ctx, "image_inline_failed",
				slog.String("url", img.URL),
				slog.String("error", err.Error()),
			)
			continue
		}
		out[i] = providers.Image{B64JSON: base64.StdEncoding.EncodeToString(data), RevisedPrompt: img.RevisedPrompt}
	}
	return out
}
