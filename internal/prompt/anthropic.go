package prompt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/image-gateway/internal/providers"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	defaultAnthropicModel   = "claude-3-5-haiku-latest"
	defaultMaxTokens        = 512
	defaultTimeout          = 20 * time.Second
)

const systemPrompt = `You rewrite prompts for a text-to-image model.
Return only the rewritten prompt in English, without quotes or commentary.
Keep the subject and every explicit constraint of the original.
Add concrete visual detail (composition, lighting, style) in at most 80 words.`

// AnthropicEnhancer expands prompts with a Claude model. When total > 1
// each slot is asked for a distinct variation so fan-out batches differ.
type AnthropicEnhancer struct {
	apiKey  string
	baseURL string
	model   string
	client  anthropic.Client
}

// AnthropicOption configures an AnthropicEnhancer.
type AnthropicOption func(*AnthropicEnhancer)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) AnthropicOption {
	return func(e *AnthropicEnhancer) {
		if url != "" {
			e.baseURL = url
		}
	}
}

// WithModel selects the Claude model.
func WithModel(model string) AnthropicOption {
	return func(e *AnthropicEnhancer) {
		if model != "" {
			e.model = model
		}
	}
}

// NewAnthropicEnhancer creates an enhancer authenticated with apiKey.
func NewAnthropicEnhancer(apiKey string, opts ...AnthropicOption) *AnthropicEnhancer {
	e := &AnthropicEnhancer{
		apiKey:  apiKey,
		baseURL: defaultAnthropicBaseURL,
		model:   defaultAnthropicModel,
	}
	for _, o := range opts {
		o(e)
	}

	e.client = anthropic.NewClient(
		option.WithAPIKey(e.apiKey),
		option.WithBaseURL(e.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: defaultTimeout}),
		option.WithMaxRetries(0),
	)
	return e
}

// Process implements Processor.
func (e *AnthropicEnhancer) Process(ctx context.Context, prompt string, index, total int) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return prompt, nil
	}

	msg, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: defaultMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{{
			Role: anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{{
				OfText: &anthropic.TextBlockParam{Text: instruction(prompt, index, total)},
			}},
		}},
	})
	if err != nil {
		return "", toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("prompt: empty completion")
	}
	return out, nil
}

func instruction(prompt string, index, total int) string {
	if total <= 1 {
		return "Prompt: " + prompt
	}
	return fmt.Sprintf(
		"Prompt: %s\n\nThis is variation %d of %d generated from the same prompt. "+
			"Choose a viewpoint or composition that differs from the other variations.",
		prompt, index+1, total,
	)
}

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return providers.FromStatus("anthropic", apierr.StatusCode, apierr.Error())
	}
	return err
}
