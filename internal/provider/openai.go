package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/pricing"
	"github.com/shopspring/decimal"
)

const openaiBaseURL = "https://api.openai.com"

// openaiUsage matches the chat-completions usage object.
type openaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// openaiChat handles the chat-completions and legacy completions wire shape.
type openaiChat struct {
	key   string
	price pricing.ModelPrice
}

func (v *openaiChat) Name() string         { return "openai-chat" }
func (v *openaiChat) Passthrough() bool    { return false }
func (v *openaiChat) SupportsStream() bool { return true }

func (v *openaiChat) BaseURL(string) string { return openaiBaseURL }

func (v *openaiChat) AuthHeaders(context.Context) (http.Header, error) {
	return bearerHeader(v.key), nil
}

func (v *openaiChat) TransformRequest(_ context.Context, body []byte, _ uint64) ([]byte, error) {
	return body, nil
}

func (v *openaiChat) TransformResponse(_ context.Context, body []byte) ([]byte, error) {
	return body, nil
}

// HandleBody parses either a single completion object or an SSE stream.
// OpenAI emits usage once, on the terminating chunk, so the last usage
// payload seen wins.
func (v *openaiChat) HandleBody(raw []byte, _ []byte) (*NormalizedCost, error) {
	if looksLikeSSE(raw) {
		return v.handleStream(raw)
	}

	var resp struct {
		ID    string       `json:"id"`
		Model string       `json:"model"`
		Usage *openaiUsage `json:"usage"`
	}
	if errUnmarshal := firstJSON(raw, &resp); errUnmarshal != nil {
		return nil, fmt.Errorf("openai: decode response: %w: %v", httperr.ErrUsageParse, errUnmarshal)
	}
	if resp.Usage == nil {
		return nil, fmt.Errorf("openai: response missing usage: %w", httperr.ErrUsageParse)
	}
	return v.normalize(resp.ID, *resp.Usage, raw), nil
}

func (v *openaiChat) handleStream(raw []byte) (*NormalizedCost, error) {
	var id string
	var usage *openaiUsage
	sawChunk := false
	for _, payload := range sseDataPayloads(raw) {
		var chunk struct {
			ID    string       `json:"id"`
			Usage *openaiUsage `json:"usage"`
		}
		if errUnmarshal := json.Unmarshal(payload, &chunk); errUnmarshal != nil {
			continue
		}
		sawChunk = true
		if chunk.ID != "" {
			id = chunk.ID
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	if !sawChunk {
		return nil, fmt.Errorf("openai: stream contained no decodable chunks: %w", httperr.ErrUsageParse)
	}
	if usage == nil {
		return nil, fmt.Errorf("openai: stream finished without usage chunk: %w", httperr.ErrUsageParse)
	}
	return v.normalize(id, *usage, raw), nil
}

func (v *openaiChat) normalize(id string, usage openaiUsage, raw []byte) *NormalizedCost {
	total := usage.TotalTokens
	if total == 0 {
		total = usage.PromptTokens + usage.CompletionTokens
	}
	return &NormalizedCost{
		RawCost:      v.price.TokenCost(usage.PromptTokens, usage.CompletionTokens),
		ProviderID:   id,
		ProviderType: v.Name(),
		Model:        v.price.Model,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		TotalTokens:  total,
		Raw:          rawUsageSnapshot(usage),
	}
}

// openaiResponsesUsage matches the responses-endpoint usage object, which
// renames the token fields.
type openaiResponsesUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// openaiResponses handles the responses-endpoint wire shape for the same
// vendor family; dispatched by path override.
type openaiResponses struct {
	key   string
	price pricing.ModelPrice
}

func (v *openaiResponses) Name() string         { return "openai-responses" }
func (v *openaiResponses) Passthrough() bool    { return false }
func (v *openaiResponses) SupportsStream() bool { return true }

func (v *openaiResponses) BaseURL(string) string { return openaiBaseURL }

func (v *openaiResponses) AuthHeaders(context.Context) (http.Header, error) {
	return bearerHeader(v.key), nil
}

func (v *openaiResponses) TransformRequest(_ context.Context, body []byte, _ uint64) ([]byte, error) {
	return body, nil
}

func (v *openaiResponses) TransformResponse(_ context.Context, body []byte) ([]byte, error) {
	return body, nil
}

func (v *openaiResponses) HandleBody(raw []byte, _ []byte) (*NormalizedCost, error) {
	if looksLikeSSE(raw) {
		return v.handleStream(raw)
	}

	var resp struct {
		ID    string                `json:"id"`
		Usage *openaiResponsesUsage `json:"usage"`
	}
	if errUnmarshal := firstJSON(raw, &resp); errUnmarshal != nil {
		return nil, fmt.Errorf("openai responses: decode response: %w: %v", httperr.ErrUsageParse, errUnmarshal)
	}
	if resp.Usage == nil {
		return nil, fmt.Errorf("openai responses: response missing usage: %w", httperr.ErrUsageParse)
	}
	return v.normalize(resp.ID, *resp.Usage, raw), nil
}

// handleStream scans response.* events; the terminal response.completed
// event carries the full response object with final usage.
func (v *openaiResponses) handleStream(raw []byte) (*NormalizedCost, error) {
	var id string
	var usage *openaiResponsesUsage
	for _, payload := range sseDataPayloads(raw) {
		var event struct {
			Type     string `json:"type"`
			Response *struct {
				ID    string                `json:"id"`
				Usage *openaiResponsesUsage `json:"usage"`
			} `json:"response"`
		}
		if errUnmarshal := json.Unmarshal(payload, &event); errUnmarshal != nil {
			continue
		}
		if event.Response == nil {
			continue
		}
		if event.Response.ID != "" {
			id = event.Response.ID
		}
		if event.Response.Usage != nil {
			usage = event.Response.Usage
		}
	}
	if usage == nil {
		return nil, fmt.Errorf("openai responses: stream finished without usage: %w", httperr.ErrUsageParse)
	}
	return v.normalize(id, *usage, raw), nil
}

func (v *openaiResponses) normalize(id string, usage openaiResponsesUsage, raw []byte) *NormalizedCost {
	total := usage.TotalTokens
	if total == 0 {
		total = usage.InputTokens + usage.OutputTokens
	}
	return &NormalizedCost{
		RawCost:      v.price.TokenCost(usage.InputTokens, usage.OutputTokens),
		ProviderID:   id,
		ProviderType: v.Name(),
		Model:        v.price.Model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  total,
		Raw:          rawUsageSnapshot(usage),
	}
}

// openaiImages handles per-image-priced generation requests.
type openaiImages struct {
	key   string
	price pricing.ModelPrice
}

func (v *openaiImages) Name() string         { return "openai-images" }
func (v *openaiImages) Passthrough() bool    { return false }
func (v *openaiImages) SupportsStream() bool { return false }

func (v *openaiImages) BaseURL(string) string { return openaiBaseURL }

func (v *openaiImages) AuthHeaders(context.Context) (http.Header, error) {
	return bearerHeader(v.key), nil
}

func (v *openaiImages) TransformRequest(_ context.Context, body []byte, _ uint64) ([]byte, error) {
	return body, nil
}

func (v *openaiImages) TransformResponse(_ context.Context, body []byte) ([]byte, error) {
	return body, nil
}

// HandleBody charges per generated image, counting the response data array.
func (v *openaiImages) HandleBody(raw []byte, _ []byte) (*NormalizedCost, error) {
	var resp struct {
		Created int64             `json:"created"`
		Data    []json.RawMessage `json:"data"`
	}
	if errUnmarshal := firstJSON(raw, &resp); errUnmarshal != nil {
		return nil, fmt.Errorf("openai images: decode response: %w: %v", httperr.ErrUsageParse, errUnmarshal)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai images: response contained no images: %w", httperr.ErrUsageParse)
	}
	count := int64(len(resp.Data))
	return &NormalizedCost{
		RawCost:      v.price.PerImage.Mul(decimal.NewFromInt(count)),
		ProviderID:   fmt.Sprintf("img-%d", resp.Created),
		ProviderType: v.Name(),
		Model:        v.price.Model,
		Raw:          rawUsageSnapshot(map[string]int64{"images": count}),
	}, nil
}

// rawUsageSnapshot serializes a usage value for audit storage.
func rawUsageSnapshot(v any) []byte {
	data, errMarshal := json.Marshal(v)
	if errMarshal != nil {
		return nil
	}
	return data
}
