package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/pricing"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
)

// anthropicUsage matches the messages usage object.
type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// anthropicMessages handles the messages wire shape.
type anthropicMessages struct {
	key   string
	price pricing.ModelPrice
}

func (v *anthropicMessages) Name() string         { return "anthropic-messages" }
func (v *anthropicMessages) Passthrough() bool    { return false }
func (v *anthropicMessages) SupportsStream() bool { return true }

func (v *anthropicMessages) BaseURL(string) string { return anthropicBaseURL }

func (v *anthropicMessages) AuthHeaders(context.Context) (http.Header, error) {
	h := http.Header{}
	h.Set("x-api-key", v.key)
	h.Set("anthropic-version", anthropicAPIVersion)
	h.Set("Content-Type", "application/json")
	return h, nil
}

func (v *anthropicMessages) TransformRequest(_ context.Context, body []byte, _ uint64) ([]byte, error) {
	return body, nil
}

func (v *anthropicMessages) TransformResponse(_ context.Context, body []byte) ([]byte, error) {
	return body, nil
}

// HandleBody parses a single message object or an SSE stream. In streams the
// opening message_start event reports input tokens and a provisional output
// count; the output count is only finalized by the terminating message_delta
// event, which overwrites it.
func (v *anthropicMessages) HandleBody(raw []byte, _ []byte) (*NormalizedCost, error) {
	if looksLikeSSE(raw) {
		return v.handleStream(raw)
	}

	var resp struct {
		ID    string          `json:"id"`
		Usage *anthropicUsage `json:"usage"`
	}
	if errUnmarshal := firstJSON(raw, &resp); errUnmarshal != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w: %v", httperr.ErrUsageParse, errUnmarshal)
	}
	if resp.Usage == nil {
		return nil, fmt.Errorf("anthropic: response missing usage: %w", httperr.ErrUsageParse)
	}
	return v.normalize(resp.ID, *resp.Usage, raw), nil
}

func (v *anthropicMessages) handleStream(raw []byte) (*NormalizedCost, error) {
	var id string
	var usage anthropicUsage
	sawStart := false
	for _, payload := range sseDataPayloads(raw) {
		var event struct {
			Type    string `json:"type"`
			Message *struct {
				ID    string          `json:"id"`
				Usage *anthropicUsage `json:"usage"`
			} `json:"message"`
			Usage *anthropicUsage `json:"usage"`
		}
		if errUnmarshal := json.Unmarshal(payload, &event); errUnmarshal != nil {
			continue
		}
		switch event.Type {
		case "message_start":
			if event.Message == nil || event.Message.Usage == nil {
				continue
			}
			sawStart = true
			id = event.Message.ID
			usage.InputTokens = event.Message.Usage.InputTokens
			usage.OutputTokens = event.Message.Usage.OutputTokens
		case "message_delta":
			if event.Usage == nil {
				continue
			}
			// Final output count lives here, not in message_start.
			usage.OutputTokens = event.Usage.OutputTokens
			if event.Usage.InputTokens > 0 {
				usage.InputTokens = event.Usage.InputTokens
			}
		}
	}
	if !sawStart {
		return nil, fmt.Errorf("anthropic: stream missing message_start usage: %w", httperr.ErrUsageParse)
	}
	return v.normalize(id, usage, raw), nil
}

func (v *anthropicMessages) normalize(id string, usage anthropicUsage, raw []byte) *NormalizedCost {
	return &NormalizedCost{
		RawCost:      v.price.TokenCost(usage.InputTokens, usage.OutputTokens),
		ProviderID:   id,
		ProviderType: v.Name(),
		Model:        v.price.Model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.InputTokens + usage.OutputTokens,
		Raw:          rawUsageSnapshot(usage),
	}
}
