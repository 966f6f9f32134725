package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/pricing"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com"

// geminiUsage matches the usageMetadata object. Counts are cumulative across
// streamed chunks, so the last chunk seen carries the final totals.
type geminiUsage struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	TotalTokenCount      int64 `json:"totalTokenCount"`
}

// geminiGenerate handles generateContent and streamGenerateContent.
type geminiGenerate struct {
	key   string
	price pricing.ModelPrice
}

func (v *geminiGenerate) Name() string         { return "gemini-generate" }
func (v *geminiGenerate) Passthrough() bool    { return false }
func (v *geminiGenerate) SupportsStream() bool { return true }

func (v *geminiGenerate) BaseURL(string) string { return geminiBaseURL }

func (v *geminiGenerate) AuthHeaders(context.Context) (http.Header, error) {
	h := http.Header{}
	h.Set("x-goog-api-key", v.key)
	h.Set("Content-Type", "application/json")
	return h, nil
}

func (v *geminiGenerate) TransformRequest(_ context.Context, body []byte, _ uint64) ([]byte, error) {
	return body, nil
}

func (v *geminiGenerate) TransformResponse(_ context.Context, body []byte) ([]byte, error) {
	return body, nil
}

// HandleBody parses three gemini response shapes: a single JSON object, a
// JSON array of streamed objects, and an SSE stream. Usage metadata is
// cumulative, so later chunks overwrite earlier ones.
func (v *geminiGenerate) HandleBody(raw []byte, _ []byte) (*NormalizedCost, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("gemini: empty response: %w", httperr.ErrUsageParse)
	}

	var payloads [][]byte
	switch {
	case trimmed[0] == '[':
		var chunks []json.RawMessage
		if errUnmarshal := json.Unmarshal(trimmed, &chunks); errUnmarshal != nil {
			return nil, fmt.Errorf("gemini: decode chunk array: %w: %v", httperr.ErrUsageParse, errUnmarshal)
		}
		for _, chunk := range chunks {
			payloads = append(payloads, chunk)
		}
	case looksLikeSSE(trimmed):
		payloads = sseDataPayloads(trimmed)
	default:
		payloads = [][]byte{trimmed}
	}

	var id string
	var usage *geminiUsage
	for _, payload := range payloads {
		var chunk struct {
			ResponseID    string       `json:"responseId"`
			UsageMetadata *geminiUsage `json:"usageMetadata"`
		}
		if errUnmarshal := json.Unmarshal(payload, &chunk); errUnmarshal != nil {
			continue
		}
		if chunk.ResponseID != "" {
			id = chunk.ResponseID
		}
		if chunk.UsageMetadata != nil {
			usage = chunk.UsageMetadata
		}
	}
	if usage == nil {
		return nil, fmt.Errorf("gemini: response missing usageMetadata: %w", httperr.ErrUsageParse)
	}

	total := usage.TotalTokenCount
	if total == 0 {
		total = usage.PromptTokenCount + usage.CandidatesTokenCount
	}
	return &NormalizedCost{
		RawCost:      v.price.TokenCost(usage.PromptTokenCount, usage.CandidatesTokenCount),
		ProviderID:   id,
		ProviderType: v.Name(),
		Model:        v.price.Model,
		InputTokens:  usage.PromptTokenCount,
		OutputTokens: usage.CandidatesTokenCount,
		TotalTokens:  total,
		Raw:          rawUsageSnapshot(usage),
	}, nil
}
