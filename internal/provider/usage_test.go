package provider

import (
	"errors"
	"testing"

	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/pricing"
	"github.com/shopspring/decimal"
)

func mustPrice(t *testing.T, model string) pricing.ModelPrice {
	t.Helper()
	p, errLookup := pricing.Default().Lookup(model)
	if errLookup != nil {
		t.Fatal(errLookup)
	}
	return p
}

func wantDecimal(t *testing.T, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("cost = %s, want %s", got, want)
	}
}

func TestOpenAIChatUnary(t *testing.T) {
	v := &openaiChat{price: mustPrice(t, "gpt-4o")}
	raw := []byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":100,"completion_tokens":50,"total_tokens":150}}`)

	cost, errHandle := v.HandleBody(raw, nil)
	if errHandle != nil {
		t.Fatal(errHandle)
	}
	if cost.ProviderID != "chatcmpl-1" || cost.InputTokens != 100 || cost.OutputTokens != 50 || cost.TotalTokens != 150 {
		t.Fatalf("unexpected cost record: %+v", cost)
	}
	// 100/1M * 2.50 + 50/1M * 10.00
	wantDecimal(t, cost.RawCost, "0.00075")
}

func TestOpenAIChatStreamLastUsageWins(t *testing.T) {
	v := &openaiChat{price: mustPrice(t, "gpt-4o")}
	raw := []byte("data: {\"id\":\"chatcmpl-2\",\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n" +
		"data: {\"id\":\"chatcmpl-2\",\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n" +
		"data: {\"id\":\"chatcmpl-2\",\"choices\":[],\"usage\":{\"prompt_tokens\":100,\"completion_tokens\":50,\"total_tokens\":150}}\n\n" +
		"data: [DONE]\n\n")

	cost, errHandle := v.HandleBody(raw, nil)
	if errHandle != nil {
		t.Fatal(errHandle)
	}
	if cost.ProviderID != "chatcmpl-2" {
		t.Errorf("ProviderID = %q", cost.ProviderID)
	}
	wantDecimal(t, cost.RawCost, "0.00075")
}

func TestOpenAIChatStreamWithoutUsage(t *testing.T) {
	v := &openaiChat{price: mustPrice(t, "gpt-4o")}
	raw := []byte("data: {\"id\":\"chatcmpl-3\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n")

	_, errHandle := v.HandleBody(raw, nil)
	if !errors.Is(errHandle, httperr.ErrUsageParse) {
		t.Fatalf("expected ErrUsageParse, got %v", errHandle)
	}
}

func TestOpenAIResponsesStream(t *testing.T) {
	v := &openaiResponses{price: mustPrice(t, "gpt-4o")}
	raw := []byte("event: response.created\n" +
		"data: {\"type\":\"response.created\",\"response\":{\"id\":\"resp-1\"}}\n\n" +
		"event: response.output_text.delta\n" +
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"hi\"}\n\n" +
		"event: response.completed\n" +
		"data: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp-1\",\"usage\":{\"input_tokens\":200,\"output_tokens\":80,\"total_tokens\":280}}}\n\n")

	cost, errHandle := v.HandleBody(raw, nil)
	if errHandle != nil {
		t.Fatal(errHandle)
	}
	if cost.ProviderID != "resp-1" || cost.InputTokens != 200 || cost.OutputTokens != 80 {
		t.Fatalf("unexpected cost record: %+v", cost)
	}
	// 200/1M * 2.50 + 80/1M * 10.00
	wantDecimal(t, cost.RawCost, "0.0013")
}

func TestAnthropicUnary(t *testing.T) {
	v := &anthropicMessages{price: mustPrice(t, "claude-sonnet-4-20250514")}
	raw := []byte(`{"id":"msg-1","type":"message","usage":{"input_tokens":25,"output_tokens":120}}`)

	cost, errHandle := v.HandleBody(raw, nil)
	if errHandle != nil {
		t.Fatal(errHandle)
	}
	if cost.InputTokens != 25 || cost.OutputTokens != 120 || cost.TotalTokens != 145 {
		t.Fatalf("unexpected cost record: %+v", cost)
	}
	// 25/1M * 3.00 + 120/1M * 15.00
	wantDecimal(t, cost.RawCost, "0.001875")
}

func TestAnthropicStreamDeltaOverwritesOutput(t *testing.T) {
	v := &anthropicMessages{price: mustPrice(t, "claude-sonnet-4-20250514")}
	raw := []byte("event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg-2\",\"usage\":{\"input_tokens\":25,\"output_tokens\":1}}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"hello\"}}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":120}}\n\n" +
		"event: message_stop\n" +
		"data: {\"type\":\"message_stop\"}\n\n")

	cost, errHandle := v.HandleBody(raw, nil)
	if errHandle != nil {
		t.Fatal(errHandle)
	}
	if cost.ProviderID != "msg-2" {
		t.Errorf("ProviderID = %q", cost.ProviderID)
	}
	if cost.InputTokens != 25 || cost.OutputTokens != 120 {
		t.Fatalf("provisional output count not overwritten: %+v", cost)
	}
	wantDecimal(t, cost.RawCost, "0.001875")
}

func TestAnthropicStreamMissingStart(t *testing.T) {
	v := &anthropicMessages{price: mustPrice(t, "claude-sonnet-4-20250514")}
	raw := []byte("event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":120}}\n\n")

	_, errHandle := v.HandleBody(raw, nil)
	if !errors.Is(errHandle, httperr.ErrUsageParse) {
		t.Fatalf("expected ErrUsageParse, got %v", errHandle)
	}
}

func TestGeminiShapes(t *testing.T) {
	v := &geminiGenerate{price: mustPrice(t, "gemini-2.5-flash")}

	object := []byte(`{"responseId":"g-1","candidates":[{"content":{"parts":[{"text":"hi"}]}}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":40,"totalTokenCount":50}}`)
	array := []byte(`[{"responseId":"g-2","usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":15,"totalTokenCount":25}},{"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":40,"totalTokenCount":50}}]`)
	sse := []byte("data: {\"responseId\":\"g-3\",\"usageMetadata\":{\"promptTokenCount\":10,\"candidatesTokenCount\":15,\"totalTokenCount\":25}}\r\n\r\n" +
		"data: {\"usageMetadata\":{\"promptTokenCount\":10,\"candidatesTokenCount\":40,\"totalTokenCount\":50}}\r\n\r\n")

	for name, raw := range map[string][]byte{"object": object, "array": array, "sse": sse} {
		cost, errHandle := v.HandleBody(raw, nil)
		if errHandle != nil {
			t.Fatalf("%s: %v", name, errHandle)
		}
		// Cumulative counts: the final chunk carries the totals.
		if cost.InputTokens != 10 || cost.OutputTokens != 40 || cost.TotalTokens != 50 {
			t.Fatalf("%s: unexpected cost record: %+v", name, cost)
		}
		// 10/1M * 0.30 + 40/1M * 2.50
		wantDecimal(t, cost.RawCost, "0.000103")
	}
}

func TestOpenAIImagesPerImage(t *testing.T) {
	v := &openaiImages{price: mustPrice(t, "gpt-image-1")}
	raw := []byte(`{"created":1700000000,"data":[{"b64_json":"aaaa"},{"b64_json":"bbbb"}]}`)

	cost, errHandle := v.HandleBody(raw, nil)
	if errHandle != nil {
		t.Fatal(errHandle)
	}
	if cost.ProviderID != "img-1700000000" {
		t.Errorf("ProviderID = %q", cost.ProviderID)
	}
	wantDecimal(t, cost.RawCost, "0.08")
}

func TestVeoDurationPricing(t *testing.T) {
	v := &veoGenerate{price: mustPrice(t, "veo-3.0-generate-001")}
	op := []byte(`{"name":"models/veo-3.0-generate-001/operations/op-1"}`)

	cost, errHandle := v.HandleBody(op, []byte(`{"parameters":{"durationSeconds":8,"generateAudio":true}}`))
	if errHandle != nil {
		t.Fatal(errHandle)
	}
	if cost.ProviderID != "models/veo-3.0-generate-001/operations/op-1" {
		t.Errorf("ProviderID = %q", cost.ProviderID)
	}
	if cost.DurationSeconds != 8 || !cost.HasAudio {
		t.Fatalf("unexpected cost record: %+v", cost)
	}
	// 8s * 0.75 with audio.
	wantDecimal(t, cost.RawCost, "6")

	cost, errHandle = v.HandleBody(op, []byte(`{"parameters":{"durationSeconds":5}}`))
	if errHandle != nil {
		t.Fatal(errHandle)
	}
	// 5s * 0.50 without audio.
	wantDecimal(t, cost.RawCost, "2.5")
}

func TestVeoMissingOperationName(t *testing.T) {
	v := &veoGenerate{price: mustPrice(t, "veo-3.0-generate-001")}
	_, errHandle := v.HandleBody([]byte(`{}`), []byte(`{"parameters":{"durationSeconds":8}}`))
	if !errors.Is(errHandle, httperr.ErrUsageParse) {
		t.Fatalf("expected ErrUsageParse, got %v", errHandle)
	}
}
