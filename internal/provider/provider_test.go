package provider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/pricing"
)

func testResolver() *Resolver {
	return NewResolver(pricing.Default(), Keys{OpenAI: "sk-test", Anthropic: "ak-test", Gemini: "gk-test"}, nil)
}

func TestResolveDispatch(t *testing.T) {
	r := testResolver()

	cases := []struct {
		model string
		path  string
		want  string
	}{
		{"gpt-4o", "/v1/chat/completions", "openai-chat"},
		{"gpt-4o", "/v1/completions", "openai-chat"},
		{"gpt-4o", "/v1/responses", "openai-responses"},
		{"gpt-image-1", "/v1/images/generations", "openai-images"},
		{"claude-sonnet-4-20250514", "/v1/messages", "anthropic-messages"},
		{"gemini-2.5-flash", "/v1beta/models/gemini-2.5-flash:generateContent", "gemini-generate"},
		{"gemini-2.5-flash", "/v1beta/models/gemini-2.5-flash:streamGenerateContent", "gemini-generate"},
		{"veo-3.0-generate-001", "/v1beta/models/veo-3.0-generate-001:predictLongRunning", "veo-generate"},
	}
	for _, tc := range cases {
		h, errResolve := r.Resolve(tc.model, tc.path)
		if errResolve != nil {
			t.Fatalf("Resolve(%q, %q): %v", tc.model, tc.path, errResolve)
		}
		if h.Name() != tc.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tc.model, tc.path, h.Name(), tc.want)
		}
		if h.Passthrough() {
			t.Errorf("Resolve(%q, %q): unexpected passthrough variant", tc.model, tc.path)
		}
	}
}

func TestResolvePassthroughPaths(t *testing.T) {
	r := testResolver()

	cases := []struct {
		path string
		want string
	}{
		{"/v1beta/models/veo-3.0-generate-001:fetchPredictOperation", "veo-poll"},
		{"/v1beta/operations/abc123", "veo-poll"},
		{"/v1beta/files/video.mp4:download", "veo-download"},
		{"/v1beta/files/video.mp4", "veo-download"},
	}
	for _, tc := range cases {
		// Passthrough paths resolve without any model.
		h, errResolve := r.Resolve("", tc.path)
		if errResolve != nil {
			t.Fatalf("Resolve(%q): %v", tc.path, errResolve)
		}
		if h.Name() != tc.want {
			t.Errorf("Resolve(%q) = %q, want %q", tc.path, h.Name(), tc.want)
		}
		if !h.Passthrough() {
			t.Errorf("Resolve(%q): expected passthrough variant", tc.path)
		}
	}
}

func TestResolveUnknownModel(t *testing.T) {
	r := testResolver()
	_, errResolve := r.Resolve("gpt-99-turbo", "/v1/chat/completions")
	if !errors.Is(errResolve, httperr.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", errResolve)
	}
}

func TestAuthHeaders(t *testing.T) {
	r := testResolver()

	h, errResolve := r.Resolve("gpt-4o", "/v1/chat/completions")
	if errResolve != nil {
		t.Fatal(errResolve)
	}
	headers, errAuth := h.AuthHeaders(context.Background())
	if errAuth != nil {
		t.Fatal(errAuth)
	}
	if got := headers.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("openai Authorization = %q", got)
	}

	h, errResolve = r.Resolve("claude-sonnet-4-20250514", "/v1/messages")
	if errResolve != nil {
		t.Fatal(errResolve)
	}
	headers, errAuth = h.AuthHeaders(context.Background())
	if errAuth != nil {
		t.Fatal(errAuth)
	}
	if got := headers.Get("x-api-key"); got != "ak-test" {
		t.Errorf("anthropic x-api-key = %q", got)
	}
	if got := headers.Get("anthropic-version"); got != anthropicAPIVersion {
		t.Errorf("anthropic-version = %q", got)
	}

	h, errResolve = r.Resolve("gemini-2.5-flash", "/v1beta/models/gemini-2.5-flash:generateContent")
	if errResolve != nil {
		t.Fatal(errResolve)
	}
	headers, errAuth = h.AuthHeaders(context.Background())
	if errAuth != nil {
		t.Fatal(errAuth)
	}
	if got := headers.Get("x-goog-api-key"); got != "gk-test" {
		t.Errorf("gemini x-goog-api-key = %q", got)
	}
}

type staticSigner struct{ token string }

func (s staticSigner) Token(context.Context, string) (string, error) { return s.token, nil }

func TestVeoTransformRequestScopesStorageURI(t *testing.T) {
	v := &veoGenerate{}
	body := []byte(`{"instances":[{"prompt":"a dog"}],"parameters":{"durationSeconds":8,"storageUri":"gs://someone-elses-bucket/"}}`)

	out, errTransform := v.TransformRequest(context.Background(), body, 42)
	if errTransform != nil {
		t.Fatal(errTransform)
	}
	if !strings.Contains(string(out), `"gs://echo-media/users/42/"`) {
		t.Errorf("storageUri not rewritten: %s", out)
	}
	if strings.Contains(string(out), "someone-elses-bucket") {
		t.Errorf("original storageUri leaked: %s", out)
	}
}

func TestVeoTransformResponseSignsStorageURIs(t *testing.T) {
	v := &veoGenerate{signer: staticSigner{token: "tok123"}}
	body := []byte(`{"response":{"videos":[{"uri":"gs://echo-media/users/42/clip.mp4"}]}}`)

	out, errTransform := v.TransformResponse(context.Background(), body)
	if errTransform != nil {
		t.Fatal(errTransform)
	}
	if !strings.Contains(string(out), "https://media.echo.router/tok123/users/42/clip.mp4") {
		t.Errorf("uri not signed: %s", out)
	}
}

func TestVeoPassthroughNeverBills(t *testing.T) {
	v := &veoPassthrough{kind: "download"}
	cost, errHandle := v.HandleBody([]byte("binary video bytes"), nil)
	if errHandle != nil {
		t.Fatal(errHandle)
	}
	if cost != nil {
		t.Fatalf("passthrough produced a cost: %+v", cost)
	}
}
