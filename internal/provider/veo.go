package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/pricing"
)

const (
	veoBaseURL      = "https://generativelanguage.googleapis.com"
	veoMediaBucket  = "gs://echo-media"
	veoSignAudience = "media-download"
)

// veoRequest is the subset of a video generation request the proxy needs:
// duration and audio drive pricing, storageUri is rewritten per user.
type veoRequest struct {
	Parameters struct {
		DurationSeconds int64  `json:"durationSeconds"`
		GenerateAudio   bool   `json:"generateAudio"`
		StorageURI      string `json:"storageUri"`
	} `json:"parameters"`
}

// veoGenerate handles duration-priced video generation. Cost derives from
// the requested duration, not from response parsing; the response only
// yields an opaque operation name used for later access-control checks.
type veoGenerate struct {
	keys   Keys
	signer TokenSource
	price  pricing.ModelPrice
}

func (v *veoGenerate) Name() string         { return "veo-generate" }
func (v *veoGenerate) Passthrough() bool    { return false }
func (v *veoGenerate) SupportsStream() bool { return false }

func (v *veoGenerate) BaseURL(string) string { return veoBaseURL }

func (v *veoGenerate) AuthHeaders(ctx context.Context) (http.Header, error) {
	return veoAuthHeaders(ctx, v.keys, v.signer)
}

// TransformRequest rewrites the output storage URI to a user-scoped path so
// one user cannot write into another's media prefix.
func (v *veoGenerate) TransformRequest(_ context.Context, body []byte, userID uint64) ([]byte, error) {
	var raw map[string]json.RawMessage
	if errUnmarshal := json.Unmarshal(body, &raw); errUnmarshal != nil {
		return body, nil
	}
	paramsRaw, ok := raw["parameters"]
	if !ok {
		return body, nil
	}
	var params map[string]json.RawMessage
	if errUnmarshal := json.Unmarshal(paramsRaw, &params); errUnmarshal != nil {
		return body, nil
	}
	scoped, errMarshal := json.Marshal(fmt.Sprintf("%s/users/%d/", veoMediaBucket, userID))
	if errMarshal != nil {
		return body, nil
	}
	params["storageUri"] = scoped
	newParams, errMarshal := json.Marshal(params)
	if errMarshal != nil {
		return body, nil
	}
	raw["parameters"] = newParams
	out, errMarshal := json.Marshal(raw)
	if errMarshal != nil {
		return body, nil
	}
	return out, nil
}

func (v *veoGenerate) TransformResponse(ctx context.Context, body []byte) ([]byte, error) {
	return signStorageURIs(ctx, v.signer, body)
}

// HandleBody prices the call from the original request body and extracts the
// operation name as the provider id.
func (v *veoGenerate) HandleBody(raw []byte, requestBody []byte) (*NormalizedCost, error) {
	var req veoRequest
	if errUnmarshal := json.Unmarshal(requestBody, &req); errUnmarshal != nil {
		return nil, fmt.Errorf("veo: decode request parameters: %w: %v", httperr.ErrUsageParse, errUnmarshal)
	}
	duration := req.Parameters.DurationSeconds
	if duration <= 0 {
		duration = 8 // vendor default clip length
	}

	var resp struct {
		Name string `json:"name"`
	}
	if errUnmarshal := firstJSON(raw, &resp); errUnmarshal != nil {
		return nil, fmt.Errorf("veo: decode operation: %w: %v", httperr.ErrUsageParse, errUnmarshal)
	}
	if strings.TrimSpace(resp.Name) == "" {
		return nil, fmt.Errorf("veo: operation missing name: %w", httperr.ErrUsageParse)
	}

	return &NormalizedCost{
		RawCost:         v.price.DurationCost(duration, req.Parameters.GenerateAudio),
		ProviderID:      resp.Name,
		ProviderType:    v.Name(),
		Model:           v.price.Model,
		DurationSeconds: duration,
		HasAudio:        req.Parameters.GenerateAudio,
		Raw:             rawUsageSnapshot(map[string]any{"durationSeconds": duration, "generateAudio": req.Parameters.GenerateAudio}),
	}, nil
}

// veoPassthrough forwards operation polling and media download requests
// byte-for-byte. It is tagged passthrough so the dispatch layer skips
// accounting entirely.
type veoPassthrough struct {
	keys   Keys
	signer TokenSource
	kind   string
}

func (v *veoPassthrough) Name() string         { return "veo-" + v.kind }
func (v *veoPassthrough) Passthrough() bool    { return true }
func (v *veoPassthrough) SupportsStream() bool { return false }

func (v *veoPassthrough) BaseURL(string) string { return veoBaseURL }

func (v *veoPassthrough) AuthHeaders(ctx context.Context) (http.Header, error) {
	return veoAuthHeaders(ctx, v.keys, v.signer)
}

func (v *veoPassthrough) TransformRequest(_ context.Context, body []byte, _ uint64) ([]byte, error) {
	return body, nil
}

func (v *veoPassthrough) TransformResponse(ctx context.Context, body []byte) ([]byte, error) {
	if v.kind == "poll" {
		return signStorageURIs(ctx, v.signer, body)
	}
	return body, nil
}

// HandleBody never produces a cost for passthrough variants.
func (v *veoPassthrough) HandleBody([]byte, []byte) (*NormalizedCost, error) {
	return nil, nil
}

// veoAuthHeaders prefers a short-lived signed token and falls back to the
// static API key when no signer is configured.
func veoAuthHeaders(ctx context.Context, keys Keys, signer TokenSource) (http.Header, error) {
	if signer != nil {
		token, errToken := signer.Token(ctx, veoBaseURL)
		if errToken != nil {
			return nil, fmt.Errorf("veo: mint signed token: %w", errToken)
		}
		return bearerHeader(token), nil
	}
	h := http.Header{}
	h.Set("x-goog-api-key", keys.Gemini)
	h.Set("Content-Type", "application/json")
	return h, nil
}

// signStorageURIs replaces direct media storage URIs in a response body with
// time-limited signed URLs so clients never see raw bucket paths.
func signStorageURIs(ctx context.Context, signer TokenSource, body []byte) ([]byte, error) {
	if signer == nil || !strings.Contains(string(body), veoMediaBucket) {
		return body, nil
	}
	token, errToken := signer.Token(ctx, veoSignAudience)
	if errToken != nil {
		return nil, fmt.Errorf("veo: sign media url: %w", errToken)
	}
	out := strings.ReplaceAll(string(body), veoMediaBucket+"/", "https://media.echo.router/"+token+"/")
	return []byte(out), nil
}
