// Package provider translates generic proxy requests into vendor-specific
// upstream calls and normalizes vendor usage telemetry into cost records.
//
// Each upstream wire format is a tagged variant implementing Handle; shared
// parsing helpers are free functions reused across variants.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/pricing"
	"github.com/shopspring/decimal"
)

// NormalizedCost is the vendor-independent result of metering one upstream call.
type NormalizedCost struct {
	RawCost decimal.Decimal // Upstream cost before markup.

	ProviderID   string // Opaque upstream identifier (response id, operation name).
	ProviderType string // Variant that produced the record.
	Model        string // Model identifier.

	InputTokens  int64 // Prompt tokens.
	OutputTokens int64 // Completion tokens.
	TotalTokens  int64 // Total tokens.

	DurationSeconds int64 // Requested media duration, for duration-priced calls.
	HasAudio        bool  // Whether generated media includes audio.

	ToolCost decimal.Decimal // External tool cost, for resource calls.

	Raw []byte // Usage payload as reported by the vendor.
}

// Handle is one resolved provider variant, able to forward and meter a request.
type Handle interface {
	// Name identifies the variant in transaction metadata and logs.
	Name() string
	// Passthrough reports whether the variant forwards bytes without billing.
	Passthrough() bool
	// SupportsStream reports whether the variant can serve streaming requests.
	SupportsStream() bool
	// BaseURL returns the upstream base URL for the given request path.
	BaseURL(path string) string
	// AuthHeaders builds the vendor authentication headers.
	AuthHeaders(ctx context.Context) (http.Header, error)
	// TransformRequest optionally rewrites the request body before forwarding.
	TransformRequest(ctx context.Context, body []byte, userID uint64) ([]byte, error)
	// TransformResponse optionally rewrites the response body before returning it.
	TransformResponse(ctx context.Context, body []byte) ([]byte, error)
	// HandleBody parses the complete upstream response into a normalized cost.
	HandleBody(raw []byte, requestBody []byte) (*NormalizedCost, error)
}

// Resolver is the static dispatch table from (model, path) to a Handle.
type Resolver struct {
	catalog *pricing.Catalog
	keys    Keys
	signer  TokenSource
}

// Keys carries upstream credentials for every vendor family.
type Keys struct {
	OpenAI    string
	Anthropic string
	Gemini    string
}

// TokenSource mints short-lived signed vendor tokens. Used by variants whose
// vendor auth is a signed token rather than a static API key.
type TokenSource interface {
	Token(ctx context.Context, audience string) (string, error)
}

// NewResolver builds a resolver over the given catalog and credentials.
func NewResolver(catalog *pricing.Catalog, keys Keys, signer TokenSource) *Resolver {
	return &Resolver{catalog: catalog, keys: keys, signer: signer}
}

// Path substrings that override family-default dispatch.
const (
	pathResponses        = "responses"
	pathImageGenerations = "images/generations"
	pathFetchOperation   = ":fetchPredictOperation"
)

// Resolve returns the provider variant responsible for (model, path).
// Passthrough paths resolve without a model; every other request requires a
// catalog model and fails fast with ErrUnknownModel otherwise.
func (r *Resolver) Resolve(model, path string) (Handle, error) {
	if r == nil {
		return nil, fmt.Errorf("provider: nil resolver")
	}

	// Path-only dispatch for async media plumbing: polling a generation
	// operation or downloading finished content never produces a transaction.
	if strings.Contains(path, pathFetchOperation) || strings.Contains(path, "/operations/") {
		return &veoPassthrough{keys: r.keys, signer: r.signer, kind: "poll"}, nil
	}
	if strings.Contains(path, ":download") || strings.Contains(path, "/files/") {
		return &veoPassthrough{keys: r.keys, signer: r.signer, kind: "download"}, nil
	}

	price, errLookup := r.catalog.Lookup(model)
	if errLookup != nil {
		return nil, errLookup
	}

	switch price.Family {
	case pricing.FamilyOpenAI:
		if price.ImageBased || strings.Contains(path, pathImageGenerations) {
			return &openaiImages{key: r.keys.OpenAI, price: price}, nil
		}
		if strings.Contains(path, pathResponses) {
			return &openaiResponses{key: r.keys.OpenAI, price: price}, nil
		}
		// Chat and legacy completions share one wire shape.
		return &openaiChat{key: r.keys.OpenAI, price: price}, nil
	case pricing.FamilyAnthropic:
		return &anthropicMessages{key: r.keys.Anthropic, price: price}, nil
	case pricing.FamilyGemini:
		return &geminiGenerate{key: r.keys.Gemini, price: price}, nil
	case pricing.FamilyVeo:
		return &veoGenerate{keys: r.keys, signer: r.signer, price: price}, nil
	default:
		return nil, fmt.Errorf("provider: family %q for model %q: %w", price.Family, model, httperr.ErrUnknownModel)
	}
}

// bearerHeader builds a standard bearer Authorization header.
func bearerHeader(key string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+key)
	h.Set("Content-Type", "application/json")
	return h
}
