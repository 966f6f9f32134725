// Package pricing holds the static model pricing catalog. The catalog is
// immutable after load and is the single source of truth for which models
// the proxy will forward.
package pricing

import (
	"fmt"
	"strings"

	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/shopspring/decimal"
)

// Provider families recognized by the dispatch layer.
const (
	FamilyOpenAI    = "openai"
	FamilyAnthropic = "anthropic"
	FamilyGemini    = "gemini"
	FamilyVeo       = "veo"
)

// ModelPrice describes how one model is priced.
type ModelPrice struct {
	Model  string // Canonical model identifier.
	Family string // Provider family owning the model.

	InputPerMTok  decimal.Decimal // USD per 1M input tokens.
	OutputPerMTok decimal.Decimal // USD per 1M output tokens.

	PerSecond          decimal.Decimal // USD per second of generated media.
	PerSecondWithAudio decimal.Decimal // USD per second when audio is requested.
	PerImage           decimal.Decimal // USD per generated image.

	DurationBased bool // Cost derives from requested duration, not response parsing.
	ImageBased    bool // Cost derives from image count.
}

// TokenCost returns the cost of a token-metered call.
func (p ModelPrice) TokenCost(inputTokens, outputTokens int64) decimal.Decimal {
	million := decimal.NewFromInt(1_000_000)
	in := p.InputPerMTok.Mul(decimal.NewFromInt(inputTokens)).Div(million)
	out := p.OutputPerMTok.Mul(decimal.NewFromInt(outputTokens)).Div(million)
	return in.Add(out)
}

// DurationCost returns the cost of a duration-metered media call.
func (p ModelPrice) DurationCost(seconds int64, withAudio bool) decimal.Decimal {
	rate := p.PerSecond
	if withAudio && !p.PerSecondWithAudio.IsZero() {
		rate = p.PerSecondWithAudio
	}
	return rate.Mul(decimal.NewFromInt(seconds))
}

// Catalog is an immutable model-to-price lookup.
type Catalog struct {
	prices map[string]ModelPrice
}

// NewCatalog builds a catalog from the given prices. Later entries for the
// same model win.
func NewCatalog(prices []ModelPrice) *Catalog {
	m := make(map[string]ModelPrice, len(prices))
	for _, p := range prices {
		model := strings.TrimSpace(p.Model)
		if model == "" {
			continue
		}
		p.Model = model
		m[model] = p
	}
	return &Catalog{prices: m}
}

// Lookup resolves the price entry for a model. Unknown models fail with
// httperr.ErrUnknownModel so the caller rejects before any upstream call.
func (c *Catalog) Lookup(model string) (ModelPrice, error) {
	if c == nil {
		return ModelPrice{}, fmt.Errorf("pricing: nil catalog: %w", httperr.ErrUnknownModel)
	}
	p, ok := c.prices[strings.TrimSpace(model)]
	if !ok {
		return ModelPrice{}, fmt.Errorf("pricing: model %q: %w", model, httperr.ErrUnknownModel)
	}
	return p, nil
}

// Models returns all catalog model identifiers.
func (c *Catalog) Models() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.prices))
	for model := range c.prices {
		out = append(out, model)
	}
	return out
}

// price is a shorthand decimal constructor for catalog literals.
func price(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("pricing: bad literal %q: %v", s, err))
	}
	return d
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return NewCatalog([]ModelPrice{
		{Model: "gpt-4o", Family: FamilyOpenAI, InputPerMTok: price("2.50"), OutputPerMTok: price("10.00")},
		{Model: "gpt-4o-mini", Family: FamilyOpenAI, InputPerMTok: price("0.15"), OutputPerMTok: price("0.60")},
		{Model: "gpt-4.1", Family: FamilyOpenAI, InputPerMTok: price("2.00"), OutputPerMTok: price("8.00")},
		{Model: "gpt-4.1-mini", Family: FamilyOpenAI, InputPerMTok: price("0.40"), OutputPerMTok: price("1.60")},
		{Model: "o3", Family: FamilyOpenAI, InputPerMTok: price("2.00"), OutputPerMTok: price("8.00")},
		{Model: "gpt-image-1", Family: FamilyOpenAI, PerImage: price("0.04"), ImageBased: true},

		{Model: "claude-sonnet-4-20250514", Family: FamilyAnthropic, InputPerMTok: price("3.00"), OutputPerMTok: price("15.00")},
		{Model: "claude-haiku-3-5-20241022", Family: FamilyAnthropic, InputPerMTok: price("0.80"), OutputPerMTok: price("4.00")},
		{Model: "claude-opus-4-20250514", Family: FamilyAnthropic, InputPerMTok: price("15.00"), OutputPerMTok: price("75.00")},

		{Model: "gemini-2.5-flash", Family: FamilyGemini, InputPerMTok: price("0.30"), OutputPerMTok: price("2.50")},
		{Model: "gemini-2.5-pro", Family: FamilyGemini, InputPerMTok: price("1.25"), OutputPerMTok: price("10.00")},

		{Model: "veo-3.0-generate-001", Family: FamilyVeo, PerSecond: price("0.50"), PerSecondWithAudio: price("0.75"), DurationBased: true},
		{Model: "veo-2.0-generate-001", Family: FamilyVeo, PerSecond: price("0.35"), DurationBased: true},
	})
}
