package pricing

import (
	"errors"
	"testing"

	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/shopspring/decimal"
)

func TestLookupUnknownModel(t *testing.T) {
	catalog := Default()
	_, errLookup := catalog.Lookup("definitely-not-a-model")
	if !errors.Is(errLookup, httperr.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", errLookup)
	}
}

func TestLookupTrimsWhitespace(t *testing.T) {
	catalog := Default()
	p, errLookup := catalog.Lookup("  gpt-4o  ")
	if errLookup != nil {
		t.Fatalf("lookup: %v", errLookup)
	}
	if p.Model != "gpt-4o" {
		t.Fatalf("expected gpt-4o, got %s", p.Model)
	}
}

func TestTokenCostExact(t *testing.T) {
	p := ModelPrice{
		Model:         "gpt-x",
		Family:        FamilyOpenAI,
		InputPerMTok:  decimal.RequireFromString("1.00"),
		OutputPerMTok: decimal.RequireFromString("2.00"),
	}
	// $0.001/1K in, $0.002/1K out, 100 in + 50 out => 0.0002.
	got := p.TokenCost(100, 50)
	want := decimal.RequireFromString("0.0002")
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestDurationCost(t *testing.T) {
	p := ModelPrice{
		Model:              "veo-3.0-generate-001",
		Family:             FamilyVeo,
		PerSecond:          decimal.RequireFromString("0.50"),
		PerSecondWithAudio: decimal.RequireFromString("0.75"),
		DurationBased:      true,
	}
	if got := p.DurationCost(8, false); !got.Equal(decimal.RequireFromString("4.00")) {
		t.Fatalf("expected 4.00, got %s", got)
	}
	if got := p.DurationCost(8, true); !got.Equal(decimal.RequireFromString("6.00")) {
		t.Fatalf("expected 6.00, got %s", got)
	}
}

func TestCatalogLaterEntriesWin(t *testing.T) {
	catalog := NewCatalog([]ModelPrice{
		{Model: "m", InputPerMTok: decimal.NewFromInt(1)},
		{Model: "m", InputPerMTok: decimal.NewFromInt(2)},
	})
	p, errLookup := catalog.Lookup("m")
	if errLookup != nil {
		t.Fatalf("lookup: %v", errLookup)
	}
	if !p.InputPerMTok.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected later entry to win, got %s", p.InputPerMTok)
	}
}
