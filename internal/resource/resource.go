// Package resource proxies non-inference tool calls: web search, content
// extraction and crawling via Tavily, and sandboxed code execution via E2B.
// Tool calls are priced per call rather than per token.
package resource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/provider"
)

const (
	tavilyBaseURL = "https://api.tavily.com"
	e2bBaseURL    = "https://api.e2b.dev"
)

// Per-call tool prices in USD.
var (
	priceSearch  = decimal.RequireFromString("0.008")
	priceExtract = decimal.RequireFromString("0.01")
	priceCrawl   = decimal.RequireFromString("0.02")
	priceExecute = decimal.RequireFromString("0.005")
)

// ToolResult is the outcome of one tool call: the body to relay to the
// client and the normalized cost to record.
type ToolResult struct {
	Body []byte
	Cost *provider.NormalizedCost
}

// Client calls the external tool providers.
type Client struct {
	tavilyKey string
	e2bKey    string

	tavilyURL string
	e2bURL    string

	httpClient *http.Client
}

// NewClient builds a tool client with the given provider credentials.
func NewClient(tavilyKey, e2bKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		tavilyKey:  tavilyKey,
		e2bKey:     e2bKey,
		tavilyURL:  tavilyBaseURL,
		e2bURL:     e2bBaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewClientWithEndpoints builds a tool client against explicit base URLs,
// for deployments that front the tool providers with a gateway.
func NewClientWithEndpoints(tavilyKey, e2bKey, tavilyURL, e2bURL string, timeout time.Duration) *Client {
	c := NewClient(tavilyKey, e2bKey, timeout)
	if tavilyURL != "" {
		c.tavilyURL = tavilyURL
	}
	if e2bURL != "" {
		c.e2bURL = e2bURL
	}
	return c
}

// TavilySearch runs a web search.
func (c *Client) TavilySearch(ctx context.Context, body []byte) (*ToolResult, error) {
	return c.tavily(ctx, "/search", "tavily-search", priceSearch, body)
}

// TavilyExtract extracts page content from URLs.
func (c *Client) TavilyExtract(ctx context.Context, body []byte) (*ToolResult, error) {
	return c.tavily(ctx, "/extract", "tavily-extract", priceExtract, body)
}

// TavilyCrawl crawls a site from a root URL.
func (c *Client) TavilyCrawl(ctx context.Context, body []byte) (*ToolResult, error) {
	return c.tavily(ctx, "/crawl", "tavily-crawl", priceCrawl, body)
}

func (c *Client) tavily(ctx context.Context, path, kind string, price decimal.Decimal, body []byte) (*ToolResult, error) {
	out, errCall := c.post(ctx, c.tavilyURL+path, "Bearer "+c.tavilyKey, body)
	if errCall != nil {
		return nil, errCall
	}
	return &ToolResult{Body: out, Cost: toolCost(kind, price)}, nil
}

// E2BExecute runs code in a disposable sandbox.
func (c *Client) E2BExecute(ctx context.Context, body []byte) (*ToolResult, error) {
	out, errCall := c.post(ctx, c.e2bURL+"/execute", c.e2bKey, body)
	if errCall != nil {
		return nil, errCall
	}
	return &ToolResult{Body: out, Cost: toolCost("e2b-execute", priceExecute)}, nil
}

// post forwards the client's JSON body and returns the tool's response.
// Non-200 tool responses propagate status and body, the same policy as
// upstream LLM failures.
func (c *Client) post(ctx context.Context, url, auth string, body []byte) ([]byte, error) {
	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if errReq != nil {
		return nil, fmt.Errorf("resource: build request: %w", errReq)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.HasPrefix(auth, "Bearer ") {
		req.Header.Set("Authorization", auth)
	} else if auth != "" {
		req.Header.Set("X-API-Key", auth)
	}

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		return nil, fmt.Errorf("resource: call %s: %w", url, errDo)
	}
	defer resp.Body.Close()

	data, errRead := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if errRead != nil {
		return nil, fmt.Errorf("resource: read response: %w", errRead)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httperr.NewHTTPError(resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func toolCost(kind string, price decimal.Decimal) *provider.NormalizedCost {
	return &provider.NormalizedCost{
		RawCost:      price,
		ToolCost:     price,
		ProviderID:   kind + "-" + uuid.NewString(),
		ProviderType: kind,
		Model:        kind,
	}
}
