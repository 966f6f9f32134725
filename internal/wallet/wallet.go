// Package wallet is the HTTP client for the managed smart-account signer
// service. It acts as the in-process settlement fallback when every external
// facilitator is down, and exposes the same verify/settle surface.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/echo-ai/echo-proxy/internal/x402"
)

// Client talks to the wallet service. Safe for concurrent use; the session
// token is refreshed lazily and refreshes are idempotent, so racing
// refreshers only cost a duplicate request.
type Client struct {
	baseURL string
	apiKey  string

	httpClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient builds a wallet client. Returns nil when no service is
// configured so callers can pass the result straight to the facilitator
// client as an optional fallback.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if strings.TrimSpace(baseURL) == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// sessionToken returns a valid session token, refreshing it when missing or
// about to expire.
func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-30*time.Second)) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", nil)
	if errReq != nil {
		return "", fmt.Errorf("wallet: build token request: %w", errReq)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		return "", fmt.Errorf("wallet: refresh session token: %w", errDo)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("wallet: token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"`
	}
	if errDecode := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); errDecode != nil {
		return "", fmt.Errorf("wallet: decode token response: %w", errDecode)
	}
	if body.Token == "" {
		return "", fmt.Errorf("wallet: token endpoint returned empty token")
	}
	expiry := time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)

	c.mu.Lock()
	c.token = body.Token
	c.tokenExpiry = expiry
	c.mu.Unlock()

	log.WithField("expires_in", body.ExpiresIn).Debug("wallet session token refreshed")
	return body.Token, nil
}

// Verify asks the wallet service to verify a payment against chain state.
func (c *Client) Verify(ctx context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if c == nil {
		return nil, fmt.Errorf("wallet: no signer configured")
	}
	var out x402.VerifyResponse
	if errPost := c.post(ctx, "/x402/verify", payload, reqs, &out); errPost != nil {
		return nil, errPost
	}
	return &out, nil
}

// Settle submits the transferWithAuthorization call through the managed
// smart account and waits for the operation to finalize.
func (c *Client) Settle(ctx context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	if c == nil {
		return nil, fmt.Errorf("wallet: no signer configured")
	}
	var out x402.SettleResponse
	if errPost := c.post(ctx, "/x402/settle", payload, reqs, &out); errPost != nil {
		return nil, errPost
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements, out any) error {
	token, errToken := c.sessionToken(ctx)
	if errToken != nil {
		return errToken
	}

	body, errMarshal := json.Marshal(map[string]any{
		"x402Version":         x402.Version,
		"paymentPayload":      payload,
		"paymentRequirements": reqs,
	})
	if errMarshal != nil {
		return fmt.Errorf("wallet: encode request: %w", errMarshal)
	}

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if errReq != nil {
		return fmt.Errorf("wallet: build request: %w", errReq)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		return fmt.Errorf("wallet: call %s: %w", path, errDo)
	}
	defer resp.Body.Close()

	data, errRead := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if errRead != nil {
		return fmt.Errorf("wallet: read response: %w", errRead)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if errUnmarshal := json.Unmarshal(data, out); errUnmarshal != nil {
		return fmt.Errorf("wallet: decode response: %w", errUnmarshal)
	}
	return nil
}
