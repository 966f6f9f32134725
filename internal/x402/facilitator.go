package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/echo-ai/echo-proxy/internal/config"
	"github.com/echo-ai/echo-proxy/internal/httperr"
)

// LocalSigner settles a payment in-process through the managed smart-account
// wallet, used as the last resort after every facilitator backend failed.
type LocalSigner interface {
	Verify(ctx context.Context, payload *PaymentPayload, reqs *PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload *PaymentPayload, reqs *PaymentRequirements) (*SettleResponse, error)
}

// Client drives verify and settle calls across an ordered list of
// facilitator backends. A backend is abandoned on timeout or non-200 and the
// next one is tried; exhaustion surfaces as ErrFacilitatorsExhausted with
// every backend's failure reason attached.
type Client struct {
	backends []config.FacilitatorConfig
	local    LocalSigner

	httpClient *http.Client
}

// NewClient builds a facilitator client. local may be nil when no in-process
// signer is configured.
func NewClient(backends []config.FacilitatorConfig, timeout time.Duration, local LocalSigner) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		backends:   backends,
		local:      local,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// facilitatorRequest is the shared body of verify and settle calls.
type facilitatorRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// Verify asks each backend in order to verify the payment, falling back to
// the local signer when all backends fail.
func (c *Client) Verify(ctx context.Context, payload *PaymentPayload, reqs *PaymentRequirements) (*VerifyResponse, error) {
	var reasons []string
	for _, backend := range c.backends {
		var resp VerifyResponse
		if errCall := c.post(ctx, backend, "/verify", payload, reqs, &resp); errCall != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", backendName(backend), errCall))
			log.WithField("facilitator", backendName(backend)).WithError(errCall).Warn("verify failed, trying next backend")
			continue
		}
		// A definitive invalid verdict is an answer, not an outage.
		return &resp, nil
	}

	if c.local != nil {
		resp, errLocal := c.local.Verify(ctx, payload, reqs)
		if errLocal == nil {
			return resp, nil
		}
		reasons = append(reasons, fmt.Sprintf("local-signer: %v", errLocal))
	}
	return nil, fmt.Errorf("x402: verify: %w: %s", httperr.ErrFacilitatorsExhausted, strings.Join(reasons, "; "))
}

// Settle asks each backend in order to settle the payment on-chain, falling
// back to the local signer when all backends fail.
func (c *Client) Settle(ctx context.Context, payload *PaymentPayload, reqs *PaymentRequirements) (*SettleResponse, error) {
	var reasons []string
	for _, backend := range c.backends {
		var resp SettleResponse
		if errCall := c.post(ctx, backend, "/settle", payload, reqs, &resp); errCall != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", backendName(backend), errCall))
			log.WithField("facilitator", backendName(backend)).WithError(errCall).Warn("settle failed, trying next backend")
			continue
		}
		return &resp, nil
	}

	if c.local != nil {
		resp, errLocal := c.local.Settle(ctx, payload, reqs)
		if errLocal == nil {
			return resp, nil
		}
		reasons = append(reasons, fmt.Sprintf("local-signer: %v", errLocal))
	}
	return nil, fmt.Errorf("x402: settle: %w: %s", httperr.ErrFacilitatorsExhausted, strings.Join(reasons, "; "))
}

// post performs one facilitator call. Each attempt carries its own timeout
// via the underlying client; a timeout is a failure like any other.
func (c *Client) post(ctx context.Context, backend config.FacilitatorConfig, method string, payload *PaymentPayload, reqs *PaymentRequirements, out any) error {
	body, errMarshal := json.Marshal(facilitatorRequest{
		X402Version:         Version,
		PaymentPayload:      payload,
		PaymentRequirements: reqs,
	})
	if errMarshal != nil {
		return fmt.Errorf("encode request: %w", errMarshal)
	}

	url := strings.TrimRight(backend.BaseURL, "/") + backend.MethodPrefix + method
	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if errReq != nil {
		return fmt.Errorf("build request: %w", errReq)
	}
	req.Header.Set("Content-Type", "application/json")
	if backend.AuthHeader != "" && backend.AuthValue != "" {
		req.Header.Set(backend.AuthHeader, backend.AuthValue)
	}

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		return fmt.Errorf("call: %w", errDo)
	}
	defer resp.Body.Close()

	data, errRead := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if errRead != nil {
		return fmt.Errorf("read response: %w", errRead)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if errUnmarshal := json.Unmarshal(data, out); errUnmarshal != nil {
		return fmt.Errorf("decode response: %w", errUnmarshal)
	}
	return nil
}

func backendName(backend config.FacilitatorConfig) string {
	if backend.Name != "" {
		return backend.Name
	}
	return backend.BaseURL
}
