package wallet

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/echo-ai/echo-proxy/internal/x402"
)

func TestNilClientForEmptyURL(t *testing.T) {
	if c := NewClient("", "key", time.Second); c != nil {
		t.Fatal("expected nil client for empty base URL")
	}
}

func TestSettleRefreshesTokenOnce(t *testing.T) {
	tokenCalls := 0
	settleCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/token":
			tokenCalls++
			if r.Header.Get("Authorization") != "Bearer api-key" {
				t.Errorf("token auth = %q", r.Header.Get("Authorization"))
			}
			fmt.Fprint(w, `{"token":"session-1","expiresIn":3600}`)
		case "/x402/settle":
			settleCalls++
			if r.Header.Get("Authorization") != "Bearer session-1" {
				t.Errorf("settle auth = %q", r.Header.Get("Authorization"))
			}
			fmt.Fprint(w, `{"success":true,"transaction":"0xfeed"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "api-key", time.Second)
	payload := &x402.PaymentPayload{X402Version: x402.Version, Scheme: x402.SchemeExact, Network: "base"}
	reqs := &x402.PaymentRequirements{Scheme: x402.SchemeExact, Network: "base"}

	for i := 0; i < 3; i++ {
		resp, errSettle := c.Settle(context.Background(), payload, reqs)
		if errSettle != nil {
			t.Fatal(errSettle)
		}
		if !resp.Success || resp.Transaction != "0xfeed" {
			t.Fatalf("settle response = %+v", resp)
		}
	}
	if tokenCalls != 1 {
		t.Errorf("token refreshes = %d, want 1", tokenCalls)
	}
	if settleCalls != 3 {
		t.Errorf("settle calls = %d, want 3", settleCalls)
	}
}

func TestVerifySurfacesServiceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/token" {
			fmt.Fprint(w, `{"token":"session-1","expiresIn":3600}`)
			return
		}
		http.Error(w, "signer unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "api-key", time.Second)
	_, errVerify := c.Verify(context.Background(), &x402.PaymentPayload{}, &x402.PaymentRequirements{})
	if errVerify == nil {
		t.Fatal("expected error from failing service")
	}
}
