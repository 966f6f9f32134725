package x402

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/echo-ai/echo-proxy/internal/config"
	"github.com/echo-ai/echo-proxy/internal/httperr"
)

// Settlement drives one payment attempt through its lifecycle:
// unpaid -> verifying -> settling -> settled | failed.
type Settlement struct {
	cfg    config.X402Config
	client *Client
}

// NewSettlement builds the settlement orchestrator.
func NewSettlement(cfg config.X402Config, client *Client) *Settlement {
	return &Settlement{cfg: cfg, client: client}
}

// Result is a finalized settlement.
type Result struct {
	Payer  string // Paying address as confirmed by the settling backend.
	TxHash string // On-chain operation hash.
	Amount decimal.Decimal
}

// RequirementsFor builds the payment requirements demanded for a resource
// costing the given USD amount.
func (s *Settlement) RequirementsFor(amount decimal.Decimal, resource string) (*PaymentRequirements, error) {
	asset, ok := s.cfg.ExpectedAsset()
	if !ok {
		return nil, fmt.Errorf("x402: no asset configured for network %q", s.cfg.Network)
	}
	return &PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           s.cfg.Network,
		MaxAmountRequired: AtomicAmount(amount),
		Resource:          resource,
		MimeType:          "application/json",
		PayTo:             s.cfg.PayTo,
		MaxTimeoutSeconds: 60,
		Asset:             asset,
	}, nil
}

// Settle decodes the X-PAYMENT header, verifies the payment statically and
// via a facilitator, then settles it on-chain. Any rejection before funds
// move maps to payment-required; a facilitator outage after verification
// surfaces as exhaustion.
func (s *Settlement) Settle(ctx context.Context, paymentHeader string, amount decimal.Decimal, resource string) (*Result, error) {
	payload, errDecode := DecodePayment(paymentHeader)
	if errDecode != nil {
		return nil, fmt.Errorf("%w: %v", httperr.ErrPaymentRequired, errDecode)
	}

	reqs, errReqs := s.RequirementsFor(amount, resource)
	if errReqs != nil {
		return nil, errReqs
	}

	if errStatic := VerifyStatic(payload, reqs, time.Now()); errStatic != nil {
		return nil, fmt.Errorf("%w: %v", httperr.ErrPaymentRequired, errStatic)
	}

	verify, errVerify := s.client.Verify(ctx, payload, reqs)
	if errVerify != nil {
		return nil, errVerify
	}
	if !verify.IsValid {
		return nil, fmt.Errorf("%w: %s", httperr.ErrPaymentRequired, verify.InvalidReason)
	}

	settle, errSettle := s.client.Settle(ctx, payload, reqs)
	if errSettle != nil {
		return nil, errSettle
	}
	if !settle.Success {
		return nil, fmt.Errorf("%w: %s", httperr.ErrPaymentRequired, settle.ErrorReason)
	}

	log.WithFields(log.Fields{
		"payer":   settle.Payer,
		"network": s.cfg.Network,
		"amount":  amount.String(),
		"tx":      settle.Transaction,
	}).Info("x402 payment settled")

	return &Result{Payer: settle.Payer, TxHash: settle.Transaction, Amount: amount}, nil
}
