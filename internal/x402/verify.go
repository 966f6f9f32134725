package x402

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// clockSkew is the tolerance applied to the authorization validity window so
// slightly desynchronized clocks do not reject fresh payments.
const clockSkew = 6 * time.Second

// VerifyStatic checks everything about a payment that can be decided without
// touching the chain: scheme, network, asset, recipient, validity window, and
// authorized value. On-chain balance verification is the facilitator's job.
func VerifyStatic(payload *PaymentPayload, reqs *PaymentRequirements, now time.Time) error {
	if payload == nil || reqs == nil {
		return fmt.Errorf("x402: nil payload or requirements")
	}
	if payload.Scheme != SchemeExact {
		return fmt.Errorf("x402: unsupported scheme %q", payload.Scheme)
	}
	if !strings.EqualFold(payload.Network, reqs.Network) {
		return fmt.Errorf("x402: network %q does not match required %q", payload.Network, reqs.Network)
	}

	auth := payload.Payload.Authorization
	if !strings.EqualFold(auth.To, reqs.PayTo) {
		return fmt.Errorf("x402: authorization pays %q, expected %q", auth.To, reqs.PayTo)
	}
	if strings.TrimSpace(payload.Payload.Signature) == "" {
		return fmt.Errorf("x402: missing signature")
	}

	validAfter, errParse := parseUnixString(auth.ValidAfter)
	if errParse != nil {
		return fmt.Errorf("x402: validAfter: %w", errParse)
	}
	validBefore, errParse := parseUnixString(auth.ValidBefore)
	if errParse != nil {
		return fmt.Errorf("x402: validBefore: %w", errParse)
	}
	if now.Add(clockSkew).Before(validAfter) {
		return fmt.Errorf("x402: authorization not yet valid")
	}
	if now.Add(-clockSkew).After(validBefore) {
		return fmt.Errorf("x402: authorization expired")
	}

	value, ok := new(big.Int).SetString(strings.TrimSpace(auth.Value), 10)
	if !ok {
		return fmt.Errorf("x402: unparseable authorization value %q", auth.Value)
	}
	required, ok := new(big.Int).SetString(strings.TrimSpace(reqs.MaxAmountRequired), 10)
	if !ok {
		return fmt.Errorf("x402: unparseable required amount %q", reqs.MaxAmountRequired)
	}
	if value.Cmp(required) < 0 {
		return fmt.Errorf("x402: authorized value %s below required %s", value, required)
	}
	return nil
}

func parseUnixString(s string) (time.Time, error) {
	secs, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	}
	return time.Unix(secs.Int64(), 0), nil
}
