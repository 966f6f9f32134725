// Package x402 implements HTTP-native stablecoin micropayments as an
// alternative admission path: payments arrive as a signed transfer
// authorization in the X-PAYMENT header, are verified against the expected
// network/asset/recipient, and are settled on-chain through an ordered list
// of facilitator backends with a local signer as the last resort.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Version is the protocol version carried in every payload and facilitator call.
const Version = 1

// SchemeExact is the only payment scheme the proxy accepts: a signed
// transfer authorization for an exact amount.
const SchemeExact = "exact"

// PaymentRequirements is what the proxy demands for one priced resource.
type PaymentRequirements struct {
	Scheme            string          `json:"scheme"`
	Network           string          `json:"network"`
	MaxAmountRequired string          `json:"maxAmountRequired"` // Atomic stablecoin units.
	Resource          string          `json:"resource"`
	Description       string          `json:"description,omitempty"`
	MimeType          string          `json:"mimeType,omitempty"`
	PayTo             string          `json:"payTo"`
	MaxTimeoutSeconds int             `json:"maxTimeoutSeconds"`
	Asset             string          `json:"asset"`
	Extra             json.RawMessage `json:"extra,omitempty"`
}

// Authorization is the ERC-3009 transferWithAuthorization tuple signed by
// the payer. Numeric fields are decimal strings per the wire format.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload couples the authorization with its signature.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// VerifyResponse is a facilitator's answer to a verify call.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is a facilitator's answer to a settle call.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"` // On-chain operation hash.
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// DecodePayment parses a base64-encoded X-PAYMENT header value.
func DecodePayment(header string) (*PaymentPayload, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("x402: empty payment header")
	}
	data, errDecode := base64.StdEncoding.DecodeString(header)
	if errDecode != nil {
		return nil, fmt.Errorf("x402: decode payment header: %w", errDecode)
	}
	var payload PaymentPayload
	if errUnmarshal := json.Unmarshal(data, &payload); errUnmarshal != nil {
		return nil, fmt.Errorf("x402: parse payment payload: %w", errUnmarshal)
	}
	if payload.X402Version != Version {
		return nil, fmt.Errorf("x402: unsupported version %d", payload.X402Version)
	}
	return &payload, nil
}

// EncodePayment is the inverse of DecodePayment, used by tests and tooling.
func EncodePayment(payload *PaymentPayload) (string, error) {
	data, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return "", fmt.Errorf("x402: encode payment payload: %w", errMarshal)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// usdcDecimals is the exponent between USD amounts and atomic USDC units.
const usdcDecimals = 6

// AtomicAmount converts a USD amount into atomic stablecoin units, rounding
// up so the payer can never underpay by a sub-unit fraction.
func AtomicAmount(usd decimal.Decimal) string {
	return usd.Shift(usdcDecimals).Ceil().String()
}
