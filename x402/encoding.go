package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EncodePayment serializes a PaymentPayload for the PAYMENT-SIGNATURE
// header as base64-encoded JSON.
func EncodePayment(payment *PaymentPayload) (string, error) {
	if payment == nil {
		return "", fmt.Errorf("encode payment: payload is nil")
	}
	raw, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("encode payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePayment decodes a PAYMENT-SIGNATURE header value.
func DecodePayment(encoded string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode payment: %w", err)
	}
	var payment PaymentPayload
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, fmt.Errorf("decode payment: %w", err)
	}
	return &payment, nil
}

// EncodeRequirements serializes a 402 challenge for the PAYMENT-REQUIRED
// header.
func EncodeRequirements(required *PaymentRequired) (string, error) {
	raw, err := json.Marshal(required)
	if err != nil {
		return "", fmt.Errorf("encode requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeRequirements decodes a PAYMENT-REQUIRED header value.
func DecodeRequirements(encoded string) (*PaymentRequired, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode requirements: %w", err)
	}
	var required PaymentRequired
	if err := json.Unmarshal(raw, &required); err != nil {
		return nil, fmt.Errorf("decode requirements: %w", err)
	}
	return &required, nil
}

// EncodeSettlement serializes a settlement outcome for the
// PAYMENT-RESPONSE header.
func EncodeSettlement(settlement *SettleResponse) (string, error) {
	raw, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("encode settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettlement decodes a PAYMENT-RESPONSE header value. It returns
// nil without error for an empty header.
func DecodeSettlement(encoded string) (*SettleResponse, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode settlement: %w", err)
	}
	var settlement SettleResponse
	if err := json.Unmarshal(raw, &settlement); err != nil {
		return nil, fmt.Errorf("decode settlement: %w", err)
	}
	return &settlement, nil
}
