// Package x402 implements the client side of the x402 HTTP payment
// protocol: detect a 402 Payment Required challenge, sign an EIP-712
// payment authorization, and retry the request with proof of payment.
//
// Flow:
//  1. Client sends an HTTP GET to an x402-enabled endpoint.
//  2. Server responds 402 with a PAYMENT-REQUIRED header or JSON body.
//  3. Client signs an EIP-3009 TransferWithAuthorization message.
//  4. Client resends with a PAYMENT-SIGNATURE header.
//  5. Server verifies, settles, and returns data plus PAYMENT-RESPONSE.
//
// Protocol spec: https://x402.org
package x402

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// Protocol version constants.
const (
	// ProtocolVersion is the x402 protocol version this client speaks.
	ProtocolVersion = 2

	// SchemeExact is the only payment scheme the client implements.
	SchemeExact = "exact"
)

// HTTP header names used by the protocol. The V1 names are accepted on
// responses for compatibility with older facilitators.
const (
	HeaderPaymentRequired   = "PAYMENT-REQUIRED"
	HeaderPaymentSignature  = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse   = "PAYMENT-RESPONSE"
	HeaderPaymentV1         = "X-PAYMENT"
	HeaderPaymentResponseV1 = "X-PAYMENT-RESPONSE"
)

// Well-known networks (CAIP-2) and USDC contracts on Base.
const (
	NetworkBase        = "eip155:8453"
	NetworkBaseSepolia = "eip155:84532"

	USDCBase        = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	USDCBaseSepolia = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

// ChainID resolves a CAIP-2 eip155 network identifier to its chain id.
func ChainID(network string) (int64, error) {
	switch network {
	case "eip155:1":
		return 1, nil
	case "eip155:11155111":
		return 11155111, nil
	case NetworkBase:
		return 8453, nil
	case NetworkBaseSepolia:
		return 84532, nil
	case "eip155:137":
		return 137, nil
	case "eip155:80002":
		return 80002, nil
	case "eip155:43114":
		return 43114, nil
	case "eip155:43113":
		return 43113, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrMalformedChallenge, network)
	}
}

// Mode selects how payment authorizations are signed.
type Mode string

const (
	// ModeSimulated produces deterministic pseudo-signatures that drive the
	// full protocol flow without a real key. A real facilitator will never
	// accept them.
	ModeSimulated Mode = "simulated"

	// ModeLive produces real ECDSA signatures with a configured private key.
	ModeLive Mode = "live"
)

// ResourceInfo describes the protected resource in a 402 response.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequirements is one acceptable payment option from the server's
// "accepts" array.
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	Amount            string         `json:"amount"`
	Asset             string         `json:"asset"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// PaymentRequired is the 402 challenge sent by resource servers, carried
// either in the response body or base64-encoded in the PAYMENT-REQUIRED
// header.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Resource    *ResourceInfo         `json:"resource,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentChallenge is the decoded, validated form of one payment
// requirement. The Nonce is assigned by the orchestrator before the
// authorization is built and is unique per challenge instance.
type PaymentChallenge struct {
	Amount       *big.Int
	Asset        string
	Network      string
	ChainID      int64
	Recipient    string
	Nonce        [32]byte
	ValidAfter   time.Time
	Expiry       time.Time
	TokenName    string
	TokenVersion string
	Resource     string
}

// Summary returns a compact human-readable form for audit records.
func (c *PaymentChallenge) Summary() string {
	return fmt.Sprintf("%s %s -> %s on %s", c.Amount.String(), c.TokenName, c.Recipient, c.Network)
}

// NonceHex returns the 0x-prefixed hex encoding of the challenge nonce.
func (c *PaymentChallenge) NonceHex() string {
	return "0x" + hex.EncodeToString(c.Nonce[:])
}

// PaymentAuthorization is a signed payment message. It is immutable once
// signed; a new challenge always requires a new authorization.
type PaymentAuthorization struct {
	Challenge *PaymentChallenge
	Payer     string
	Signature []byte
	Digest    [32]byte
	Mode      Mode
}

// EVMAuthorization mirrors the EIP-3009 transferWithAuthorization fields
// on the wire. Numeric values are decimal strings, the nonce is 0x-hex.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// EVMPayload carries the signature and authorization parameters.
type EVMPayload struct {
	Signature     string           `json:"signature"`
	Authorization EVMAuthorization `json:"authorization"`
}

// PaymentPayload is the value of the PAYMENT-SIGNATURE header, sent by
// the client to pay for a resource.
type PaymentPayload struct {
	X402Version int                 `json:"x402Version"`
	Resource    *ResourceInfo       `json:"resource,omitempty"`
	Accepted    PaymentRequirements `json:"accepted"`
	Payload     EVMPayload          `json:"payload"`
}

// SettleResponse is the wire form of a settlement outcome, returned in
// the PAYMENT-RESPONSE header and by the facilitator /settle endpoint.
type SettleResponse struct {
	Success      bool   `json:"success"`
	ErrorReason  string `json:"errorReason,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Transaction  string `json:"transaction,omitempty"`
	Network      string `json:"network,omitempty"`
	Payer        string `json:"payer,omitempty"`
}

// VerifyResponse is returned by the facilitator /verify endpoint.
type VerifyResponse struct {
	IsValid        bool   `json:"isValid"`
	InvalidReason  string `json:"invalidReason,omitempty"`
	InvalidMessage string `json:"invalidMessage,omitempty"`
	Payer          string `json:"payer,omitempty"`
}

// VerifyRequest is the body posted to the facilitator /verify endpoint.
type VerifyRequest struct {
	X402Version    int                  `json:"x402Version"`
	PaymentPayload *PaymentPayload      `json:"paymentPayload"`
	Requirements   *PaymentRequirements `json:"paymentRequirements,omitempty"`
}

// SettlementResult is the client-facing settlement outcome.
type SettlementResult struct {
	Accepted    bool
	Transaction string
	Network     string
	Payer       string
	Reason      string
}

// ReasonVerificationUnreachable marks a settlement result produced after
// the facilitator could not be reached within the retry budget.
const ReasonVerificationUnreachable = "verification unreachable"

func (s *SettlementResult) fromSettle(resp *SettleResponse) {
	s.Accepted = resp.Success
	s.Transaction = resp.Transaction
	s.Network = resp.Network
	s.Payer = resp.Payer
	s.Reason = resp.ErrorReason
}

// Receipt is the structured audit record emitted once per fetch for the
// external data sink.
type Receipt struct {
	ID              string            `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	Endpoint        string            `json:"endpoint"`
	Network         string            `json:"network,omitempty"`
	Amount          string            `json:"amount,omitempty"`
	Asset           string            `json:"asset,omitempty"`
	Payer           string            `json:"payer,omitempty"`
	Payee           string            `json:"payee,omitempty"`
	Nonce           string            `json:"nonce,omitempty"`
	Challenge       string            `json:"challenge,omitempty"`
	SigningMode     Mode              `json:"signingMode"`
	Paid            bool              `json:"paid"`
	ResourceFetched bool              `json:"resourceFetched"`
	Transaction     string            `json:"transaction,omitempty"`
	Settlement      *SettlementResult `json:"settlement,omitempty"`
	FailureReason   string            `json:"failureReason,omitempty"`
}

// Recorder receives one Receipt per fetch. Implementations persist the
// audit trail; the client only produces the record.
type Recorder interface {
	RecordPayment(receipt Receipt) error
}
