package x402

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"regexp"
	"strings"
	"time"
)

var evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// ParseChallenge extracts the PaymentRequired challenge from a 402
// response. Facilitator implementations vary: some carry the challenge
// base64-encoded in the PAYMENT-REQUIRED header, others as the JSON body;
// both transports are accepted, header first.
//
// Pure decode and validate; the response body is consumed but nothing
// else is touched.
func ParseChallenge(resp *http.Response) (*PaymentRequired, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: nil response", ErrMalformedChallenge)
	}

	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		required, err := DecodeRequirements(header)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedChallenge, err)
		}
		return validateChallenge(required)
	}

	if resp.Body == nil {
		return nil, fmt.Errorf("%w: no challenge header or body", ErrMalformedChallenge)
	}
	var required PaymentRequired
	if err := json.NewDecoder(resp.Body).Decode(&required); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChallenge, err)
	}
	return validateChallenge(&required)
}

func validateChallenge(required *PaymentRequired) (*PaymentRequired, error) {
	if required.X402Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: x402 version %d", ErrUnsupportedScheme, required.X402Version)
	}
	if len(required.Accepts) == 0 {
		return nil, fmt.Errorf("%w: empty accepts", ErrMalformedChallenge)
	}
	return required, nil
}

// SelectRequirement picks the first payment option matching the session's
// network and the exact scheme. A challenge offering only schemes or
// networks the client does not implement is ErrUnsupportedScheme.
func SelectRequirement(required *PaymentRequired, network string) (*PaymentRequirements, error) {
	for i := range required.Accepts {
		req := &required.Accepts[i]
		if req.Scheme == SchemeExact && req.Network == network {
			return req, nil
		}
	}
	return nil, fmt.Errorf("%w: no exact-scheme option for %s", ErrUnsupportedScheme, network)
}

// BuildChallenge validates a single payment requirement and converts it
// into a PaymentChallenge. The nonce is left zero; the orchestrator
// assigns a fresh one from its session guard before signing.
func BuildChallenge(req *PaymentRequirements, resource string, now time.Time) (*PaymentChallenge, error) {
	if req.Scheme != SchemeExact {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedScheme, req.Scheme)
	}

	chainID, err := ChainID(req.Network)
	if err != nil {
		return nil, err
	}

	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		return nil, fmt.Errorf("%w: non-numeric amount %q", ErrMalformedChallenge, req.Amount)
	}

	if !evmAddressRegex.MatchString(req.PayTo) {
		return nil, fmt.Errorf("%w: recipient %q", ErrMalformedChallenge, req.PayTo)
	}
	if !evmAddressRegex.MatchString(req.Asset) {
		return nil, fmt.Errorf("%w: asset %q", ErrMalformedChallenge, req.Asset)
	}

	name, version, err := tokenDomain(req)
	if err != nil {
		return nil, err
	}

	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: non-positive timeout %d", ErrMalformedChallenge, timeout)
	}

	return &PaymentChallenge{
		Amount:       amount,
		Asset:        req.Asset,
		Network:      req.Network,
		ChainID:      chainID,
		Recipient:    req.PayTo,
		ValidAfter:   now.Add(-10 * time.Second),
		Expiry:       now.Add(time.Duration(timeout) * time.Second),
		TokenName:    name,
		TokenVersion: version,
		Resource:     resource,
	}, nil
}

// tokenDomain pulls the EIP-712 domain name and version the token
// contract expects from the requirement's extra data.
func tokenDomain(req *PaymentRequirements) (name, version string, err error) {
	if req.Extra == nil {
		return "", "", fmt.Errorf("%w: missing extra token parameters", ErrMalformedChallenge)
	}
	name, ok := req.Extra["name"].(string)
	if !ok || name == "" {
		return "", "", fmt.Errorf("%w: missing token name", ErrMalformedChallenge)
	}
	version, ok = req.Extra["version"].(string)
	if !ok || version == "" {
		return "", "", fmt.Errorf("%w: missing token version", ErrMalformedChallenge)
	}
	return name, version, nil
}
