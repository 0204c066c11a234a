package seller

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/andrewreder/agent-economy/x402"
)

// verifier checks submitted payment payloads against the server's own
// requirement, the way a facilitator would: rebuild the EIP-712 typed
// data from the wire authorization and recover the signer.
type verifier struct {
	requirement    x402.PaymentRequirements
	allowSimulated bool

	mu   sync.Mutex
	seen map[string]struct{} // authorization nonces already accepted
}

func newVerifier(requirement x402.PaymentRequirements, allowSimulated bool) *verifier {
	return &verifier{
		requirement:    requirement,
		allowSimulated: allowSimulated,
		seen:           make(map[string]struct{}),
	}
}

// verify returns the payer address of an acceptable payment, or a
// rejection reason. Rejection reasons use facilitator wire vocabulary.
func (v *verifier) verify(payment *x402.PaymentPayload) (payer string, reason string, err error) {
	if payment.X402Version != x402.ProtocolVersion {
		return "", "unsupported_version", fmt.Errorf("x402 version %d", payment.X402Version)
	}

	accepted := payment.Accepted
	if accepted.Scheme != x402.SchemeExact || accepted.Network != v.requirement.Network {
		return "", "unsupported_scheme", fmt.Errorf("scheme %s on %s", accepted.Scheme, accepted.Network)
	}
	if !strings.EqualFold(accepted.Asset, v.requirement.Asset) {
		return "", "invalid_asset", fmt.Errorf("asset %s", accepted.Asset)
	}

	auth := payment.Payload.Authorization
	if !strings.EqualFold(auth.To, v.requirement.PayTo) {
		return "", "invalid_recipient", fmt.Errorf("pay-to %s", auth.To)
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return "", "invalid_amount", fmt.Errorf("non-numeric value %q", auth.Value)
	}
	price, _ := new(big.Int).SetString(v.requirement.Amount, 10)
	if value.Cmp(price) < 0 {
		return "", "insufficient_amount", fmt.Errorf("value %s below price %s", value, price)
	}

	now := time.Now().Unix()
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return "", "invalid_authorization", fmt.Errorf("validAfter: %w", err)
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return "", "invalid_authorization", fmt.Errorf("validBefore: %w", err)
	}
	if now < validAfter || now >= validBefore {
		return "", "authorization_expired", fmt.Errorf("window [%d, %d) at %d", validAfter, validBefore, now)
	}

	nonceBytes, err := hex.DecodeString(strings.TrimPrefix(auth.Nonce, "0x"))
	if err != nil || len(nonceBytes) != 32 {
		return "", "invalid_nonce", fmt.Errorf("nonce %q", auth.Nonce)
	}
	if !v.claimNonce(auth.Nonce) {
		return "", "nonce_reused", fmt.Errorf("nonce %s already settled", auth.Nonce)
	}

	digest, err := v.digest(payment, nonceBytes, value, validAfter, validBefore)
	if err != nil {
		return "", "invalid_authorization", err
	}

	signature, err := x402.ParseSignatureHex(payment.Payload.Signature)
	if err != nil {
		return "", "invalid_signature", err
	}

	if err := x402.VerifySignature(digest, signature, common.HexToAddress(auth.From)); err != nil {
		if v.allowSimulated {
			// Demo mode: accept pseudo-signatures but never mistake them
			// for settled on-chain value.
			return auth.From, "", nil
		}
		return "", "invalid_signature", err
	}
	return auth.From, "", nil
}

// nonceSettled reports whether a nonce was already accepted with the
// resource request.
func (v *verifier) nonceSettled(nonce string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.seen[strings.ToLower(nonce)]
	return ok
}

func (v *verifier) claimNonce(nonce string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := strings.ToLower(nonce)
	if _, dup := v.seen[key]; dup {
		return false
	}
	v.seen[key] = struct{}{}
	return true
}

func (v *verifier) digest(payment *x402.PaymentPayload, nonceBytes []byte, value *big.Int, validAfter, validBefore int64) ([32]byte, error) {
	auth := payment.Payload.Authorization
	chainID, err := x402.ChainID(payment.Accepted.Network)
	if err != nil {
		return [32]byte{}, err
	}

	name, _ := payment.Accepted.Extra["name"].(string)
	version, _ := payment.Accepted.Extra["version"].(string)

	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	challenge := &x402.PaymentChallenge{
		Amount:       value,
		Asset:        payment.Accepted.Asset,
		Network:      payment.Accepted.Network,
		ChainID:      chainID,
		Recipient:    auth.To,
		Nonce:        nonce,
		ValidAfter:   time.Unix(validAfter, 0),
		Expiry:       time.Unix(validBefore, 0),
		TokenName:    name,
		TokenVersion: version,
	}

	typedData, err := x402.BuildTypedData(challenge, common.HexToAddress(auth.From), time.Now())
	if err != nil {
		return [32]byte{}, err
	}
	return x402.TypedDataDigest(typedData)
}

// pseudoTransaction derives a deterministic demo transaction hash from
// the submitted signature. Nothing moves on chain.
func pseudoTransaction(signature string) string {
	raw, err := x402.ParseSignatureHex(signature)
	if err != nil {
		raw = []byte(signature)
	}
	return "0x" + hex.EncodeToString(crypto.Keccak256(raw))
}
