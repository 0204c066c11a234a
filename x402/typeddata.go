package x402

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// BuildTypedData produces the EIP-712 TransferWithAuthorization message
// (EIP-3009) for a challenge and payer. The facilitator recomputes the
// same structure independently, so the output is fully determined by the
// challenge fields and the payer address.
//
// Bounds checks live here: a challenge with a non-positive amount or an
// expiry already passed fails with ErrInvalidChallenge.
func BuildTypedData(challenge *PaymentChallenge, payer common.Address, now time.Time) (apitypes.TypedData, error) {
	if challenge.Amount == nil || challenge.Amount.Sign() <= 0 {
		return apitypes.TypedData{}, fmt.Errorf("%w: amount must be positive", ErrInvalidChallenge)
	}
	if !challenge.Expiry.After(now) {
		return apitypes.TypedData{}, fmt.Errorf("%w: challenge expired at %s", ErrInvalidChallenge, challenge.Expiry.Format(time.RFC3339))
	}
	if challenge.Nonce == ([32]byte{}) {
		return apitypes.TypedData{}, fmt.Errorf("%w: nonce not assigned", ErrInvalidChallenge)
	}

	validAfter := big.NewInt(challenge.ValidAfter.Unix())
	validBefore := big.NewInt(challenge.Expiry.Unix())

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              challenge.TokenName,
			Version:           challenge.TokenVersion,
			ChainId:           (*math.HexOrDecimal256)(big.NewInt(challenge.ChainID)),
			VerifyingContract: common.HexToAddress(challenge.Asset).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        payer.Hex(),
			"to":          common.HexToAddress(challenge.Recipient).Hex(),
			"value":       (*math.HexOrDecimal256)(challenge.Amount),
			"validAfter":  (*math.HexOrDecimal256)(validAfter),
			"validBefore": (*math.HexOrDecimal256)(validBefore),
			"nonce":       common.BytesToHash(challenge.Nonce[:]).Hex(),
		},
	}, nil
}

// TypedDataDigest computes the 32-byte EIP-712 signing digest:
// keccak256(0x19 0x01 || domainSeparator || hashStruct(message)).
func TypedDataDigest(typedData apitypes.TypedData) ([32]byte, error) {
	var digest [32]byte

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return digest, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return digest, fmt.Errorf("hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	copy(digest[:], crypto.Keccak256(rawData))
	return digest, nil
}

// WireAuthorization converts a signed authorization to its wire form for
// the PAYMENT-SIGNATURE header.
func WireAuthorization(auth *PaymentAuthorization) EVMAuthorization {
	ch := auth.Challenge
	return EVMAuthorization{
		From:        auth.Payer,
		To:          common.HexToAddress(ch.Recipient).Hex(),
		Value:       ch.Amount.String(),
		ValidAfter:  big.NewInt(ch.ValidAfter.Unix()).String(),
		ValidBefore: big.NewInt(ch.Expiry.Unix()).String(),
		Nonce:       ch.NonceHex(),
	}
}
