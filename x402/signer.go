package x402

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer turns EIP-712 typed data into a payment signature. Exactly two
// implementations exist, selected at session construction and never
// switched mid-session: LiveSigner (real key, real ECDSA) and
// SimulatedSigner (deterministic pseudo-signature).
//
// Sign is safe for concurrent use; Close blocks until in-flight signs
// complete and then releases the key material.
type Signer interface {
	// Address returns the payer address authorizations are issued from.
	Address() common.Address

	// Mode reports whether signatures are live or simulated.
	Mode() Mode

	// Sign computes the EIP-712 digest of the typed data and signs it.
	Sign(typedData apitypes.TypedData) (signature []byte, digest [32]byte, err error)

	// Close releases the key handle. The signer is unusable afterwards.
	Close()
}

// LiveSigner signs with an EVM secp256k1 private key. The raw key is
// never logged or persisted and is zeroized on Close.
type LiveSigner struct {
	mu      sync.RWMutex
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLiveSigner parses a 0x-prefixed or bare hex private key.
func NewLiveSigner(privateKeyHex string) (*LiveSigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		return nil, ErrSigningUnavailable
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key", ErrSigningUnavailable)
	}
	return &LiveSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (s *LiveSigner) Address() common.Address { return s.address }

func (s *LiveSigner) Mode() Mode { return ModeLive }

func (s *LiveSigner) Sign(typedData apitypes.TypedData) ([]byte, [32]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var digest [32]byte
	if s.key == nil {
		return nil, digest, ErrSigningUnavailable
	}

	digest, err := TypedDataDigest(typedData)
	if err != nil {
		return nil, digest, err
	}

	signature, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, digest, fmt.Errorf("sign digest: %w", err)
	}
	// Contracts expect the Ethereum recovery id convention.
	signature[64] += 27
	return signature, digest, nil
}

// Close zeroizes the key after all in-flight signs finish.
func (s *LiveSigner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		s.key.D.SetInt64(0)
		s.key = nil
	}
}

// SimulatedSigner produces structurally valid, deterministic
// pseudo-signatures derived from the typed-data digest and a fixed
// session seed. They exercise the full protocol flow end to end but are
// never accepted by a real facilitator, and every record produced with
// them is tagged simulated.
type SimulatedSigner struct {
	mu      sync.RWMutex
	seed    []byte
	address common.Address
	closed  bool
}

// NewSimulatedSigner builds a signer from a session seed. A nil or empty
// seed gets a random one, giving the session a stable synthetic payer
// address.
func NewSimulatedSigner(seed []byte) (*SimulatedSigner, error) {
	if len(seed) == 0 {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate session seed: %w", err)
		}
	}
	owned := make([]byte, len(seed))
	copy(owned, seed)

	addrBytes := crypto.Keccak256(append([]byte("x402-simulated-payer"), owned...))
	return &SimulatedSigner{
		seed:    owned,
		address: common.BytesToAddress(addrBytes[12:]),
	}, nil
}

func (s *SimulatedSigner) Address() common.Address { return s.address }

func (s *SimulatedSigner) Mode() Mode { return ModeSimulated }

func (s *SimulatedSigner) Sign(typedData apitypes.TypedData) ([]byte, [32]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var digest [32]byte
	if s.closed {
		return nil, digest, ErrSigningUnavailable
	}

	digest, err := TypedDataDigest(typedData)
	if err != nil {
		return nil, digest, err
	}

	// 65-byte signature shape: r || s || v. Deterministic in (seed, digest)
	// so the same challenge and payer always produce the same bytes, and
	// never a valid ECDSA signature over the digest.
	r := crypto.Keccak256(s.seed, digest[:])
	sPart := crypto.Keccak256(digest[:], s.seed)
	signature := make([]byte, 0, 65)
	signature = append(signature, r...)
	signature = append(signature, sPart...)
	signature = append(signature, 27)
	return signature, digest, nil
}

func (s *SimulatedSigner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.seed {
		s.seed[i] = 0
	}
	s.closed = true
}

// NonceGuard is the per-session replay protection: it hands out fresh
// 32-byte authorization nonces and refuses to ever hand out or accept the
// same one twice.
type NonceGuard struct {
	mu   sync.Mutex
	used map[[32]byte]struct{}
}

func NewNonceGuard() *NonceGuard {
	return &NonceGuard{used: make(map[[32]byte]struct{})}
}

// Next generates a fresh random nonce and marks it used.
func (g *NonceGuard) Next() ([32]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var nonce [32]byte
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := rand.Read(nonce[:]); err != nil {
			return nonce, fmt.Errorf("generate nonce: %w", err)
		}
		if _, dup := g.used[nonce]; !dup {
			g.used[nonce] = struct{}{}
			return nonce, nil
		}
	}
	return nonce, ErrNonceReused
}

// Used reports whether a nonce was issued in this session.
func (g *NonceGuard) Used(nonce [32]byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.used[nonce]
	return ok
}

// VerifySignature recovers the signer of an EIP-712 digest from a 65-byte
// signature and compares it to the expected payer. Simulated signatures
// always fail recovery or recover a different address.
func VerifySignature(digest [32]byte, signature []byte, payer common.Address) error {
	if len(signature) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != payer {
		return fmt.Errorf("signer mismatch: recovered %s, expected %s", recovered.Hex(), payer.Hex())
	}
	return nil
}

// ParseSignatureHex decodes a 0x-prefixed signature string.
func ParseSignatureHex(signature string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return raw, nil
}

// FormatAmount renders an atomic-unit amount with the given decimals,
// e.g. 10000 with 6 decimals becomes "0.010000".
func FormatAmount(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	rat := new(big.Rat).SetInt(amount)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	rat.Quo(rat, scale)
	return rat.FloatString(decimals)
}
