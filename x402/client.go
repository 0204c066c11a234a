package x402

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config is the immutable per-session configuration of a Client. All
// values are explicit; the core reads no environment of its own, so
// multiple clients with distinct keys and ceilings can run side by side.
type Config struct {
	// Mode selects the signing provider: ModeSimulated or ModeLive.
	Mode Mode

	// PrivateKey is the hex-encoded payer key for live mode.
	PrivateKey string

	// SimulationSeed fixes the simulated signer's seed; random if empty.
	SimulationSeed []byte

	// Network is the CAIP-2 network the session pays on.
	Network string

	// MaxAmountPerRequest is the spend ceiling per fetch in atomic units.
	// Nil means no ceiling.
	MaxAmountPerRequest *big.Int

	// InitialBalance seeds the simulated wallet balance in atomic units.
	// Ignored in live mode. Defaults to 10 USDC.
	InitialBalance *big.Int

	// FacilitatorURL is the settlement verification endpoint base URL.
	// Empty disables verification regardless of VerifySettlement.
	FacilitatorURL string

	// FacilitatorAuth optionally authenticates facilitator calls.
	FacilitatorAuth AuthProvider

	// VerifySettlement confirms payments with the facilitator before the
	// fetched resource is treated as valid.
	VerifySettlement bool

	// RequestTimeout bounds each individual network step.
	RequestTimeout time.Duration

	// Backoff bounds settlement verification retries.
	Backoff BackoffConfig

	// HTTPClient overrides the transport; http.DefaultClient-like zero
	// value is constructed when nil.
	HTTPClient *http.Client

	// Logger receives structured flow events. Defaults to a nop logger.
	Logger *zerolog.Logger

	// Recorder receives one audit Receipt per fetch. Optional.
	Recorder Recorder
}

// FetchResult is the terminal success of a fetch: the resource bytes plus
// the payment record.
type FetchResult struct {
	StatusCode int
	Body       []byte
	Paid       bool
	Receipt    Receipt
	Settlement *SettlementResult
}

// WalletStatus is a point-in-time snapshot of the session's spending.
type WalletStatus struct {
	Address      string
	Network      string
	Mode         Mode
	Balance      *big.Int
	TotalSpent   *big.Int
	PaymentCount int
}

// Client drives the payment-gated retrieval flow. Each Fetch call is
// independent; the only state shared between calls is the session nonce
// guard and the spending tallies.
type Client struct {
	cfg         Config
	signer      Signer
	httpClient  *http.Client
	facilitator *FacilitatorClient
	nonces      *NonceGuard
	logger      zerolog.Logger

	mu           sync.Mutex
	balance      *big.Int
	totalSpent   *big.Int
	paymentCount int
}

var defaultInitialBalance = big.NewInt(10_000_000) // 10 USDC at 6 decimals

// NewClient constructs a session. Live mode without a usable key fails
// with ErrSigningUnavailable.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Network == "" {
		cfg.Network = NetworkBase
	}
	if _, err := ChainID(cfg.Network); err != nil {
		return nil, fmt.Errorf("unsupported network %q", cfg.Network)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	var signer Signer
	var err error
	switch cfg.Mode {
	case ModeLive:
		signer, err = NewLiveSigner(cfg.PrivateKey)
	case ModeSimulated, "":
		cfg.Mode = ModeSimulated
		signer, err = NewSimulatedSigner(cfg.SimulationSeed)
	default:
		err = fmt.Errorf("unknown signing mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	var facilitator *FacilitatorClient
	if cfg.FacilitatorURL != "" {
		facilitator = NewFacilitatorClient(cfg.FacilitatorURL, cfg.FacilitatorAuth, cfg.Backoff, logger)
	}

	balance := cfg.InitialBalance
	if balance == nil {
		balance = defaultInitialBalance
	}

	return &Client{
		cfg:         cfg,
		signer:      signer,
		httpClient:  httpClient,
		facilitator: facilitator,
		nonces:      NewNonceGuard(),
		logger:      logger,
		balance:     new(big.Int).Set(balance),
		totalSpent:  new(big.Int),
	}, nil
}

// Address returns the session's payer address.
func (c *Client) Address() string {
	return c.signer.Address().Hex()
}

// Mode returns the session's signing mode.
func (c *Client) Mode() Mode {
	return c.cfg.Mode
}

// Close releases the signing key. In-flight signs complete first.
func (c *Client) Close() {
	c.signer.Close()
}

// WalletStatus reports the session's payer identity and spend tallies.
func (c *Client) WalletStatus() WalletStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WalletStatus{
		Address:      c.signer.Address().Hex(),
		Network:      c.cfg.Network,
		Mode:         c.cfg.Mode,
		Balance:      new(big.Int).Set(c.balance),
		TotalSpent:   new(big.Int).Set(c.totalSpent),
		PaymentCount: c.paymentCount,
	}
}

// Fetch retrieves endpoint, paying an x402 challenge if one is issued.
//
// The flow is Requesting -> ChallengeReceived -> Authorizing -> Retrying
// -> Settled or Failed. A 2xx on the first request returns the resource
// unpaid with no signature produced. Exactly one paid retry is issued per
// challenge; a second 402 is ErrPaymentRejected and is never re-paid. A
// cancelled context fails with ErrCancelled, but a payment retry already
// in flight is always allowed to resolve first so no payment is left with
// an unknown outcome.
func (c *Client) Fetch(ctx context.Context, endpoint string) (*FetchResult, error) {
	receipt := Receipt{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Endpoint:    endpoint,
		Network:     c.cfg.Network,
		SigningMode: c.cfg.Mode,
	}

	if err := ctx.Err(); err != nil {
		return nil, c.fail(&receipt, failf(StateRequesting, endpoint, ErrCancelled, "%v", err))
	}

	// Requesting: the initial unauthenticated attempt.
	resp, body, err := c.do(ctx, endpoint, "")
	if err != nil {
		if ctx.Err() != nil {
			return nil, c.fail(&receipt, failf(StateRequesting, endpoint, ErrCancelled, "%v", ctx.Err()))
		}
		return nil, c.fail(&receipt, failf(StateRequesting, endpoint, ErrUnexpectedStatus, "%v", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Endpoint did not require payment this time.
		receipt.ResourceFetched = true
		c.record(receipt)
		c.logger.Debug().Str("endpoint", endpoint).Msg("resource returned without payment")
		return &FetchResult{StatusCode: resp.StatusCode, Body: body, Receipt: receipt}, nil
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, c.fail(&receipt, failStatus(StateRequesting, endpoint, resp.StatusCode))
	}

	// ChallengeReceived: decode and validate the 402.
	required, err := ParseChallenge(challengeResponse(resp, body))
	if err != nil {
		return nil, c.fail(&receipt, &FetchError{State: StateChallengeReceived, Endpoint: endpoint, Err: err})
	}
	requirement, err := SelectRequirement(required, c.cfg.Network)
	if err != nil {
		return nil, c.fail(&receipt, &FetchError{State: StateChallengeReceived, Endpoint: endpoint, Err: err})
	}
	challenge, err := BuildChallenge(requirement, endpoint, time.Now())
	if err != nil {
		return nil, c.fail(&receipt, &FetchError{State: StateChallengeReceived, Endpoint: endpoint, Err: err})
	}

	receipt.Amount = challenge.Amount.String()
	receipt.Asset = challenge.Asset
	receipt.Payee = challenge.Recipient
	receipt.Challenge = challenge.Summary()

	if c.cfg.MaxAmountPerRequest != nil && challenge.Amount.Cmp(c.cfg.MaxAmountPerRequest) > 0 {
		return nil, c.fail(&receipt, failf(StateChallengeReceived, endpoint, ErrInvalidChallenge,
			"amount %s exceeds spend ceiling %s", challenge.Amount, c.cfg.MaxAmountPerRequest))
	}

	// Authorizing: fresh nonce, typed data, signature.
	payment, err := c.authorize(challenge)
	if err != nil {
		return nil, c.fail(&receipt, &FetchError{State: StateAuthorizing, Endpoint: endpoint, Err: err})
	}
	receipt.Payer = payment.Payload.Authorization.From
	receipt.Nonce = payment.Payload.Authorization.Nonce

	header, err := EncodePayment(payment)
	if err != nil {
		return nil, c.fail(&receipt, failf(StateAuthorizing, endpoint, ErrInvalidChallenge, "%v", err))
	}

	c.logger.Info().
		Str("endpoint", endpoint).
		Str("network", challenge.Network).
		Str("amount", challenge.Amount.String()).
		Str("mode", string(c.cfg.Mode)).
		Msg("payment authorization signed, retrying request")

	// Retrying: exactly one resend with the payment proof. The retry is
	// detached from the caller's cancellation so an in-flight payment
	// always resolves; cancellation is honored right after.
	retryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
	retryResp, retryBody, err := c.doWith(retryCtx, endpoint, header)
	cancel()
	if err != nil {
		return nil, c.fail(&receipt, failf(StateRetrying, endpoint, ErrUnexpectedStatus, "%v", err))
	}

	switch {
	case retryResp.StatusCode == http.StatusPaymentRequired:
		// One retry per challenge, never a pay-loop.
		return nil, c.fail(&receipt, failf(StateRetrying, endpoint, ErrPaymentRejected, "endpoint challenged the paid retry"))
	case retryResp.StatusCode < 200 || retryResp.StatusCode >= 300:
		return nil, c.fail(&receipt, failStatus(StateRetrying, endpoint, retryResp.StatusCode))
	}

	receipt.ResourceFetched = true
	receipt.Paid = true
	// The endpoint settled the payment by serving the resource; the spend
	// counts even if the fetch fails later in the flow.
	c.tallyPayment(challenge.Amount)

	settlement := c.settlementFromHeaders(retryResp)
	if settlement != nil {
		receipt.Transaction = settlement.Transaction
	}

	if ctx.Err() != nil {
		receipt.FailureReason = "cancelled after paid retry resolved"
		receipt.Settlement = settlement
		return nil, c.fail(&receipt, failf(StateRetrying, endpoint, ErrCancelled, "%v", ctx.Err()))
	}

	// Settled: optionally confirm with the facilitator before trusting
	// the resource bytes.
	if c.cfg.VerifySettlement && c.facilitator != nil {
		result := c.facilitator.ConfirmSettlement(ctx, payment, requirement)
		if settlement == nil || result.Transaction != "" {
			if result.Transaction == "" && settlement != nil {
				result.Transaction = settlement.Transaction
			}
			settlement = result
		} else {
			settlement.Accepted = result.Accepted
			settlement.Reason = result.Reason
		}
		if !result.Accepted {
			receipt.Settlement = settlement
			if result.Reason == ReasonVerificationUnreachable {
				return nil, c.fail(&receipt, failf(StateSettled, endpoint, ErrVerificationUnreachable, "%s", result.Reason))
			}
			return nil, c.fail(&receipt, failf(StateSettled, endpoint, ErrSettlementUnconfirmed, "%s", result.Reason))
		}
	}

	receipt.Settlement = settlement
	c.record(receipt)

	c.logger.Info().
		Str("endpoint", endpoint).
		Str("transaction", receipt.Transaction).
		Bool("verified", c.cfg.VerifySettlement).
		Msg("payment settled, resource fetched")

	return &FetchResult{
		StatusCode: retryResp.StatusCode,
		Body:       retryBody,
		Paid:       true,
		Receipt:    receipt,
		Settlement: settlement,
	}, nil
}

// authorize assigns a fresh session nonce, builds the typed data and
// signs it, producing the wire payload for the retry header.
func (c *Client) authorize(challenge *PaymentChallenge) (*PaymentPayload, error) {
	nonce, err := c.nonces.Next()
	if err != nil {
		return nil, err
	}
	challenge.Nonce = nonce

	typedData, err := BuildTypedData(challenge, c.signer.Address(), time.Now())
	if err != nil {
		return nil, err
	}

	signature, digest, err := c.signer.Sign(typedData)
	if err != nil {
		return nil, err
	}

	auth := &PaymentAuthorization{
		Challenge: challenge,
		Payer:     c.signer.Address().Hex(),
		Signature: signature,
		Digest:    digest,
		Mode:      c.cfg.Mode,
	}

	return &PaymentPayload{
		X402Version: ProtocolVersion,
		Resource:    &ResourceInfo{URL: challenge.Resource},
		Accepted: PaymentRequirements{
			Scheme:            SchemeExact,
			Network:           challenge.Network,
			Amount:            challenge.Amount.String(),
			Asset:             challenge.Asset,
			PayTo:             challenge.Recipient,
			MaxTimeoutSeconds: int(time.Until(challenge.Expiry).Seconds()),
			Extra: map[string]any{
				"name":    challenge.TokenName,
				"version": challenge.TokenVersion,
			},
		},
		Payload: EVMPayload{
			Signature:     fmt.Sprintf("0x%x", auth.Signature),
			Authorization: WireAuthorization(auth),
		},
	}, nil
}

func (c *Client) do(ctx context.Context, endpoint, paymentHeader string) (*http.Response, []byte, error) {
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	return c.doWith(stepCtx, endpoint, paymentHeader)
}

func (c *Client) doWith(ctx context.Context, endpoint, paymentHeader string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if paymentHeader != "" {
		req.Header.Set(HeaderPaymentSignature, paymentHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

// challengeResponse rebuilds a response whose body is readable again for
// the parser after do() drained it.
func challengeResponse(resp *http.Response, body []byte) *http.Response {
	clone := *resp
	clone.Body = io.NopCloser(bytes.NewReader(body))
	return &clone
}

func (c *Client) settlementFromHeaders(resp *http.Response) *SettlementResult {
	header := resp.Header.Get(HeaderPaymentResponse)
	if header == "" {
		header = resp.Header.Get(HeaderPaymentResponseV1)
	}
	settle, err := DecodeSettlement(header)
	if err != nil {
		c.logger.Warn().Err(err).Msg("unparseable settlement header")
		return nil
	}
	if settle == nil {
		return nil
	}
	result := &SettlementResult{}
	result.fromSettle(settle)
	return result
}

func (c *Client) tallyPayment(amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalSpent.Add(c.totalSpent, amount)
	c.paymentCount++
	if c.cfg.Mode == ModeSimulated {
		c.balance.Sub(c.balance, amount)
	}
}

func (c *Client) fail(receipt *Receipt, ferr *FetchError) error {
	receipt.FailureReason = ferr.Err.Error()
	c.record(*receipt)
	c.logger.Warn().
		Str("endpoint", ferr.Endpoint).
		Str("state", string(ferr.State)).
		Err(ferr.Err).
		Msg("fetch failed")
	return ferr
}

func (c *Client) record(receipt Receipt) {
	if c.cfg.Recorder == nil {
		return
	}
	if err := c.cfg.Recorder.RecordPayment(receipt); err != nil {
		c.logger.Warn().Err(err).Str("receipt", receipt.ID).Msg("audit record not persisted")
	}
}
