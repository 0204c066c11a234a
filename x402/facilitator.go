package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cdpjwt "github.com/coinbase/cdp-sdk/go/auth"
	"github.com/rs/zerolog"
)

// BackoffConfig bounds the settlement verification retries: exponential
// backoff with a fixed attempt count and a total wall-clock budget.
type BackoffConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Budget       time.Duration
}

// DefaultBackoff is a sensible verification retry policy.
var DefaultBackoff = BackoffConfig{
	MaxAttempts:  4,
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     4 * time.Second,
	Budget:       30 * time.Second,
}

func (b BackoffConfig) delay(attempt int) time.Duration {
	d := b.InitialDelay << attempt
	if d > b.MaxDelay || d <= 0 {
		return b.MaxDelay
	}
	return d
}

// AuthProvider supplies per-request auth headers for facilitator calls.
type AuthProvider interface {
	AuthHeaders(ctx context.Context, method, path string) (map[string]string, error)
}

// CoinbaseAuthProvider signs facilitator requests with a CDP API key JWT,
// as required by the Coinbase-hosted facilitator.
type CoinbaseAuthProvider struct {
	apiKeyID     string
	apiKeySecret string
	requestHost  string
}

// NewCoinbaseAuthProvider builds a provider for Coinbase facilitator auth.
func NewCoinbaseAuthProvider(facilitatorURL, apiKeyID, apiKeySecret string) *CoinbaseAuthProvider {
	host := facilitatorURL
	if parsed, err := url.Parse(facilitatorURL); err == nil && parsed.Host != "" {
		host = parsed.Host
	} else {
		host = strings.TrimPrefix(host, "https://")
	}
	return &CoinbaseAuthProvider{
		apiKeyID:     apiKeyID,
		apiKeySecret: apiKeySecret,
		requestHost:  host,
	}
}

func (p *CoinbaseAuthProvider) AuthHeaders(ctx context.Context, method, path string) (map[string]string, error) {
	if p.apiKeyID == "" || p.apiKeySecret == "" {
		return nil, nil
	}
	jwt, err := cdpjwt.GenerateJWT(cdpjwt.JwtOptions{
		KeyID:         p.apiKeyID,
		KeySecret:     p.apiKeySecret,
		RequestMethod: method,
		RequestHost:   p.requestHost,
		RequestPath:   path,
	})
	if err != nil {
		return nil, fmt.Errorf("generate JWT: %w", err)
	}
	return map[string]string{"Authorization": "Bearer " + jwt}, nil
}

// FacilitatorClient talks to an x402 facilitator's verify endpoint to
// confirm a payment was accepted before the resource is trusted.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
	auth       AuthProvider
	backoff    BackoffConfig
	logger     zerolog.Logger
}

// NewFacilitatorClient creates a verifier for the given facilitator base
// URL. auth may be nil for unauthenticated facilitators.
func NewFacilitatorClient(baseURL string, auth AuthProvider, backoff BackoffConfig, logger zerolog.Logger) *FacilitatorClient {
	if backoff.MaxAttempts <= 0 {
		backoff = DefaultBackoff
	}
	return &FacilitatorClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		auth:       auth,
		backoff:    backoff,
		logger:     logger,
	}
}

// Verify performs a single verification call against POST {base}/verify.
func (c *FacilitatorClient) Verify(ctx context.Context, payment *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error) {
	body, err := json.Marshal(VerifyRequest{
		X402Version:    ProtocolVersion,
		PaymentPayload: payment,
		Requirements:   requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}

	endpoint := c.baseURL + "/verify"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.auth != nil {
		path := req.URL.Path
		headers, err := c.auth.AuthHeaders(ctx, http.MethodPost, path)
		if err != nil {
			return nil, fmt.Errorf("facilitator auth: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call facilitator verify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("facilitator verify returned status %d: %s", resp.StatusCode, string(excerpt))
	}

	var verifyResp VerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&verifyResp); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}
	return &verifyResp, nil
}

// ConfirmSettlement verifies a payment with bounded exponential backoff.
// A definitive facilitator answer (valid or invalid) ends the retries.
// Once attempts or the wall-clock budget are exhausted it reports
// accepted=false with ReasonVerificationUnreachable instead of blocking.
func (c *FacilitatorClient) ConfirmSettlement(ctx context.Context, payment *PaymentPayload, requirements *PaymentRequirements) *SettlementResult {
	deadline := time.Now().Add(c.backoff.Budget)
	var lastErr error

	for attempt := 0; attempt < c.backoff.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff.delay(attempt - 1)
			if time.Now().Add(wait).After(deadline) {
				break
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return &SettlementResult{Accepted: false, Reason: ReasonVerificationUnreachable}
			}
		}

		verifyResp, err := c.Verify(ctx, payment, requirements)
		if err != nil {
			lastErr = err
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("settlement verification attempt failed")
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if !verifyResp.IsValid {
			reason := verifyResp.InvalidReason
			if reason == "" {
				reason = "rejected by facilitator"
			}
			return &SettlementResult{Accepted: false, Payer: verifyResp.Payer, Reason: reason}
		}
		return &SettlementResult{Accepted: true, Payer: verifyResp.Payer}
	}

	c.logger.Error().Err(lastErr).Msg("settlement verification unreachable, retries exhausted")
	return &SettlementResult{Accepted: false, Reason: ReasonVerificationUnreachable}
}
