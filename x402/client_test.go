package x402

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRecorder struct {
	mu       sync.Mutex
	receipts []Receipt
}

func (r *memoryRecorder) RecordPayment(receipt Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, receipt)
	return nil
}

func (r *memoryRecorder) last(t *testing.T) Receipt {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.receipts)
	return r.receipts[len(r.receipts)-1]
}

// testSeller is a minimal x402-gated endpoint: challenge unpaid requests,
// verify the resubmitted payment, and serve the resource.
type testSeller struct {
	t               *testing.T
	alwaysChallenge bool
	headerTransport bool
	verifyLive      bool
	requests        atomic.Int32
	payments        atomic.Int32
	lastPayment     atomic.Pointer[PaymentPayload]
}

func (s *testSeller) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)

		header := r.Header.Get(HeaderPaymentSignature)
		if header == "" || s.alwaysChallenge {
			s.challenge(w)
			return
		}

		payment, err := DecodePayment(header)
		require.NoError(s.t, err)
		s.lastPayment.Store(payment)
		s.payments.Add(1)

		if s.verifyLive {
			require.NoError(s.t, verifyWirePayment(payment))
		}

		settle, err := EncodeSettlement(&SettleResponse{
			Success:     true,
			Transaction: "0xfeed",
			Network:     payment.Accepted.Network,
			Payer:       payment.Payload.Authorization.From,
		})
		require.NoError(s.t, err)
		w.Header().Set(HeaderPaymentResponse, settle)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"price":95000}`))
	}
}

func (s *testSeller) challenge(w http.ResponseWriter) {
	required := testRequired()
	if s.headerTransport {
		encoded, err := EncodeRequirements(required)
		require.NoError(s.t, err)
		w.Header().Set(HeaderPaymentRequired, encoded)
		w.WriteHeader(http.StatusPaymentRequired)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(required)
}

// verifyWirePayment rebuilds the typed data a facilitator would derive
// from the wire payload and checks signature recovery against the payer.
func verifyWirePayment(payment *PaymentPayload) error {
	auth := payment.Payload.Authorization

	amount, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := strconv.ParseInt(auth.ValidAfter, 10, 64)
	validBefore, _ := strconv.ParseInt(auth.ValidBefore, 10, 64)
	chainID, err := ChainID(payment.Accepted.Network)
	if err != nil {
		return err
	}

	var nonce [32]byte
	nonceBytes, err := hex.DecodeString(strings.TrimPrefix(auth.Nonce, "0x"))
	if err != nil {
		return err
	}
	copy(nonce[:], nonceBytes)

	ch := &PaymentChallenge{
		Amount:       amount,
		Asset:        payment.Accepted.Asset,
		Network:      payment.Accepted.Network,
		ChainID:      chainID,
		Recipient:    auth.To,
		Nonce:        nonce,
		ValidAfter:   time.Unix(validAfter, 0),
		Expiry:       time.Unix(validBefore, 0),
		TokenName:    payment.Accepted.Extra["name"].(string),
		TokenVersion: payment.Accepted.Extra["version"].(string),
	}

	typedData, err := BuildTypedData(ch, common.HexToAddress(auth.From), time.Now())
	if err != nil {
		return err
	}
	digest, err := TypedDataDigest(typedData)
	if err != nil {
		return err
	}
	signature, err := ParseSignatureHex(payment.Payload.Signature)
	if err != nil {
		return err
	}
	return VerifySignature(digest, signature, common.HexToAddress(auth.From))
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.Mode == "" {
		cfg.Mode = ModeSimulated
		cfg.SimulationSeed = []byte("test-session")
	}
	if cfg.Network == "" {
		cfg.Network = NetworkBaseSepolia
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestFetchUnpaidResource(t *testing.T) {
	t.Parallel()

	var sawPaymentHeader atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderPaymentSignature) != "" {
			sawPaymentHeader.Store(true)
		}
		w.Write([]byte(`{"status":"free"}`))
	}))
	defer server.Close()

	recorder := &memoryRecorder{}
	client := newTestClient(t, Config{Recorder: recorder})

	result, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)

	assert.False(t, result.Paid)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.JSONEq(t, `{"status":"free"}`, string(result.Body))
	assert.False(t, sawPaymentHeader.Load(), "no payment header on an unpaid fetch")

	receipt := recorder.last(t)
	assert.True(t, receipt.ResourceFetched)
	assert.False(t, receipt.Paid)
	assert.Empty(t, receipt.Nonce, "no authorization produced for an unpaid fetch")

	status := client.WalletStatus()
	assert.Equal(t, 0, status.PaymentCount)
}

func TestFetchPaysChallenge(t *testing.T) {
	t.Parallel()

	seller := &testSeller{t: t}
	server := httptest.NewServer(seller.handler())
	defer server.Close()

	recorder := &memoryRecorder{}
	client := newTestClient(t, Config{Recorder: recorder})

	result, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)

	assert.True(t, result.Paid)
	assert.JSONEq(t, `{"price":95000}`, string(result.Body))
	assert.Equal(t, int32(2), seller.requests.Load())
	assert.Equal(t, int32(1), seller.payments.Load())

	payment := seller.lastPayment.Load()
	require.NotNil(t, payment)
	assert.Equal(t, ProtocolVersion, payment.X402Version)
	assert.Equal(t, client.Address(), payment.Payload.Authorization.From)
	assert.Equal(t, "10000", payment.Payload.Authorization.Value)
	assert.Equal(t, server.URL, payment.Resource.URL)

	require.NotNil(t, result.Settlement)
	assert.True(t, result.Settlement.Accepted)
	assert.Equal(t, "0xfeed", result.Settlement.Transaction)

	receipt := recorder.last(t)
	assert.True(t, receipt.Paid)
	assert.Equal(t, "10000", receipt.Amount)
	assert.Equal(t, client.Address(), receipt.Payer)
	assert.Equal(t, ModeSimulated, receipt.SigningMode)
	assert.NotEmpty(t, receipt.Nonce)
	assert.Equal(t, "0xfeed", receipt.Transaction)

	status := client.WalletStatus()
	assert.Equal(t, 1, status.PaymentCount)
	assert.Equal(t, 0, status.TotalSpent.Cmp(bigInt(t, "10000")))
	assert.Equal(t, 0, status.Balance.Cmp(bigInt(t, "9990000")))
}

func TestFetchHeaderTransportChallenge(t *testing.T) {
	t.Parallel()

	seller := &testSeller{t: t, headerTransport: true}
	server := httptest.NewServer(seller.handler())
	defer server.Close()

	client := newTestClient(t, Config{})
	result, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.True(t, result.Paid)
}

func TestFetchLiveSignatureRecovers(t *testing.T) {
	t.Parallel()

	seller := &testSeller{t: t, verifyLive: true}
	server := httptest.NewServer(seller.handler())
	defer server.Close()

	client := newTestClient(t, Config{Mode: ModeLive, PrivateKey: testPrivateKey})
	result, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)

	assert.True(t, result.Paid)
	assert.Equal(t, testPayerAddr, client.Address())
	assert.Equal(t, ModeLive, result.Receipt.SigningMode)
}

func TestFetchSecondChallengeIsRejected(t *testing.T) {
	t.Parallel()

	seller := &testSeller{t: t, alwaysChallenge: true}
	server := httptest.NewServer(seller.handler())
	defer server.Close()

	recorder := &memoryRecorder{}
	client := newTestClient(t, Config{Recorder: recorder})

	_, err := client.Fetch(context.Background(), server.URL)
	require.ErrorIs(t, err, ErrPaymentRejected)
	assert.Equal(t, int32(2), seller.requests.Load(), "exactly one paid retry, never a pay-loop")

	receipt := recorder.last(t)
	assert.False(t, receipt.Paid)
	assert.NotEmpty(t, receipt.FailureReason)

	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, StateRetrying, ferr.State)
}

func TestFetchCancelledBeforeRequest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	recorder := &memoryRecorder{}
	client := newTestClient(t, Config{Recorder: recorder})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Fetch(ctx, server.URL)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int32(0), hits.Load(), "no network call after cancellation")
	assert.Empty(t, recorder.last(t).Nonce, "no signing after cancellation")
}

func TestFetchCancelledMidRetryStillResolvesPayment(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	seller := &testSeller{t: t}
	var wrapped http.HandlerFunc = func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderPaymentSignature) != "" {
			// Caller gives up while the paid retry is in flight.
			cancel()
		}
		seller.handler()(w, r)
	}
	server := httptest.NewServer(wrapped)
	defer server.Close()

	recorder := &memoryRecorder{}
	client := newTestClient(t, Config{Recorder: recorder})

	_, err := client.Fetch(ctx, server.URL)
	require.ErrorIs(t, err, ErrCancelled)

	// The payment retry resolved before the cancellation surfaced, so the
	// audit trail still knows the payment's outcome.
	assert.Equal(t, int32(1), seller.payments.Load())
	receipt := recorder.last(t)
	assert.Equal(t, "0xfeed", receipt.Transaction)
}

func TestFetchSpendCeiling(t *testing.T) {
	t.Parallel()

	seller := &testSeller{t: t}
	server := httptest.NewServer(seller.handler())
	defer server.Close()

	client := newTestClient(t, Config{MaxAmountPerRequest: big.NewInt(5000)})

	_, err := client.Fetch(context.Background(), server.URL)
	require.ErrorIs(t, err, ErrInvalidChallenge)
	assert.Equal(t, int32(1), seller.requests.Load(), "ceiling violation must not reach the signer or the wire")
}

func TestFetchUnexpectedStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, Config{})
	_, err := client.Fetch(context.Background(), server.URL)
	require.ErrorIs(t, err, ErrUnexpectedStatus)

	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, http.StatusInternalServerError, ferr.Status)
	assert.Equal(t, StateRequesting, ferr.State)
}

func TestFetchMalformedChallenge(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte("not a challenge"))
	}))
	defer server.Close()

	client := newTestClient(t, Config{})
	_, err := client.Fetch(context.Background(), server.URL)
	require.ErrorIs(t, err, ErrMalformedChallenge)
}

func TestFetchNoMatchingNetwork(t *testing.T) {
	t.Parallel()

	seller := &testSeller{t: t}
	server := httptest.NewServer(seller.handler())
	defer server.Close()

	// Session pays on Base mainnet, challenge offers Base Sepolia only.
	client := newTestClient(t, Config{Network: NetworkBase, SimulationSeed: []byte("s")})
	_, err := client.Fetch(context.Background(), server.URL)
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestFetchSettlementVerified(t *testing.T) {
	t.Parallel()

	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(VerifyResponse{IsValid: true, Payer: testPayerAddr})
	}))
	defer facilitator.Close()

	seller := &testSeller{t: t}
	server := httptest.NewServer(seller.handler())
	defer server.Close()

	client := newTestClient(t, Config{
		FacilitatorURL:   facilitator.URL,
		VerifySettlement: true,
		Backoff:          testBackoff(),
	})

	result, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	require.NotNil(t, result.Settlement)
	assert.True(t, result.Settlement.Accepted)
}

func TestFetchSettlementRejected(t *testing.T) {
	t.Parallel()

	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(VerifyResponse{IsValid: false, InvalidReason: "invalid_signature"})
	}))
	defer facilitator.Close()

	seller := &testSeller{t: t}
	server := httptest.NewServer(seller.handler())
	defer server.Close()

	recorder := &memoryRecorder{}
	client := newTestClient(t, Config{
		FacilitatorURL:   facilitator.URL,
		VerifySettlement: true,
		Backoff:          testBackoff(),
		Recorder:         recorder,
	})

	_, err := client.Fetch(context.Background(), server.URL)
	require.ErrorIs(t, err, ErrSettlementUnconfirmed)

	receipt := recorder.last(t)
	require.NotNil(t, receipt.Settlement)
	assert.Equal(t, "invalid_signature", receipt.Settlement.Reason)
}

func TestFetchVerificationUnreachable(t *testing.T) {
	t.Parallel()

	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	facilitator.Close()

	seller := &testSeller{t: t}
	server := httptest.NewServer(seller.handler())
	defer server.Close()

	client := newTestClient(t, Config{
		FacilitatorURL:   facilitator.URL,
		VerifySettlement: true,
		Backoff:          testBackoff(),
	})

	_, err := client.Fetch(context.Background(), server.URL)
	require.ErrorIs(t, err, ErrVerificationUnreachable)
}

func TestFetchNoncesUniqueAcrossFetches(t *testing.T) {
	t.Parallel()

	seller := &testSeller{t: t}
	server := httptest.NewServer(seller.handler())
	defer server.Close()

	client := newTestClient(t, Config{})

	first, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	second, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)

	assert.NotEmpty(t, first.Receipt.Nonce)
	assert.NotEqual(t, first.Receipt.Nonce, second.Receipt.Nonce)

	status := client.WalletStatus()
	assert.Equal(t, 2, status.PaymentCount)
	assert.Equal(t, 0, status.TotalSpent.Cmp(bigInt(t, "20000")))
}

func TestNewClientLiveWithoutKey(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{Mode: ModeLive, Network: NetworkBaseSepolia})
	require.ErrorIs(t, err, ErrSigningUnavailable)
}

func TestNewClientUnknownNetwork(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{Network: "solana:mainnet"})
	require.Error(t, err)
}
