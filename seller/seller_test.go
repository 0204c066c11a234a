package seller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewreder/agent-economy/agent"
	"github.com/andrewreder/agent-economy/x402"
)

// Well-known development key (Anvil account #0).
const (
	demoPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	demoPayerAddr  = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	demoPayTo      = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func newTestSeller(t *testing.T, allowSimulated bool) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(Config{
		BaseURL:        "http://seller.test",
		PayTo:          demoPayTo,
		AllowSimulated: allowSimulated,
		SimulatorSeed:  42,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func newLiveClient(t *testing.T, facilitatorURL string, verify bool) *x402.Client {
	t.Helper()
	client, err := x402.NewClient(x402.Config{
		Mode:             x402.ModeLive,
		PrivateKey:       demoPrivateKey,
		Network:          x402.NetworkBaseSepolia,
		FacilitatorURL:   facilitatorURL,
		VerifySettlement: verify,
		Backoff: x402.BackoffConfig{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Budget:       time.Second,
		},
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestUnpaidRequestIsChallenged(t *testing.T) {
	t.Parallel()

	_, ts := newTestSeller(t, false)

	resp, err := http.Get(ts.URL + "/market/bitcoin")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	// The challenge is readable on both transports.
	assert.NotEmpty(t, resp.Header.Get(x402.HeaderPaymentRequired))
	required, err := x402.ParseChallenge(resp)
	require.NoError(t, err)
	require.Len(t, required.Accepts, 1)
	assert.Equal(t, demoPayTo, required.Accepts[0].PayTo)
	assert.Equal(t, "10000", required.Accepts[0].Amount)
}

func TestEndToEndLivePayment(t *testing.T) {
	t.Parallel()

	_, ts := newTestSeller(t, false)
	client := newLiveClient(t, "", false)

	result, err := client.Fetch(context.Background(), ts.URL+"/market/bitcoin")
	require.NoError(t, err)

	assert.True(t, result.Paid)
	require.NotNil(t, result.Settlement)
	assert.True(t, result.Settlement.Accepted)
	assert.Equal(t, demoPayerAddr, result.Settlement.Payer)
	assert.NotEmpty(t, result.Settlement.Transaction)

	snap, err := agent.ParseSnapshot(result.Body)
	require.NoError(t, err)
	assert.Equal(t, "bitcoin", snap.Token)
}

func TestEndToEndWithSettlementVerification(t *testing.T) {
	t.Parallel()

	_, ts := newTestSeller(t, false)
	client := newLiveClient(t, ts.URL, true)

	result, err := client.Fetch(context.Background(), ts.URL+"/market/ethereum")
	require.NoError(t, err)
	assert.True(t, result.Paid)
	require.NotNil(t, result.Settlement)
	assert.True(t, result.Settlement.Accepted)
}

func TestSimulatedPaymentRejectedByDefault(t *testing.T) {
	t.Parallel()

	_, ts := newTestSeller(t, false)

	client, err := x402.NewClient(x402.Config{
		Mode:           x402.ModeSimulated,
		SimulationSeed: []byte("seller-test"),
		Network:        x402.NetworkBaseSepolia,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	_, err = client.Fetch(context.Background(), ts.URL+"/market/bitcoin")
	require.ErrorIs(t, err, x402.ErrPaymentRejected)
}

func TestSimulatedPaymentAcceptedInDemoMode(t *testing.T) {
	t.Parallel()

	_, ts := newTestSeller(t, true)

	client, err := x402.NewClient(x402.Config{
		Mode:           x402.ModeSimulated,
		SimulationSeed: []byte("seller-test"),
		Network:        x402.NetworkBaseSepolia,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	result, err := client.Fetch(context.Background(), ts.URL+"/market/bitcoin")
	require.NoError(t, err)
	assert.True(t, result.Paid)
	assert.Equal(t, x402.ModeSimulated, result.Receipt.SigningMode)
}

func TestReplayedPaymentHeaderRejected(t *testing.T) {
	t.Parallel()

	_, ts := newTestSeller(t, false)
	client := newLiveClient(t, "", false)

	// Capture the payment header from a legitimate paid flow.
	var captured string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get(x402.HeaderPaymentSignature); h != "" {
			captured = h
		}
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, ts.URL+"/market/bitcoin", nil)
		require.NoError(t, err)
		req.Header = r.Header.Clone()
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		for k, vals := range resp.Header {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				w.Write(buf[:n])
			}
			if readErr != nil {
				break
			}
		}
	}))
	defer proxy.Close()

	_, err := client.Fetch(context.Background(), proxy.URL)
	require.NoError(t, err)
	require.NotEmpty(t, captured)

	// Resubmitting the same authorization must be challenged again.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/market/bitcoin", nil)
	require.NoError(t, err)
	req.Header.Set(x402.HeaderPaymentSignature, captured)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestDiscoveryAndHealth(t *testing.T) {
	t.Parallel()

	_, ts := newTestSeller(t, false)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/discovery/x402")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRequiresPayTo(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
