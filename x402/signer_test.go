package x402

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known development key (Anvil account #0). Never holds real funds.
const (
	testPrivateKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testPayerAddr   = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testRecipientOK = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func testChallenge(t *testing.T) *PaymentChallenge {
	t.Helper()
	ch, err := BuildChallenge(&PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           NetworkBaseSepolia,
		Amount:            "10000",
		Asset:             USDCBaseSepolia,
		PayTo:             testRecipientOK,
		MaxTimeoutSeconds: 300,
		Extra:             map[string]any{"name": "USDC", "version": "2"},
	}, "https://seller.test/data", time.Now())
	require.NoError(t, err)
	ch.Nonce = [32]byte{1}
	return ch
}

func TestLiveSignerAddress(t *testing.T) {
	t.Parallel()

	signer, err := NewLiveSigner("0x" + testPrivateKey)
	require.NoError(t, err)
	defer signer.Close()

	assert.Equal(t, testPayerAddr, signer.Address().Hex())
	assert.Equal(t, ModeLive, signer.Mode())
}

func TestLiveSignerRejectsMissingKey(t *testing.T) {
	t.Parallel()

	_, err := NewLiveSigner("")
	require.ErrorIs(t, err, ErrSigningUnavailable)

	_, err = NewLiveSigner("not-hex")
	require.ErrorIs(t, err, ErrSigningUnavailable)
}

func TestLiveSignerSignatureRecovers(t *testing.T) {
	t.Parallel()

	signer, err := NewLiveSigner(testPrivateKey)
	require.NoError(t, err)
	defer signer.Close()

	typedData, err := BuildTypedData(testChallenge(t), signer.Address(), time.Now())
	require.NoError(t, err)

	signature, digest, err := signer.Sign(typedData)
	require.NoError(t, err)
	require.Len(t, signature, 65)

	require.NoError(t, VerifySignature(digest, signature, signer.Address()))

	// Recovery against any other address must fail.
	other := common.HexToAddress(testRecipientOK)
	require.Error(t, VerifySignature(digest, signature, other))
}

func TestLiveSignerUnusableAfterClose(t *testing.T) {
	t.Parallel()

	signer, err := NewLiveSigner(testPrivateKey)
	require.NoError(t, err)

	typedData, err := BuildTypedData(testChallenge(t), signer.Address(), time.Now())
	require.NoError(t, err)

	signer.Close()
	_, _, err = signer.Sign(typedData)
	require.ErrorIs(t, err, ErrSigningUnavailable)
}

func TestSimulatedSignerDeterministic(t *testing.T) {
	t.Parallel()

	seed := []byte("session-seed")
	a, err := NewSimulatedSigner(seed)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSimulatedSigner(seed)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, a.Address(), b.Address())
	assert.Equal(t, ModeSimulated, a.Mode())

	typedData, err := BuildTypedData(testChallenge(t), a.Address(), time.Now())
	require.NoError(t, err)

	sigA, digestA, err := a.Sign(typedData)
	require.NoError(t, err)
	sigB, digestB, err := b.Sign(typedData)
	require.NoError(t, err)

	assert.Equal(t, sigA, sigB)
	assert.Equal(t, digestA, digestB)
	require.Len(t, sigA, 65)
}

func TestSimulatedSignatureNeverVerifies(t *testing.T) {
	t.Parallel()

	sim, err := NewSimulatedSigner([]byte("session-seed"))
	require.NoError(t, err)
	defer sim.Close()

	typedData, err := BuildTypedData(testChallenge(t), sim.Address(), time.Now())
	require.NoError(t, err)

	signature, digest, err := sim.Sign(typedData)
	require.NoError(t, err)

	// The pseudo-signature must not recover the simulated payer address.
	require.Error(t, VerifySignature(digest, signature, sim.Address()))
}

func TestSimulatedDiffersFromLive(t *testing.T) {
	t.Parallel()

	live, err := NewLiveSigner(testPrivateKey)
	require.NoError(t, err)
	defer live.Close()
	sim, err := NewSimulatedSigner([]byte("session-seed"))
	require.NoError(t, err)
	defer sim.Close()

	ch := testChallenge(t)
	liveData, err := BuildTypedData(ch, live.Address(), time.Now())
	require.NoError(t, err)
	simData, err := BuildTypedData(ch, sim.Address(), time.Now())
	require.NoError(t, err)

	liveSig, _, err := live.Sign(liveData)
	require.NoError(t, err)
	simSig, _, err := sim.Sign(simData)
	require.NoError(t, err)

	assert.NotEqual(t, live.Address(), sim.Address())
	assert.NotEqual(t, liveSig, simSig)
}

func TestNonceGuardUnique(t *testing.T) {
	t.Parallel()

	guard := NewNonceGuard()
	seen := make(map[[32]byte]struct{})
	for i := 0; i < 64; i++ {
		nonce, err := guard.Next()
		require.NoError(t, err)
		_, dup := seen[nonce]
		require.False(t, dup, "nonce issued twice")
		seen[nonce] = struct{}{}
		assert.True(t, guard.Used(nonce))
	}

	var unknown [32]byte
	unknown[0] = 0xff
	assert.False(t, guard.Used(unknown))
}

func TestFormatAmount(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0.010000", FormatAmount(bigInt(t, "10000"), 6))
	assert.Equal(t, "10.000000", FormatAmount(bigInt(t, "10000000"), 6))
	assert.Equal(t, "0", FormatAmount(nil, 6))
}
