package x402

import (
	"errors"
	"fmt"
)

// Sentinel errors for the payment flow. Callers match them with errors.Is;
// the client wraps them in *FetchError with endpoint and state context.
var (
	// ErrMalformedChallenge indicates a 402 response whose challenge could
	// not be decoded or references an unsupported asset or chain.
	ErrMalformedChallenge = errors.New("x402: malformed payment challenge")

	// ErrUnsupportedScheme indicates a challenge declaring a payment scheme
	// or protocol version the client does not implement.
	ErrUnsupportedScheme = errors.New("x402: unsupported payment scheme")

	// ErrInvalidChallenge indicates challenge fields that fail bounds
	// checks, e.g. a non-positive amount or an expiry already passed.
	ErrInvalidChallenge = errors.New("x402: invalid payment challenge")

	// ErrSigningUnavailable indicates live mode was requested without a
	// configured key.
	ErrSigningUnavailable = errors.New("x402: signing unavailable")

	// ErrPaymentRejected indicates the endpoint challenged the paid retry
	// again. The client never re-pays the same challenge.
	ErrPaymentRejected = errors.New("x402: payment rejected")

	// ErrSettlementUnconfirmed indicates the facilitator reported the
	// payment as not settled even though the resource bytes were received.
	ErrSettlementUnconfirmed = errors.New("x402: settlement unconfirmed")

	// ErrVerificationUnreachable indicates the facilitator could not be
	// reached within the retry budget. The whole fetch may be retried.
	ErrVerificationUnreachable = errors.New("x402: settlement verification unreachable")

	// ErrUnexpectedStatus indicates a non-402, non-2xx response.
	ErrUnexpectedStatus = errors.New("x402: unexpected response status")

	// ErrCancelled indicates the fetch context was cancelled.
	ErrCancelled = errors.New("x402: fetch cancelled")

	// ErrNonceReused guards the per-session replay protection; it should
	// never surface in a correct flow.
	ErrNonceReused = errors.New("x402: authorization nonce reused")
)

// State identifies where in the payment flow a fetch currently is.
type State string

const (
	StateRequesting        State = "requesting"
	StateChallengeReceived State = "challenge_received"
	StateAuthorizing       State = "authorizing"
	StateRetrying          State = "retrying"
	StateSettled           State = "settled"
	StateFailed            State = "failed"
)

// FetchError is the typed failure returned by Client.Fetch. It wraps one
// of the sentinel errors above and records where the flow stopped.
type FetchError struct {
	State    State
	Endpoint string
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%v (state %s, endpoint %s, status %d)", e.Err, e.State, e.Endpoint, e.Status)
	}
	return fmt.Sprintf("%v (state %s, endpoint %s)", e.Err, e.State, e.Endpoint)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func failf(state State, endpoint string, sentinel error, format string, args ...any) *FetchError {
	err := sentinel
	if format != "" {
		err = fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)
	}
	return &FetchError{State: state, Endpoint: endpoint, Err: err}
}

func failStatus(state State, endpoint string, status int) *FetchError {
	return &FetchError{
		State:    state,
		Endpoint: endpoint,
		Status:   status,
		Err:      fmt.Errorf("%w: %d", ErrUnexpectedStatus, status),
	}
}
