package goSignIn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goSignIn/turn"
)

// Status is the state reported by a [SignInResponse].
type Status string

const (
	// StatusComplete means a token is available.
	StatusComplete Status = "complete"
	// StatusPending means the user still has to act.
	StatusPending Status = "pending"
	// StatusError means the flow ended without a token.
	StatusError Status = "error"
)

// SignInResponse is the universal result of handler operations and of the
// Orchestrator entry points. Token is set only for StatusComplete and Cause only
// for StatusError.
type SignInResponse struct {
	Status Status
	Token  string
	Cause  error
}

// CompleteResponse returns a StatusComplete response carrying token.
func CompleteResponse(token string) SignInResponse {
	return SignInResponse{Status: StatusComplete, Token: token}
}

// PendingResponse returns a StatusPending response.
func PendingResponse() SignInResponse {
	return SignInResponse{Status: StatusPending}
}

// ErrorResponse returns a StatusError response with cause.
func ErrorResponse(cause error) SignInResponse {
	if cause == nil {
		cause = ErrSignInFailed
	}
	return SignInResponse{Status: StatusError, Cause: cause}
}

// RecordedResponse is the serializable, token-free form of a [SignInResponse]
// left in [ManualContext] for a blocking caller.
type RecordedResponse struct {
	Status Status `json:"status"`
	Cause  string `json:"cause,omitempty"`
}

// Record strips the token and flattens the cause.
func Record(resp SignInResponse) RecordedResponse {
	out := RecordedResponse{Status: resp.Status}
	if resp.Cause != nil {
		out.Cause = resp.Cause.Error()
	}
	return out
}

// errorResponse rebuilds an Error response from a recorded one. Causes matching
// a package sentinel keep that sentinel in the chain.
func (r RecordedResponse) errorResponse() SignInResponse {
	for _, sentinel := range []error{ErrSignInTimeout, ErrSignInAborted, ErrSignInRateLimited, ErrExchangeFailed} {
		if r.Cause == sentinel.Error() {
			return ErrorResponse(fmt.Errorf("%w: %w", ErrSignInFailed, sentinel))
		}
	}
	if r.Cause == "" {
		return ErrorResponse(ErrSignInFailed)
	}
	return ErrorResponse(fmt.Errorf("%w: %s", ErrSignInFailed, r.Cause))
}

// SignInState is the per-conversation record persisted while a flow runs.
// ActiveHandler is set if and only if a flow is Pending.
type SignInState struct {
	ActiveHandler      string         `json:"activeHandler,omitempty"`
	InitiatingActivity *turn.Activity `json:"initiatingActivity,omitempty"`
	Manual             *ManualContext `json:"manual,omitempty"`
}

// ManualContext is present while a blocking [Orchestrator.SignInUser] caller
// waits for the flow of Handler. Responses maps handler name to the outcome
// recorded for it; an unconsumed response outlives the flow that produced it.
type ManualContext struct {
	Handler            string                      `json:"handler,omitempty"`
	ExchangeConnection string                      `json:"exchangeConnection,omitempty"`
	ExchangeScopes     []string                    `json:"exchangeScopes,omitempty"`
	Responses          map[string]RecordedResponse `json:"responses,omitempty"`
}

func (m *ManualContext) record(handler string, resp SignInResponse) {
	if m.Responses == nil {
		m.Responses = make(map[string]RecordedResponse, 1)
	}
	m.Responses[handler] = Record(resp)
}

// awaiting reports whether the blocking caller still waits on handler.
func (m *ManualContext) awaiting(handler string) bool {
	if m == nil || m.Handler != handler {
		return false
	}
	_, done := m.Responses[handler]
	return !done
}

// unconsumed reports whether any recorded response is still to be picked up.
func (m *ManualContext) unconsumed() bool {
	return m != nil && len(m.Responses) > 0
}

// FailureFunc observes a failed automatic flow. It runs at most once per
// failure, after the persisted state has been cleared. Its error is returned
// from [Orchestrator.StartOrContinueSignInUser] unmodified.
type FailureFunc func(ctx context.Context, tc *turn.Context, handler string, resp SignInResponse, initiating *turn.Activity) error

// TriggerFunc reports whether the current turn should start a sign-in flow.
type TriggerFunc func(ctx context.Context, tc *turn.Context) bool

// Clock abstracts time for the blocking poll loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type signInOptions struct {
	exchangeConnection string
	exchangeScopes     []string
}

// SignInOption customizes one [Orchestrator.SignInUser] call.
type SignInOption func(*signInOptions)

// WithExchangeConnection overrides the connection used for token exchange.
func WithExchangeConnection(name string) SignInOption {
	return func(o *signInOptions) {
		o.exchangeConnection = name
	}
}

// WithExchangeScopes overrides the scopes requested on token exchange.
func WithExchangeScopes(scopes ...string) SignInOption {
	return func(o *signInOptions) {
		o.exchangeScopes = append([]string(nil), scopes...)
	}
}

// IsTimeout reports whether resp ended because its poll budget ran out.
func IsTimeout(resp SignInResponse) bool {
	return resp.Status == StatusError && errors.Is(resp.Cause, ErrSignInTimeout)
}
