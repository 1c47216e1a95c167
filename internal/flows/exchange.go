package flows

import (
	"context"
	"errors"
)

// ErrEmptyExchangeToken is reported when the provider answers an exchange
// without a token.
var ErrEmptyExchangeToken = errors.New("token exchange returned empty token")

// ExchangeOutcome classifies a deduplicated token exchange.
type ExchangeOutcome int

const (
	// ExchangeProceed means this delivery won the claim and owns the turn.
	ExchangeProceed ExchangeOutcome = iota
	// ExchangeFailed means the provider call failed or returned no token.
	ExchangeFailed
	// ExchangeDuplicate means another delivery already claimed the id.
	ExchangeDuplicate
)

// ExchangeDeps wires the exchange-then-claim sequence.
type ExchangeDeps struct {
	Exchange   func(ctx context.Context) (string, error)
	Claim      func(ctx context.Context) error
	IsConflict func(error) bool
}

// ExchangeResult carries the outcome. Cause is set for ExchangeFailed and
// ExchangeDuplicate and is never returned as an error.
type ExchangeResult struct {
	Outcome ExchangeOutcome
	Token   string
	Cause   error
}

// RunTokenExchange performs the provider exchange first and claims the
// exchange id only after a successful exchange. Every duplicate therefore
// still reaches the provider, but only the claim winner proceeds. Claim
// failures other than conflicts are returned unmodified.
func RunTokenExchange(ctx context.Context, deps ExchangeDeps) (ExchangeResult, error) {
	token, err := deps.Exchange(ctx)
	if err != nil {
		return ExchangeResult{Outcome: ExchangeFailed, Cause: err}, nil
	}
	if token == "" {
		return ExchangeResult{Outcome: ExchangeFailed, Cause: ErrEmptyExchangeToken}, nil
	}

	if err := deps.Claim(ctx); err != nil {
		if deps.IsConflict != nil && deps.IsConflict(err) {
			return ExchangeResult{Outcome: ExchangeDuplicate, Cause: err}, nil
		}
		return ExchangeResult{}, err
	}
	return ExchangeResult{Outcome: ExchangeProceed, Token: token}, nil
}
