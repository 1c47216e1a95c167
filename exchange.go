package goSignIn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrEthical07/goSignIn/internal/flows"
	"github.com/MrEthical07/goSignIn/storage"
	"github.com/MrEthical07/goSignIn/turn"
)

// DuplicateExchangeDetail is the failure detail of the 409 reply sent to
// deliveries that lost the exchange claim.
const DuplicateExchangeDetail = "duplicate token exchange; proceed with regular login"

// ExchangeRequest is the value of a signin/tokenExchange invoke. ChannelID and
// UserID are filled from the activity.
type ExchangeRequest struct {
	ID             string `json:"id"`
	ConnectionName string `json:"connectionName"`
	Token          string `json:"token"`

	ChannelID string `json:"-"`
	UserID    string `json:"-"`
}

// TokenExchanger performs the provider-side exchange of a client token.
type TokenExchanger interface {
	ExchangeToken(ctx context.Context, req ExchangeRequest) (string, error)
}

// ExchangeFailure is the body of 4xx replies to token-exchange invokes.
type ExchangeFailure struct {
	ID             string `json:"id"`
	ConnectionName string `json:"connectionName"`
	FailureDetail  string `json:"failureDetail"`
}

type exchangeClaim struct {
	ID             string `json:"id"`
	ConnectionName string `json:"connectionName"`
	UserID         string `json:"userId,omitempty"`
}

// ExchangeClaimKey returns the storage key claimed for one exchange id.
func ExchangeClaimKey(prefix, channelID, conversationID, exchangeID string) string {
	return joinKey(prefix, channelID, conversationID, exchangeID)
}

// deduplicateExchange runs the exchange-then-claim sequence for a
// token-exchange invoke. It returns true when this delivery owns the turn.
// Losers and failures are answered on the channel and return false.
func (o *Orchestrator) deduplicateExchange(ctx context.Context, tc *turn.Context) (bool, error) {
	a := tc.Activity()

	var req ExchangeRequest
	if len(a.Value) == 0 || json.Unmarshal(a.Value, &req) != nil || req.ID == "" {
		o.logger.Warn().Str("conversation", a.Conversation.ID).Msg("malformed token exchange invoke")
		return false, o.replyExchange(ctx, tc, http.StatusBadRequest, ExchangeFailure{
			ID:             req.ID,
			ConnectionName: req.ConnectionName,
			FailureDetail:  "malformed token exchange request",
		})
	}
	req.ChannelID = a.ChannelID
	req.UserID = a.From.ID

	key := ExchangeClaimKey(o.config.Dedup.KeyPrefix, a.ChannelID, a.Conversation.ID, req.ID)
	result, err := flows.RunTokenExchange(ctx, flows.ExchangeDeps{
		Exchange: func(ctx context.Context) (string, error) {
			return o.exchanger.ExchangeToken(ctx, req)
		},
		Claim: func(ctx context.Context) error {
			value, err := json.Marshal(exchangeClaim{ID: req.ID, ConnectionName: req.ConnectionName, UserID: req.UserID})
			if err != nil {
				return err
			}
			return o.dedupStore.Write(ctx, map[string]storage.Item{key: {Value: value, ETag: req.ID}})
		},
		IsConflict: storage.IsConflict,
	})
	if err != nil {
		return false, err
	}

	log := o.logger.With().
		Str("channel", a.ChannelID).
		Str("conversation", a.Conversation.ID).
		Str("exchange_id", req.ID).
		Logger()

	switch result.Outcome {
	case flows.ExchangeFailed:
		cause := fmt.Errorf("%w: %v", ErrExchangeFailed, result.Cause)
		o.metricInc(MetricTokenExchangeFailed)
		o.emitAudit(ctx, tc, auditEventTokenExchangeFailed, "", false, cause, map[string]string{
			"exchange_id": req.ID,
			"connection":  req.ConnectionName,
		})
		log.Warn().Err(cause).Msg("token exchange failed")
		detail := "token exchange failed"
		if errors.Is(result.Cause, flows.ErrEmptyExchangeToken) {
			detail = "token exchange returned no token"
		}
		return false, o.replyExchange(ctx, tc, http.StatusPreconditionFailed, ExchangeFailure{
			ID:             req.ID,
			ConnectionName: req.ConnectionName,
			FailureDetail:  detail,
		})

	case flows.ExchangeDuplicate:
		o.metricInc(MetricTokenExchangeDuplicate)
		o.emitAudit(ctx, tc, auditEventTokenExchangeDuplicate, "", true, nil, map[string]string{
			"exchange_id": req.ID,
			"connection":  req.ConnectionName,
		})
		log.Debug().Msg("duplicate token exchange")
		return false, o.replyExchange(ctx, tc, http.StatusConflict, ExchangeFailure{
			ID:             req.ID,
			ConnectionName: req.ConnectionName,
			FailureDetail:  DuplicateExchangeDetail,
		})
	}

	o.metricInc(MetricTokenExchangeClaimed)
	log.Debug().Msg("token exchange claimed")
	return true, nil
}

func (o *Orchestrator) replyExchange(ctx context.Context, tc *turn.Context, status int, body ExchangeFailure) error {
	reply, err := turn.NewInvokeResponse(status, body)
	if err != nil {
		return err
	}
	_, err = tc.SendActivity(ctx, reply)
	return err
}
