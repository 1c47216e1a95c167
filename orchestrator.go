package goSignIn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/MrEthical07/goSignIn/internal/flows"
	"github.com/MrEthical07/goSignIn/internal/logging"
	"github.com/MrEthical07/goSignIn/internal/rate"
	"github.com/MrEthical07/goSignIn/storage"
	"github.com/MrEthical07/goSignIn/turn"
	"github.com/rs/zerolog"
)

// Orchestrator owns the per-conversation sign-in state machine.
//
// Orchestrator is safe for concurrent use. All per-turn data lives in the
// [turn.Context] passed to each call.
type Orchestrator struct {
	config     Config
	registry   *Registry
	store      storage.Store
	dedupStore storage.Store
	proactive  turn.ProactiveProcessor
	trigger    TriggerFunc
	exchanger  TokenExchanger
	limiter    *rate.Limiter
	logger     zerolog.Logger
	clock      flows.Clock
	audit      *auditDispatcher
	metrics    *Metrics

	mu      sync.RWMutex
	failure FailureFunc
}

// Close flushes pending audit events.
func (o *Orchestrator) Close() {
	if o == nil {
		return
	}
	if o.audit != nil {
		o.audit.Close()
	}
}

// AuditDropped returns the number of audit events dropped on a full buffer.
func (o *Orchestrator) AuditDropped() uint64 {
	if o == nil || o.audit == nil {
		return 0
	}
	return o.audit.Dropped()
}

// MetricsSnapshot returns a copy of the Orchestrator metrics.
func (o *Orchestrator) MetricsSnapshot() MetricsSnapshot {
	if o == nil || o.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return o.metrics.Snapshot()
}

// Registry returns the handler registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

func (o *Orchestrator) metricInc(id MetricID) {
	if o == nil || o.metrics == nil {
		return
	}
	o.metrics.Inc(id)
}

// OnUserSignInFailure registers the callback for failed automatic flows,
// replacing any earlier one.
func (o *Orchestrator) OnUserSignInFailure(fn FailureFunc) {
	o.mu.Lock()
	o.failure = fn
	o.mu.Unlock()
}

// GetTurnToken returns the token cached for handler during this turn, or "".
func (o *Orchestrator) GetTurnToken(tc *turn.Context, handler string) string {
	if handler == "" {
		handler = o.registry.Default()
	}
	tok, _ := tc.Token(handler)
	return tok
}

// SignOutUser drops the token cached for handler during this turn.
func (o *Orchestrator) SignOutUser(tc *turn.Context, handler string) {
	if handler == "" {
		handler = o.registry.Default()
	}
	tc.ClearToken(handler)
}

// ResetState signs the user out of handler, resets the handler, and purges the
// persisted state of the conversation.
func (o *Orchestrator) ResetState(ctx context.Context, tc *turn.Context, handler string) error {
	name, h, err := o.registry.resolve(handler)
	if err != nil {
		return err
	}
	o.SignOutUser(tc, name)
	if err := h.ResetState(ctx, tc); err != nil {
		return fmt.Errorf("reset handler %q: %w", name, err)
	}
	if err := o.store.Delete(ctx, []string{o.stateKey(tc)}); err != nil {
		return fmt.Errorf("delete sign-in state: %w", err)
	}
	if a := tc.Activity(); a != nil && o.limiter != nil {
		if err := o.limiter.Reset(ctx, a.ChannelID, a.From.ID); err != nil {
			o.logger.Warn().Err(err).Msg("start limiter reset failed")
		}
	}

	o.metricInc(MetricSignInReset)
	o.emitAudit(ctx, tc, auditEventSignInReset, name, true, nil, nil)
	o.turnLogger(tc, name).Debug().Msg("sign-in state reset")
	return nil
}

// SignInUser runs a blocking sign-in for handler ("" selects the default).
//
// It fails with an [*ActiveFlowError] when another handler's flow is Pending.
// A token cached this turn is returned without consulting the handler.
// Otherwise the handler is started; a Pending result is persisted and the
// store is polled until a response is recorded for handler, the handler
// Timeout elapses, or ctx is done. Cancellation returns ctx.Err() and leaves
// the persisted state as it was.
func (o *Orchestrator) SignInUser(ctx context.Context, tc *turn.Context, handler string, opts ...SignInOption) (SignInResponse, error) {
	name, h, err := o.registry.resolve(handler)
	if err != nil {
		return SignInResponse{}, err
	}
	var so signInOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&so)
		}
	}
	log := o.turnLogger(tc, name)

	rec, err := o.loadState(ctx, tc)
	if err != nil {
		return SignInResponse{}, err
	}
	if rec.pending() && rec.state.ActiveHandler != name {
		o.metricInc(MetricFlowActiveRejected)
		return SignInResponse{}, &ActiveFlowError{Active: rec.state.ActiveHandler, Requested: name}
	}

	if tok, ok := tc.Token(name); ok {
		o.metricInc(MetricTurnTokenHit)
		return CompleteResponse(tok), nil
	}

	resp := o.startHandler(ctx, tc, h, name, true, so.exchangeConnection, so.exchangeScopes)
	switch resp.Status {
	case StatusComplete:
		tc.SetToken(name, resp.Token)
		if rec.state.ActiveHandler == name {
			if err := o.finishFlow(ctx, &rec); err != nil {
				return SignInResponse{}, err
			}
		}
		o.completed(ctx, tc, name)
		return resp, nil

	case StatusPending:
		manual := &ManualContext{
			Handler:            name,
			ExchangeConnection: so.exchangeConnection,
			ExchangeScopes:     so.exchangeScopes,
		}
		// Responses still waiting for other callers survive the new flow.
		if rec.state.Manual.unconsumed() {
			for other, recorded := range rec.state.Manual.Responses {
				if other == name {
					continue
				}
				if manual.Responses == nil {
					manual.Responses = make(map[string]RecordedResponse, len(rec.state.Manual.Responses))
				}
				manual.Responses[other] = recorded
			}
		}
		rec.state = SignInState{
			ActiveHandler:      name,
			InitiatingActivity: tc.Activity().Clone(),
			Manual:             manual,
		}
		if err := o.saveState(ctx, &rec); err != nil {
			return SignInResponse{}, err
		}
		o.metricInc(MetricSignInPending)
		o.emitAudit(ctx, tc, auditEventSignInPending, name, true, nil, map[string]string{"mode": "manual"})
		log.Debug().Msg("sign-in pending, polling")
		return o.pollForResponse(ctx, tc, h, name, so)

	default:
		resp = ErrorResponse(resp.Cause)
		if rec.state.ActiveHandler == name {
			if err := o.finishFlow(ctx, &rec); err != nil {
				return SignInResponse{}, err
			}
		}
		o.failed(ctx, tc, name, resp)
		return resp, nil
	}
}

// pollForResponse waits for a response recorded for handler by another turn.
func (o *Orchestrator) pollForResponse(ctx context.Context, tc *turn.Context, h FlowHandler, name string, so signInOptions) (SignInResponse, error) {
	log := o.turnLogger(tc, name)
	timeout := h.Timeout()
	if timeout <= 0 {
		timeout = o.config.Poll.DefaultTimeout
	}
	policy := flows.PollPolicy{
		InitialDelay: o.config.Poll.InitialDelay,
		Interval:     o.config.Poll.Interval,
		Timeout:      timeout,
	}
	started := o.clock.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.Observe(MetricSignInWait, o.clock.Now().Sub(started))
		}
	}()

	resp, status, err := flows.RunPoll(ctx, o.clock, policy, func(ctx context.Context) (SignInResponse, bool, error) {
		o.metricInc(MetricPollIterations)
		rec, err := o.loadState(ctx, tc)
		if err != nil {
			return SignInResponse{}, false, err
		}

		var recorded RecordedResponse
		found := false
		if rec.exists && rec.state.Manual != nil {
			recorded, found = rec.state.Manual.Responses[name]
		}
		if !found {
			if rec.exists && rec.state.ActiveHandler == name {
				return SignInResponse{}, false, nil
			}
			return ErrorResponse(ErrSignInAborted), true, nil
		}

		if err := o.consumeResponse(ctx, &rec, name); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				// Another turn rewrote the state; the response is read again
				// on the next poll.
				return SignInResponse{}, false, nil
			}
			return SignInResponse{}, false, err
		}
		if recorded.Status != StatusComplete {
			return recorded.errorResponse(), true, nil
		}

		tok, err := h.GetUserToken(ctx, tc, so.exchangeConnection, so.exchangeScopes)
		if err != nil {
			return ErrorResponse(fmt.Errorf("%w: %w", ErrSignInFailed, err)), true, nil
		}
		if tok == "" {
			return ErrorResponse(fmt.Errorf("%w: handler returned no token after completion", ErrSignInFailed)), true, nil
		}
		return CompleteResponse(tok), true, nil
	})

	switch status {
	case flows.PollCancelled:
		log.Debug().Err(err).Msg("sign-in wait cancelled")
		return SignInResponse{}, err
	case flows.PollTimedOut:
		return o.timedOut(ctx, tc, h, name)
	}
	if err != nil {
		return SignInResponse{}, err
	}

	switch {
	case resp.Status == StatusComplete:
		tc.SetToken(name, resp.Token)
		o.completed(ctx, tc, name)
	case errors.Is(resp.Cause, ErrSignInAborted):
		o.metricInc(MetricSignInAborted)
		o.emitAudit(ctx, tc, auditEventSignInFailed, name, false, resp.Cause, nil)
		log.Warn().Msg("sign-in state vanished while waiting")
	default:
		o.failed(ctx, tc, name, resp)
	}
	return resp, nil
}

func (o *Orchestrator) timedOut(ctx context.Context, tc *turn.Context, h FlowHandler, name string) (SignInResponse, error) {
	log := o.turnLogger(tc, name)
	if err := h.ResetState(ctx, tc); err != nil {
		log.Warn().Err(err).Msg("handler reset after timeout failed")
	}
	rec, err := o.loadState(ctx, tc)
	if err != nil {
		return SignInResponse{}, err
	}
	// A flow started by another turn after this one ended is left alone.
	if rec.exists && (!rec.pending() || rec.state.ActiveHandler == name) {
		if m := rec.state.Manual; m != nil && m.Handler == name {
			m.Handler, m.ExchangeConnection, m.ExchangeScopes = "", "", nil
		}
		if err := o.finishFlow(ctx, &rec); err != nil {
			return SignInResponse{}, err
		}
	}
	o.metricInc(MetricSignInTimeout)
	o.emitAudit(ctx, tc, auditEventSignInTimeout, name, false, ErrSignInTimeout, nil)
	log.Warn().Dur("timeout", h.Timeout()).Msg("sign-in timed out")
	return ErrorResponse(ErrSignInTimeout), nil
}

// StartOrContinueSignInUser runs ahead of normal routing on every inbound
// turn. It returns proceed=true when routing should handle the turn; false
// means the turn was consumed by the sign-in flow. It never waits.
//
// handler selects the flow to start on a fresh trigger; a flow already Pending
// in the conversation always takes precedence.
func (o *Orchestrator) StartOrContinueSignInUser(ctx context.Context, tc *turn.Context, handler string) (bool, error) {
	a := tc.Activity()
	if a == nil {
		return true, nil
	}

	ack := o.trackInvokeResponse(tc)

	if a.IsInvoke(turn.InvokeTokenExchange) && o.exchanger != nil {
		won, err := o.deduplicateExchange(ctx, tc)
		if err != nil || !won {
			return false, err
		}
	}

	proceed, err := o.startOrContinue(ctx, tc, handler)
	if err != nil || proceed {
		return proceed, err
	}
	return false, ack(ctx)
}

func (o *Orchestrator) startOrContinue(ctx context.Context, tc *turn.Context, requested string) (bool, error) {
	a := tc.Activity()

	rec, err := o.loadState(ctx, tc)
	if err != nil {
		return false, err
	}
	continuation := rec.pending()
	if continuation && !sameUser(rec.state.InitiatingActivity, a) {
		// One flow per conversation: other members wait until it ends.
		o.turnLogger(tc, rec.state.ActiveHandler).Debug().Str("user", a.From.ID).Msg("turn held while another user signs in")
		return false, nil
	}
	if !continuation {
		if !o.trigger(ctx, tc) {
			return true, nil
		}
		// A fresh flow inherits only responses still owed to a blocking caller.
		var manual *ManualContext
		if rec.state.Manual.unconsumed() {
			manual = rec.state.Manual
		}
		rec.state = SignInState{Manual: manual}
	}

	name := rec.state.ActiveHandler
	if name == "" {
		name = requested
	}
	name, h, err := o.registry.resolve(name)
	if err != nil {
		return false, err
	}
	log := o.turnLogger(tc, name)

	waiter := continuation && rec.state.Manual.awaiting(name)
	var conn string
	var scopes []string
	if waiter {
		conn, scopes = rec.state.Manual.ExchangeConnection, rec.state.Manual.ExchangeScopes
	}

	resp := o.startHandler(ctx, tc, h, name, !continuation, conn, scopes)
	switch resp.Status {
	case StatusPending:
		if !continuation {
			rec.state.ActiveHandler = name
			rec.state.InitiatingActivity = a.Clone()
			if err := o.saveState(ctx, &rec); err != nil {
				return false, err
			}
			o.metricInc(MetricSignInPending)
			o.emitAudit(ctx, tc, auditEventSignInPending, name, true, nil, map[string]string{"mode": "auto"})
		}
		log.Debug().Bool("continuation", continuation).Msg("sign-in pending")
		return false, nil

	case StatusComplete:
		tc.SetToken(name, resp.Token)
		if waiter {
			return false, o.recordForWaiter(ctx, &rec, name, resp)
		}
		initiating := rec.state.InitiatingActivity
		if err := o.finishFlow(ctx, &rec); err != nil {
			return false, err
		}
		o.completed(ctx, tc, name)

		if initiating != nil && !turn.Equal(initiating, a) {
			o.metricInc(MetricSignInReplayed)
			o.emitAudit(ctx, tc, auditEventSignInReplayed, name, true, nil, nil)
			log.Debug().Msg("replaying initiating activity")
			if err := o.proactive.ProcessProactive(ctx, tc.Identity(), initiating); err != nil {
				return false, fmt.Errorf("replay initiating activity: %w", err)
			}
			return false, nil
		}
		return true, nil

	default:
		resp = ErrorResponse(resp.Cause)
		if waiter {
			return false, o.recordForWaiter(ctx, &rec, name, resp)
		}
		initiating := rec.state.InitiatingActivity
		if initiating == nil {
			initiating = a.Clone()
		}
		if err := o.finishFlow(ctx, &rec); err != nil {
			return false, err
		}
		o.failed(ctx, tc, name, resp)
		return false, o.dispatchFailure(ctx, tc, name, resp, initiating)
	}
}

// sameUser reports whether a comes from the member who started the flow.
// Flows persisted without an initiating activity accept anyone.
func sameUser(initiating, a *turn.Activity) bool {
	if initiating == nil || initiating.From.ID == "" {
		return true
	}
	return initiating.From.ID == a.From.ID
}

// recordForWaiter leaves a token-free response for the blocking caller and
// ends the Pending flow.
func (o *Orchestrator) recordForWaiter(ctx context.Context, rec *stateRecord, name string, resp SignInResponse) error {
	rec.state.ActiveHandler = ""
	rec.state.Manual.record(name, resp)
	return o.saveState(ctx, rec)
}

// finishFlow ends the current flow. Responses still owed to a blocking caller
// are kept; otherwise the state is deleted.
func (o *Orchestrator) finishFlow(ctx context.Context, rec *stateRecord) error {
	if !rec.state.Manual.unconsumed() {
		return o.deleteState(ctx, rec)
	}
	rec.state = SignInState{Manual: rec.state.Manual}
	return o.saveState(ctx, rec)
}

// consumeResponse removes the response recorded for name. The state goes with
// it unless another flow or response still lives there.
func (o *Orchestrator) consumeResponse(ctx context.Context, rec *stateRecord, name string) error {
	m := rec.state.Manual
	delete(m.Responses, name)
	if m.Handler == name {
		m.Handler, m.ExchangeConnection, m.ExchangeScopes = "", "", nil
	}
	if m.Handler == "" && len(m.Responses) == 0 {
		rec.state.Manual = nil
	}
	if rec.state.ActiveHandler == "" && rec.state.Manual == nil {
		return o.deleteState(ctx, rec)
	}
	return o.saveState(ctx, rec)
}

func (o *Orchestrator) dispatchFailure(ctx context.Context, tc *turn.Context, name string, resp SignInResponse, initiating *turn.Activity) error {
	o.mu.RLock()
	fn := o.failure
	o.mu.RUnlock()

	if fn != nil {
		return fn(ctx, tc, name, resp, initiating)
	}
	if _, err := tc.SendActivity(ctx, turn.NewMessage(o.config.FailureMessage)); err != nil {
		return fmt.Errorf("send failure notice: %w", err)
	}
	return nil
}

// startHandler applies the start limiter to forced starts before calling h.
func (o *Orchestrator) startHandler(ctx context.Context, tc *turn.Context, h FlowHandler, name string, force bool, conn string, scopes []string) SignInResponse {
	if force {
		if a := tc.Activity(); a != nil && o.limiter.Enabled() {
			if err := o.limiter.AllowStart(ctx, a.ChannelID, a.From.ID); err != nil {
				if errors.Is(err, rate.ErrRateLimited) {
					o.metricInc(MetricSignInRateLimited)
					return ErrorResponse(ErrSignInRateLimited)
				}
				o.turnLogger(tc, name).Warn().Err(err).Msg("start limiter unavailable, allowing start")
			}
		}
		o.metricInc(MetricSignInStarted)
		o.emitAudit(ctx, tc, auditEventSignInStarted, name, true, nil, nil)
	}
	return h.StartOrContinue(ctx, tc, force, conn, scopes)
}

func (o *Orchestrator) completed(ctx context.Context, tc *turn.Context, name string) {
	o.metricInc(MetricSignInCompleted)
	o.emitAudit(ctx, tc, auditEventSignInCompleted, name, true, nil, nil)
	if tok, ok := tc.Token(name); ok {
		o.turnLogger(tc, name).Debug().Str("token", logging.Redact(tok)).Msg("sign-in complete")
	}
}

func (o *Orchestrator) failed(ctx context.Context, tc *turn.Context, name string, resp SignInResponse) {
	o.metricInc(MetricSignInFailed)
	o.emitAudit(ctx, tc, auditEventSignInFailed, name, false, resp.Cause, nil)
	o.turnLogger(tc, name).Warn().Err(resp.Cause).Msg("sign-in failed")
}

// trackInvokeResponse watches outbound sends of an invoke turn and returns a
// function that emits a single 200 acknowledgment unless an invoke response
// already went out.
func (o *Orchestrator) trackInvokeResponse(tc *turn.Context) func(context.Context) error {
	a := tc.Activity()
	if !a.IsInvoke(turn.InvokeVerifyState) && !a.IsInvoke(turn.InvokeTokenExchange) {
		return func(context.Context) error { return nil }
	}

	var (
		mu   sync.Mutex
		sent bool
	)
	tc.OnSend(func(ctx context.Context, tc *turn.Context, activities []*turn.Activity, next turn.SendNext) ([]turn.ResourceResponse, error) {
		out, err := next(ctx, activities)
		if err == nil {
			for _, act := range activities {
				if act.Type == turn.TypeInvokeResponse {
					mu.Lock()
					sent = true
					mu.Unlock()
					break
				}
			}
		}
		return out, err
	})

	return func(ctx context.Context) error {
		mu.Lock()
		done := sent
		mu.Unlock()
		if done {
			return nil
		}
		reply, err := turn.NewInvokeResponse(http.StatusOK, nil)
		if err != nil {
			return err
		}
		_, err = tc.SendActivity(ctx, reply)
		return err
	}
}

func (o *Orchestrator) turnLogger(tc *turn.Context, handler string) *zerolog.Logger {
	ctx := o.logger.With().Str("handler", handler)
	if tc != nil {
		if a := tc.Activity(); a != nil {
			ctx = ctx.Str("channel", a.ChannelID).Str("conversation", a.Conversation.ID)
		}
	}
	l := ctx.Logger()
	return &l
}
