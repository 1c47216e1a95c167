// Package goSignIn provides a restart-tolerant sign-in orchestration engine for
// conversational agents with pluggable per-flow handlers and token-exchange
// deduplication.
//
// The package is designed for concurrent turn processing: [Orchestrator] methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build]. Per-turn data (the token cache, outbound hooks) lives in the
// [turn.Context] handed to every call and is never shared across turns.
//
// # Architecture boundaries
//
// goSignIn is the public surface. It exposes [Orchestrator], [Builder], [Config],
// the [FlowHandler] contract, and value types ([SignInResponse], [SignInState]).
// The poll loop, the exchange-then-claim decision, the start limiter, and the
// logger construction live under internal/ and are never exported.
//
// # State machine
//
// A conversation is Idle when no [SignInState] is stored, and Pending while
// [SignInState.ActiveHandler] is set. Completion caches the token in the turn and
// clears the state; failure clears the state and dispatches the failure callback
// exactly once. All persisted writes are optimistic: the state is re-read
// immediately before every decision and written back with the tag of that read.
//
// # What this package must NOT do
//
//   - Persist raw tokens. Completed manual flows are recorded without the token and
//     the blocking caller re-derives it through the handler.
//   - Sleep outside [Orchestrator.SignInUser].
//   - Import any sub-package that re-imports goSignIn (no import cycles).
package goSignIn
