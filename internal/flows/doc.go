// Package flows contains the pure decision logic behind the Orchestrator's
// operations: the cancellable poll-with-backoff loop used by blocking sign-in
// and the exchange-then-claim sequence used for token-exchange deduplication.
//
// Each flow accepts its dependencies as function values or small interfaces
// and holds no state between calls. Time is injected through [Clock] so the
// poll loop can be driven deterministically in tests.
//
// # What this package must NOT do
//
//   - Import goSignIn.
//   - Perform I/O directly. Storage and provider calls arrive as dependencies.
package flows
