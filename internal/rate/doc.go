// Package rate provides the Redis-backed fixed-window counter that throttles
// forced sign-in starts per channel user.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key prefix:
//   - gss: forced sign-in starts per (channel, user)
//
// # What this package must NOT do
//
//   - Decide what a denied start means for the flow (the Orchestrator does).
//   - Be imported outside the goSignIn module.
package rate
