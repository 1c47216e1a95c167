// Package internal groups helpers private to the goSignIn module.
//
// # Sub-packages
//
//   - flows: poll-with-backoff loop and the exchange-then-claim sequence
//   - logging: zerolog construction and token redaction
//   - rate: Redis fixed-window limiter for forced sign-in starts
//
// # What this package must NOT do
//
//   - Export types that appear in the public goSignIn API.
//   - Be imported by any package outside the goSignIn module.
package internal
