// Package storage defines the durable key-value contract used by goSignIn for
// per-conversation sign-in state and token-exchange deduplication records.
//
// # Concurrency model
//
// Every [Item] carries a concurrency tag (ETag). A successful [Store.Write]
// always stores a freshly generated tag, so writers that present a stale tag
// lose with a [*ConflictError]. Mutual exclusion is expressed purely through
// this compare-and-swap; the contract has no locks or leases. Among any number
// of simultaneous writers supplying the same tag for a key that does not exist
// yet, exactly one creates the item and the rest observe a conflict.
//
// # What this package must NOT do
//
//   - Retry a write after a conflict. Callers decide what a conflict means.
//   - Report infrastructure failures as [ErrConflict].
//   - Import goSignIn or any sibling package.
package storage
