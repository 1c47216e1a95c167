// Package turn models the minimal slice of a conversational exchange that the
// sign-in engine needs: the inbound [Activity], a per-turn [Context] with its
// outbound hook pipeline and token cache, and the [ProactiveProcessor]
// contract used to start a new turn for a previously persisted activity.
//
// The full channel schema, transport, and rendering stay with the host. A
// [Context] belongs to exactly one turn and must not be shared with another.
package turn
