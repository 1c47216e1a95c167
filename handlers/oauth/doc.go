// Package oauth provides a goSignIn.FlowHandler backed by a provider token
// service.
//
// A flow starts by asking the provider for a cached token. When none exists
// the handler sends an OAuth card carrying the sign-in link and the SSO
// token-exchange resource, records per-user flow state in the same
// storage.Store the Orchestrator uses, and reports Pending. Later turns
// continue the flow with a six digit magic code message, a
// signin/verifyState invoke, or a signin/tokenExchange invoke. A flow that
// is not continued within Config.Timeout expires.
//
// Tokens are kept in a bounded LRU cache. Entries expire at the provider
// reported expiration, or at the JWT "exp" claim when the provider reports
// none. The cache is process local and never persisted.
//
// Handler also implements goSignIn.TokenExchanger so the Orchestrator's
// exchange deduplication performs the provider exchange once and the winning
// continuation is served from the cache.
package oauth
