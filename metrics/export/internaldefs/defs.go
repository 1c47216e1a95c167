package internaldefs

import (
	goSignIn "github.com/MrEthical07/goSignIn"
)

// BucketCount is the number of wait histogram buckets, overflow included.
const BucketCount = len(goSignIn.HistogramBounds) + 1

// CounterDef names one Orchestrator counter for exporters.
type CounterDef struct {
	ID   goSignIn.MetricID
	Name string
	Help string
}

// HistogramDef names one Orchestrator histogram for exporters.
type HistogramDef struct {
	ID   goSignIn.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: goSignIn.MetricSignInStarted, Name: "gosignin_signin_started_total", Help: "Forced sign-in starts."},
	{ID: goSignIn.MetricSignInPending, Name: "gosignin_signin_pending_total", Help: "Sign-in flows persisted as pending."},
	{ID: goSignIn.MetricSignInCompleted, Name: "gosignin_signin_completed_total", Help: "Sign-in flows that produced a token."},
	{ID: goSignIn.MetricSignInFailed, Name: "gosignin_signin_failed_total", Help: "Sign-in flows that ended with an error."},
	{ID: goSignIn.MetricSignInTimeout, Name: "gosignin_signin_timeout_total", Help: "Blocking sign-ins that ran out of time."},
	{ID: goSignIn.MetricSignInAborted, Name: "gosignin_signin_aborted_total", Help: "Blocking sign-ins aborted by a reset or another flow."},
	{ID: goSignIn.MetricSignInRateLimited, Name: "gosignin_signin_rate_limited_total", Help: "Sign-in starts denied by the start limiter."},
	{ID: goSignIn.MetricSignInReset, Name: "gosignin_signin_reset_total", Help: "Explicit sign-in state resets."},
	{ID: goSignIn.MetricSignInReplayed, Name: "gosignin_signin_replayed_total", Help: "Initiating activities replayed as proactive turns."},
	{ID: goSignIn.MetricFlowActiveRejected, Name: "gosignin_flow_active_rejected_total", Help: "Requests rejected because another flow was pending."},
	{ID: goSignIn.MetricStateConflict, Name: "gosignin_state_conflict_total", Help: "State writes that lost an etag race."},
	{ID: goSignIn.MetricTurnTokenHit, Name: "gosignin_turn_token_hit_total", Help: "Tokens served from the same-turn cache."},
	{ID: goSignIn.MetricTokenExchangeClaimed, Name: "gosignin_token_exchange_claimed_total", Help: "Token exchanges that won the dedup claim."},
	{ID: goSignIn.MetricTokenExchangeFailed, Name: "gosignin_token_exchange_failed_total", Help: "Token exchanges rejected by the provider."},
	{ID: goSignIn.MetricTokenExchangeDuplicate, Name: "gosignin_token_exchange_duplicate_total", Help: "Token exchanges rejected as duplicates."},
	{ID: goSignIn.MetricPollIterations, Name: "gosignin_poll_iterations_total", Help: "State reads performed by blocking sign-ins."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goSignIn.MetricSignInWait, Name: "gosignin_signin_wait_seconds", Help: "Time blocking sign-ins spent waiting."},
}

// HistogramBounds are the bucket labels in seconds.
var HistogramBounds = []string{
	"1",
	"2",
	"5",
	"10",
	"30",
	"60",
	"300",
	"+Inf",
}

// HistogramBoundSuffix are HistogramBounds made safe for instrument names.
var HistogramBoundSuffix = []string{
	"1",
	"2",
	"5",
	"10",
	"30",
	"60",
	"300",
	"inf",
}

// UpperBounds returns the finite bucket bounds in seconds.
func UpperBounds() []float64 {
	out := make([]float64, len(goSignIn.HistogramBounds))
	for i, d := range goSignIn.HistogramBounds {
		out[i] = d.Seconds()
	}
	return out
}

// NormalizeBuckets copies raw into a fixed size array, dropping extras and
// zero filling a short slice.
func NormalizeBuckets(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into running totals.
func CumulativeBuckets(raw [BucketCount]uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
