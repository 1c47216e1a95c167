package goSignIn

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreRequired is returned by Build when no state store was supplied.
	ErrStoreRequired = errors.New("state store required")
	// ErrProactiveRequired is returned by Build when no proactive processor was supplied.
	ErrProactiveRequired = errors.New("proactive processor required")
	// ErrNoHandlers is returned by Build when no flow handler was registered.
	ErrNoHandlers = errors.New("at least one flow handler required")
	// ErrDefaultHandlerUnresolved is returned by Build when the default handler name
	// does not resolve in the registry.
	ErrDefaultHandlerUnresolved = errors.New("default flow handler unresolved")
	// ErrHandlerInvalid is returned by Build for blank, duplicate, or nil handler registrations.
	ErrHandlerInvalid = errors.New("invalid flow handler registration")
	// ErrBuilderUsed is returned when Build is called twice on the same Builder.
	ErrBuilderUsed = errors.New("builder already used")
	// ErrInvalidConfig wraps every [Config.Validate] failure returned by Build.
	ErrInvalidConfig = errors.New("invalid sign-in config")
	// ErrRedisRequired is returned by Build when a feature needs WithRedis.
	ErrRedisRequired = errors.New("redis client required")

	// ErrHandlerNotFound is returned when a call names an unregistered handler.
	ErrHandlerNotFound = errors.New("flow handler not found")
	// ErrFlowActive matches every [*ActiveFlowError].
	ErrFlowActive = errors.New("another sign-in flow is active")
	// ErrStateCorrupt is returned when persisted sign-in state cannot be decoded.
	ErrStateCorrupt = errors.New("sign-in state corrupt")

	// ErrExchangeFailed is the audited cause of a rejected token exchange. It is
	// reported to the channel as a precondition failure and never returned.
	ErrExchangeFailed = errors.New("token exchange failed")
	// ErrSignInTimeout is the cause of a response whose poll budget ran out.
	ErrSignInTimeout = errors.New("sign-in timed out")
	// ErrSignInAborted is the cause of a response whose persisted flow was reset
	// or taken over while a blocking caller was polling.
	ErrSignInAborted = errors.New("sign-in aborted")
	// ErrSignInFailed wraps failure causes read back from persisted state.
	ErrSignInFailed = errors.New("sign-in failed")
	// ErrSignInRateLimited is the cause of a response whose forced start was throttled.
	ErrSignInRateLimited = errors.New("sign-in rate limited")
)

// ActiveFlowError reports a request for a second flow while another handler's
// flow is Pending in the same conversation. State is left untouched.
type ActiveFlowError struct {
	Active    string
	Requested string
}

func (e *ActiveFlowError) Error() string {
	return fmt.Sprintf("sign-in flow %q is active, cannot start %q", e.Active, e.Requested)
}

// Is reports whether target is [ErrFlowActive].
func (e *ActiveFlowError) Is(target error) bool {
	return target == ErrFlowActive
}
