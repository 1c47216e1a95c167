package goSignIn

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MrEthical07/goSignIn/turn"
)

// FlowHandler implements one sign-in mechanism. Handlers own their token
// caches and timeouts; the Orchestrator never reads tokens from storage.
type FlowHandler interface {
	// StartOrContinue starts a new attempt when forceSignIn is set, otherwise
	// it advances the attempt already in progress with the current activity.
	StartOrContinue(ctx context.Context, tc *turn.Context, forceSignIn bool, exchangeConnection string, exchangeScopes []string) SignInResponse
	// GetUserToken returns the cached token, or "" when none is available.
	GetUserToken(ctx context.Context, tc *turn.Context, exchangeConnection string, exchangeScopes []string) (string, error)
	// ResetState discards handler-side flow state and cached tokens.
	ResetState(ctx context.Context, tc *turn.Context) error
	// Timeout bounds a blocking sign-in.
	Timeout() time.Duration
}

// Registry resolves handlers by case-sensitive name.
type Registry struct {
	handlers    map[string]FlowHandler
	defaultName string
}

// NewRegistry validates handlers and resolves defaultName. An empty
// defaultName resolves only when exactly one handler is registered.
func NewRegistry(defaultName string, handlers map[string]FlowHandler) (*Registry, error) {
	if len(handlers) == 0 {
		return nil, ErrNoHandlers
	}
	r := &Registry{handlers: make(map[string]FlowHandler, len(handlers))}
	for name, h := range handlers {
		if strings.TrimSpace(name) == "" || name != strings.TrimSpace(name) {
			return nil, fmt.Errorf("%w: handler name %q", ErrHandlerInvalid, name)
		}
		if h == nil {
			return nil, fmt.Errorf("%w: handler %q is nil", ErrHandlerInvalid, name)
		}
		r.handlers[name] = h
	}

	if defaultName == "" && len(r.handlers) == 1 {
		for name := range r.handlers {
			defaultName = name
		}
	}
	if _, ok := r.handlers[defaultName]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrDefaultHandlerUnresolved, defaultName)
	}
	r.defaultName = defaultName
	return r, nil
}

// TryGet returns the handler registered under name.
func (r *Registry) TryGet(name string) (FlowHandler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[name]
	return h, ok
}

// Default returns the default handler name.
func (r *Registry) Default() string {
	return r.defaultName
}

// Names returns the registered handler names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// resolve maps "" to the default handler.
func (r *Registry) resolve(name string) (string, FlowHandler, error) {
	if name == "" {
		name = r.defaultName
	}
	h, ok := r.TryGet(name)
	if !ok {
		return name, nil, fmt.Errorf("%w: %q", ErrHandlerNotFound, name)
	}
	return name, h, nil
}
