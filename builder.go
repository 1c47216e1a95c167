package goSignIn

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MrEthical07/goSignIn/internal/flows"
	"github.com/MrEthical07/goSignIn/internal/logging"
	"github.com/MrEthical07/goSignIn/internal/rate"
	"github.com/MrEthical07/goSignIn/storage"
	"github.com/MrEthical07/goSignIn/turn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Builder assembles an [Orchestrator]. Configure it during initialization and
// call Build once.
type Builder struct {
	config Config

	store      storage.Store
	dedupStore storage.Store
	redis      redis.UniversalClient

	handlers   map[string]FlowHandler
	handlerErr error

	proactive turn.ProactiveProcessor
	trigger   TriggerFunc
	exchanger TokenExchanger
	failure   FailureFunc

	logger    *zerolog.Logger
	auditSink AuditSink
	clock     Clock

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config:   defaultConfig(),
		handlers: make(map[string]FlowHandler),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore sets the store holding per-conversation SignInState. Required.
func (b *Builder) WithStore(store storage.Store) *Builder {
	b.store = store
	return b
}

// WithDedupStore sets a separate store for token-exchange claims. Claims must
// outlive the winning turn so late duplicates are still rejected; give the
// store an expiry. Without it claims go to a Redis store derived from
// WithRedis with Dedup TTL, to a process-local store with the same TTL when
// the state store is a [storage.MemoryStore], or else to the state store
// itself, where they are never expired.
func (b *Builder) WithDedupStore(store storage.Store) *Builder {
	b.dedupStore = store
	return b
}

// WithRedis enables the forced-start limiter and the TTL-bounded claim store.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithHandler registers h under name. Names are case-sensitive and unique.
func (b *Builder) WithHandler(name string, h FlowHandler) *Builder {
	if _, dup := b.handlers[name]; dup && b.handlerErr == nil {
		b.handlerErr = fmt.Errorf("%w: duplicate handler %q", ErrHandlerInvalid, name)
	}
	b.handlers[name] = h
	return b
}

// WithProactive sets the processor used to replay initiating activities. Required.
func (b *Builder) WithProactive(p turn.ProactiveProcessor) *Builder {
	b.proactive = p
	return b
}

// WithTrigger replaces the default trigger, which fires on message activities
// when Config.AutoSignIn is set.
func (b *Builder) WithTrigger(fn TriggerFunc) *Builder {
	b.trigger = fn
	return b
}

// WithTokenExchanger enables deduplication of signin/tokenExchange invokes.
func (b *Builder) WithTokenExchanger(ex TokenExchanger) *Builder {
	b.exchanger = ex
	return b
}

// WithFailureHandler is the build-time form of [Orchestrator.OnUserSignInFailure].
func (b *Builder) WithFailureHandler(fn FailureFunc) *Builder {
	b.failure = fn
	return b
}

func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = &logger
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock replaces the wall clock used by the poll loop and audit timestamps.
func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and dependencies. Every failure is a
// configuration error and matches one of the Err* construction sentinels.
func (b *Builder) Build() (*Orchestrator, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}

	cfg := cloneConfig(b.config)

	if b.store == nil {
		return nil, ErrStoreRequired
	}
	if b.proactive == nil {
		return nil, ErrProactiveRequired
	}
	if len(b.handlers) == 0 {
		return nil, ErrNoHandlers
	}
	if b.handlerErr != nil {
		return nil, b.handlerErr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.Security.MaxSignInStarts > 0 && b.redis == nil {
		return nil, fmt.Errorf("%w: Security MaxSignInStarts", ErrRedisRequired)
	}

	// -------- HANDLER REGISTRY --------
	registry, err := NewRegistry(cfg.DefaultHandler, b.handlers)
	if err != nil {
		return nil, err
	}

	// -------- LOGGER --------
	logger := zerolog.Nop()
	switch {
	case b.logger != nil:
		logger = *b.logger
	case strings.TrimSpace(cfg.Log.Level) != "":
		logger = logging.NewWithWriter(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stderr)
	}
	logger = logger.With().Str("component", "signin").Logger()

	var clock flows.Clock = flows.SystemClock()
	if b.clock != nil {
		clock = b.clock
	}

	// -------- CLAIM STORE --------
	dedup := b.dedupStore
	if dedup == nil {
		dedup = claimStore(b.store, b.redis, cfg.Dedup.TTL, clock)
	}

	trigger := b.trigger
	if trigger == nil {
		trigger = autoSignInTrigger(cfg.AutoSignIn)
	}

	o := &Orchestrator{
		config:     cfg,
		registry:   registry,
		store:      b.store,
		dedupStore: dedup,
		proactive:  b.proactive,
		trigger:    trigger,
		exchanger:  b.exchanger,
		failure:    b.failure,
		logger:     logger,
		clock:      clock,
	}
	if b.redis != nil {
		o.limiter = rate.New(b.redis, rate.Config{
			MaxStarts: cfg.Security.MaxSignInStarts,
			Window:    cfg.Security.StartWindow,
		})
	}
	o.audit = newAuditDispatcher(cfg.Audit, b.auditSink, logger)
	o.metrics = NewMetrics(cfg.Metrics)

	if o.exchanger == nil {
		logger.Debug().Msg("no token exchanger configured, exchange deduplication disabled")
	}

	b.built = true

	return o, nil
}

// claimStore picks where exchange claims live when no dedup store was set.
// A process-local state store gets a process-local claim store with the same
// TTL as Redis. Any other state store keeps claims itself and never expires
// them.
func claimStore(state storage.Store, client redis.UniversalClient, ttl time.Duration, clock flows.Clock) storage.Store {
	if client != nil {
		return storage.NewRedisStore(client, "", ttl)
	}
	if _, local := state.(*storage.MemoryStore); local && ttl > 0 {
		return storage.NewMemoryStore(storage.WithMemoryTTL(ttl), storage.WithMemoryClock(clock.Now))
	}
	return state
}

func autoSignInTrigger(enabled bool) TriggerFunc {
	return func(_ context.Context, tc *turn.Context) bool {
		if !enabled || tc == nil || tc.Activity() == nil {
			return false
		}
		return tc.Activity().Type == turn.TypeMessage
	}
}
