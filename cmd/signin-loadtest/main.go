// Command signin-loadtest fans out duplicate token-exchange deliveries
// against a Redis backed Orchestrator and reports how many deliveries won
// each exchange. Every attempt must end with exactly one winner.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	goSignIn "github.com/MrEthical07/goSignIn"
	"github.com/MrEthical07/goSignIn/handlers/oauth"
	"github.com/MrEthical07/goSignIn/storage"
	"github.com/MrEthical07/goSignIn/turn"
)

const connection = "loadtest"

func main() {
	var (
		attempts    = flag.Int("attempts", 1000, "number of distinct sign-in attempts")
		duplicates  = flag.Int("duplicates", 8, "deliveries of the same exchange per attempt")
		concurrency = flag.Int("concurrency", 256, "maximum in-flight deliveries")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "gss", "redis key prefix")
	)
	flag.Parse()

	if *attempts <= 0 || *duplicates <= 0 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "attempts, duplicates, and concurrency must be > 0")
		os.Exit(2)
	}

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	store := storage.NewRedisStore(client, *prefix, 0)
	handler, err := oauth.New(oauth.Config{ConnectionName: connection}, staticTokens{}, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "handler: %v\n", err)
		os.Exit(1)
	}
	orch, err := goSignIn.New().
		WithStore(store).
		WithRedis(client).
		WithHandler(connection, handler).
		WithTokenExchanger(handler).
		WithProactive(discardProactive{}).
		WithMetricsEnabled(true).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build: %v\n", err)
		os.Exit(1)
	}
	defer orch.Close()

	res, err := run(context.Background(), orch, *attempts, *duplicates, *concurrency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("---- results ----")
	res.print()
	snap := orch.MetricsSnapshot()
	fmt.Printf("metrics: claimed=%d duplicate=%d failed=%d\n",
		snap.Counters[goSignIn.MetricTokenExchangeClaimed],
		snap.Counters[goSignIn.MetricTokenExchangeDuplicate],
		snap.Counters[goSignIn.MetricTokenExchangeFailed],
	)
	if res.violations > 0 {
		os.Exit(1)
	}
}

type result struct {
	total      time.Duration
	deliveries int
	conflicts  int64
	violations int
	winners    map[int64]int
	latencies  []time.Duration
}

func run(ctx context.Context, orch *goSignIn.Orchestrator, attempts, duplicates, concurrency int) (result, error) {
	var (
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, attempts*duplicates)
		conflicts atomic.Int64
		wins      = make([]atomic.Int64, attempts)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	start := time.Now()
	for a := 0; a < attempts; a++ {
		for d := 0; d < duplicates; d++ {
			g.Go(func() error {
				sender := &countingSender{}
				tc := turn.NewContext(delivery(a, d), sender, turn.Identity{AppID: "signin-loadtest"})
				t0 := time.Now()
				proceed, err := orch.StartOrContinueSignInUser(gctx, tc, "")
				elapsed := time.Since(t0)
				if err != nil {
					return fmt.Errorf("attempt %d delivery %d: %w", a, d, err)
				}
				if proceed {
					wins[a].Add(1)
				}
				conflicts.Add(sender.conflicts.Load())
				mu.Lock()
				latencies = append(latencies, elapsed)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return result{}, err
	}

	res := result{
		total:      time.Since(start),
		deliveries: len(latencies),
		conflicts:  conflicts.Load(),
		winners:    make(map[int64]int),
		latencies:  latencies,
	}
	for i := range wins {
		n := wins[i].Load()
		res.winners[n]++
		if n != 1 {
			res.violations++
		}
	}
	sort.Slice(res.latencies, func(i, j int) bool { return res.latencies[i] < res.latencies[j] })
	return res, nil
}

func (r result) print() {
	fmt.Printf("deliveries=%d conflicts=%d total=%s deliveries/sec=%.0f\n",
		r.deliveries, r.conflicts, r.total.Round(time.Millisecond), float64(r.deliveries)/r.total.Seconds())
	fmt.Printf("latency p50=%s p95=%s p99=%s\n",
		percentile(r.latencies, 50).Round(time.Microsecond),
		percentile(r.latencies, 95).Round(time.Microsecond),
		percentile(r.latencies, 99).Round(time.Microsecond),
	)
	counts := make([]int64, 0, len(r.winners))
	for n := range r.winners {
		counts = append(counts, n)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i] < counts[j] })
	for _, n := range counts {
		fmt.Printf("attempts with %d winner(s): %d\n", n, r.winners[n])
	}
	if r.violations > 0 {
		fmt.Printf("VIOLATIONS: %d attempts did not have exactly one winner\n", r.violations)
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func delivery(attempt, dup int) *turn.Activity {
	value, _ := json.Marshal(goSignIn.ExchangeRequest{
		ID:             fmt.Sprintf("exchange-%d", attempt),
		ConnectionName: connection,
		Token:          "client-sso-token",
	})
	return &turn.Activity{
		Type:         turn.TypeInvoke,
		Name:         turn.InvokeTokenExchange,
		ID:           fmt.Sprintf("delivery-%d-%d", attempt, dup),
		ChannelID:    "loadtest",
		Conversation: turn.ConversationAccount{ID: fmt.Sprintf("conv-%d", attempt)},
		From:         turn.ChannelAccount{ID: fmt.Sprintf("user-%d", attempt)},
		Recipient:    turn.ChannelAccount{ID: "bot"},
		Value:        value,
	}
}

// staticTokens exchanges every client token successfully.
type staticTokens struct{}

func (staticTokens) GetUserToken(context.Context, string, string, string, string) (*oauth.TokenResponse, error) {
	return nil, nil
}

func (staticTokens) GetSignInResource(context.Context, string, *turn.Activity) (oauth.SignInResource, error) {
	return oauth.SignInResource{SignInLink: "https://login.invalid/"}, nil
}

func (staticTokens) ExchangeToken(_ context.Context, conn, _, userID, _ string, _ []string) (*oauth.TokenResponse, error) {
	return &oauth.TokenResponse{ConnectionName: conn, Token: "token-" + userID, Expiration: time.Now().Add(time.Hour)}, nil
}

func (staticTokens) SignOut(context.Context, string, string, string) error { return nil }

type discardProactive struct{}

func (discardProactive) ProcessProactive(context.Context, turn.Identity, *turn.Activity) error {
	return nil
}

type countingSender struct {
	conflicts atomic.Int64
}

func (s *countingSender) SendActivities(_ context.Context, activities []*turn.Activity) ([]turn.ResourceResponse, error) {
	for _, a := range activities {
		if a.Type != turn.TypeInvokeResponse {
			continue
		}
		var resp turn.InvokeResponse
		if json.Unmarshal(a.Value, &resp) == nil && resp.Status == http.StatusConflict {
			s.conflicts.Add(1)
		}
	}
	return make([]turn.ResourceResponse, len(activities)), nil
}

func (s *countingSender) UpdateActivity(_ context.Context, a *turn.Activity) (turn.ResourceResponse, error) {
	return turn.ResourceResponse{ID: a.ID}, nil
}

func (s *countingSender) DeleteActivity(context.Context, string) error { return nil }
