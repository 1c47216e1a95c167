package goSignIn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goSignIn/storage"
	"github.com/MrEthical07/goSignIn/turn"
)

type fakeHandler struct {
	mu       sync.Mutex
	start    func(tc *turn.Context, force bool) SignInResponse
	token    string
	tokenErr error
	timeout  time.Duration

	starts     []bool
	tokenCalls int
	resets     int
	lastConn   string
	lastScopes []string
}

func (h *fakeHandler) StartOrContinue(_ context.Context, tc *turn.Context, force bool, conn string, scopes []string) SignInResponse {
	h.mu.Lock()
	h.starts = append(h.starts, force)
	h.lastConn, h.lastScopes = conn, scopes
	start := h.start
	h.mu.Unlock()
	if start == nil {
		return PendingResponse()
	}
	return start(tc, force)
}

func (h *fakeHandler) GetUserToken(context.Context, *turn.Context, string, []string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tokenCalls++
	return h.token, h.tokenErr
}

func (h *fakeHandler) ResetState(context.Context, *turn.Context) error {
	h.mu.Lock()
	h.resets++
	h.mu.Unlock()
	return nil
}

func (h *fakeHandler) Timeout() time.Duration {
	return h.timeout
}

func (h *fakeHandler) startCalls() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.starts...)
}

func (h *fakeHandler) resetCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resets
}

type fakeSender struct {
	mu   sync.Mutex
	sent []*turn.Activity
}

func (s *fakeSender) SendActivities(_ context.Context, activities []*turn.Activity) ([]turn.ResourceResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]turn.ResourceResponse, 0, len(activities))
	for _, a := range activities {
		s.sent = append(s.sent, a)
		out = append(out, turn.ResourceResponse{ID: fmt.Sprintf("sent-%d", len(s.sent))})
	}
	return out, nil
}

func (s *fakeSender) UpdateActivity(_ context.Context, a *turn.Activity) (turn.ResourceResponse, error) {
	return turn.ResourceResponse{ID: a.ID}, nil
}

func (s *fakeSender) DeleteActivity(context.Context, string) error {
	return nil
}

func (s *fakeSender) activities() []*turn.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*turn.Activity(nil), s.sent...)
}

func (s *fakeSender) invokeResponses(t *testing.T) []turn.InvokeResponse {
	t.Helper()
	var out []turn.InvokeResponse
	for _, a := range s.activities() {
		if a.Type != turn.TypeInvokeResponse {
			continue
		}
		var resp turn.InvokeResponse
		if err := json.Unmarshal(a.Value, &resp); err != nil {
			t.Fatalf("decode invoke response: %v", err)
		}
		out = append(out, resp)
	}
	return out
}

type fakeProactive struct {
	mu       sync.Mutex
	replayed []*turn.Activity
	err      error
}

func (p *fakeProactive) ProcessProactive(_ context.Context, _ turn.Identity, a *turn.Activity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replayed = append(p.replayed, a)
	return p.err
}

func (p *fakeProactive) calls() []*turn.Activity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*turn.Activity(nil), p.replayed...)
}

// fakeClock advances by the requested duration on every After call. With
// waiting set, After signals it once and never fires.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waits   []time.Duration
	waiting chan struct{}
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	if c.waiting != nil {
		w := c.waiting
		c.mu.Unlock()
		select {
		case w <- struct{}{}:
		default:
		}
		return make(chan time.Time)
	}
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// injectingStore runs inject once, before the first Read at or after at.
type injectingStore struct {
	storage.Store
	clock  *fakeClock
	at     time.Time
	once   sync.Once
	inject func()
}

func (s *injectingStore) Read(ctx context.Context, keys []string) (map[string]storage.Item, error) {
	if !s.clock.Now().Before(s.at) {
		s.once.Do(s.inject)
	}
	return s.Store.Read(ctx, keys)
}

type failingStore struct {
	storage.Store
	writeErr error
}

func (s *failingStore) Write(context.Context, map[string]storage.Item) error {
	return s.writeErr
}

type testEnv struct {
	orch      *Orchestrator
	store     *storage.MemoryStore
	proactive *fakeProactive
	clock     *fakeClock
}

func newTestEnv(t *testing.T, handlers map[string]FlowHandler, configure func(*Builder)) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     storage.NewMemoryStore(),
		proactive: &fakeProactive{},
		clock:     newFakeClock(),
	}
	b := New().
		WithStore(env.store).
		WithProactive(env.proactive).
		WithClock(env.clock).
		WithMetricsEnabled(true)
	for name, h := range handlers {
		b.WithHandler(name, h)
	}
	if configure != nil {
		configure(b)
	}
	orch, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	env.orch = orch
	t.Cleanup(orch.Close)
	return env
}

func alwaysTrigger(context.Context, *turn.Context) bool { return true }

func newMessage(id, text string) *turn.Activity {
	return &turn.Activity{
		Type:         turn.TypeMessage,
		ID:           id,
		ChannelID:    "msteams",
		ServiceURL:   "https://smba.example.test/",
		Conversation: turn.ConversationAccount{ID: "conv-1", TenantID: "tenant-1"},
		From:         turn.ChannelAccount{ID: "user-1", Name: "Ada"},
		Recipient:    turn.ChannelAccount{ID: "bot-1"},
		Text:         text,
	}
}

func newInvoke(id, name string, value any) *turn.Activity {
	a := newMessage(id, "")
	a.Type = turn.TypeInvoke
	a.Name = name
	if value != nil {
		raw, _ := json.Marshal(value)
		a.Value = raw
	}
	return a
}

func newTurn(a *turn.Activity) (*turn.Context, *fakeSender) {
	sender := &fakeSender{}
	return turn.NewContext(a, sender, turn.Identity{AppID: "app-1"}), sender
}

func testStateKey() string {
	return StateKey(defaultConfig().State.KeyPrefix, "msteams", "conv-1")
}

func readState(t *testing.T, store storage.Store) (SignInState, bool) {
	t.Helper()
	items, err := store.Read(context.Background(), []string{testStateKey()})
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	item, ok := items[testStateKey()]
	if !ok {
		return SignInState{}, false
	}
	var st SignInState
	if err := json.Unmarshal(item.Value, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return st, true
}

func writeState(t *testing.T, store storage.Store, st SignInState) {
	t.Helper()
	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("encode state: %v", err)
	}
	if err := store.Write(context.Background(), map[string]storage.Item{testStateKey(): {Value: raw, ETag: storage.AnyTag}}); err != nil {
		t.Fatalf("write state: %v", err)
	}
}

// recordExternally plays the part of another turn recording a response. Like
// the orchestrator, it ends the Pending flow.
func recordExternally(t *testing.T, store storage.Store, handler string, resp SignInResponse) {
	t.Helper()
	st, ok := readState(t, store)
	if !ok {
		t.Fatalf("expected persisted state before recording")
	}
	if st.Manual == nil {
		st.Manual = &ManualContext{}
	}
	st.ActiveHandler = ""
	st.Manual.record(handler, resp)
	writeState(t, store, st)
}
