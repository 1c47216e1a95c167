package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	goSignIn "github.com/MrEthical07/goSignIn"
	"github.com/MrEthical07/goSignIn/storage"
	"github.com/MrEthical07/goSignIn/turn"
)

type fakeClient struct {
	mu sync.Mutex

	cached     *TokenResponse
	codes      map[string]*TokenResponse
	exchanged  map[string]*TokenResponse
	getErr     error
	exchErr    error
	signOutErr error

	getCalls      int
	exchangeCalls int
	signOuts      int
	lastScopes    []string
}

func (c *fakeClient) GetUserToken(_ context.Context, connection, channelID, userID, magicCode string) (*TokenResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getCalls++
	if c.getErr != nil {
		return nil, c.getErr
	}
	if magicCode == "" {
		return c.cached, nil
	}
	return c.codes[magicCode], nil
}

func (c *fakeClient) GetSignInResource(_ context.Context, connection string, _ *turn.Activity) (SignInResource, error) {
	return SignInResource{
		SignInLink:            "https://login.example.test/" + connection,
		TokenExchangeResource: &TokenExchangeResource{ID: "ter-1", URI: "api://bot"},
	}, nil
}

func (c *fakeClient) ExchangeToken(_ context.Context, connection, channelID, userID, token string, scopes []string) (*TokenResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchangeCalls++
	c.lastScopes = scopes
	if c.exchErr != nil {
		return nil, c.exchErr
	}
	return c.exchanged[connection], nil
}

func (c *fakeClient) SignOut(context.Context, string, string, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signOuts++
	c.cached = nil
	return c.signOutErr
}

type recordingSender struct {
	mu   sync.Mutex
	sent []*turn.Activity
}

func (s *recordingSender) SendActivities(_ context.Context, activities []*turn.Activity) ([]turn.ResourceResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, activities...)
	return make([]turn.ResourceResponse, len(activities)), nil
}

func (s *recordingSender) UpdateActivity(_ context.Context, a *turn.Activity) (turn.ResourceResponse, error) {
	return turn.ResourceResponse{ID: a.ID}, nil
}

func (s *recordingSender) DeleteActivity(context.Context, string) error { return nil }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	h      *Handler
	client *fakeClient
	store  *storage.MemoryStore
	clock  *testClock
}

func newFixture(t *testing.T, client *fakeClient, cfg Config) *fixture {
	t.Helper()
	if cfg.ConnectionName == "" {
		cfg.ConnectionName = "graph"
	}
	f := &fixture{
		client: client,
		store:  storage.NewMemoryStore(),
		clock:  &testClock{now: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)},
	}
	h, err := New(cfg, client, f.store, WithNow(f.clock.Now))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.h = h
	return f
}

func activity(typ, name, text string, value any) *turn.Activity {
	a := &turn.Activity{
		Type:         typ,
		Name:         name,
		Text:         text,
		ChannelID:    "msteams",
		Conversation: turn.ConversationAccount{ID: "conv-1"},
		From:         turn.ChannelAccount{ID: "user-1"},
	}
	if value != nil {
		a.Value, _ = json.Marshal(value)
	}
	return a
}

func turnFor(a *turn.Activity) (*turn.Context, *recordingSender) {
	s := &recordingSender{}
	return turn.NewContext(a, s, turn.Identity{}), s
}

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1", "exp": exp.Unix()}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return s
}

func (f *fixture) startPending(t *testing.T) {
	t.Helper()
	tc, sender := turnFor(activity(turn.TypeMessage, "", "hello", nil))
	resp := f.h.StartOrContinue(context.Background(), tc, true, "", nil)
	if resp.Status != goSignIn.StatusPending {
		t.Fatalf("expected pending, got %+v", resp)
	}
	if len(sender.sent) != 1 || len(sender.sent[0].Attachments) != 1 {
		t.Fatalf("expected one oauth card, got %+v", sender.sent)
	}
	if sender.sent[0].Attachments[0].ContentType != OAuthCardContentType {
		t.Fatalf("unexpected attachment %q", sender.sent[0].Attachments[0].ContentType)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	store := storage.NewMemoryStore()
	if _, err := New(Config{}, &fakeClient{}, store); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing connection, got %v", err)
	}
	if _, err := New(Config{ConnectionName: "graph"}, nil, store); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing client, got %v", err)
	}
	if _, err := New(Config{ConnectionName: "graph"}, &fakeClient{}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing store, got %v", err)
	}
	h, err := New(Config{ConnectionName: "graph"}, &fakeClient{}, store)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if h.Timeout() != 15*time.Minute {
		t.Fatalf("expected default timeout, got %v", h.Timeout())
	}
}

func TestStartCompletesWithProviderCachedToken(t *testing.T) {
	f := newFixture(t, &fakeClient{cached: &TokenResponse{Token: "cached-token"}}, Config{})
	tc, sender := turnFor(activity(turn.TypeMessage, "", "hi", nil))

	resp := f.h.StartOrContinue(context.Background(), tc, true, "", nil)
	if resp.Status != goSignIn.StatusComplete || resp.Token != "cached-token" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(sender.sent) != 0 {
		t.Fatal("no card is sent when a token exists")
	}
	if f.store.Len() != 0 {
		t.Fatal("no flow state is persisted when a token exists")
	}
}

func TestStartSendsCardAndPersistsFlow(t *testing.T) {
	f := newFixture(t, &fakeClient{}, Config{Title: "Connect"})
	tc, sender := turnFor(activity(turn.TypeMessage, "", "hi", nil))

	if resp := f.h.StartOrContinue(context.Background(), tc, true, "", nil); resp.Status != goSignIn.StatusPending {
		t.Fatalf("expected pending, got %+v", resp)
	}
	var card oauthCard
	if err := json.Unmarshal(sender.sent[0].Attachments[0].Content, &card); err != nil {
		t.Fatalf("decode card: %v", err)
	}
	if card.ConnectionName != "graph" || len(card.Buttons) != 1 || card.Buttons[0].Title != "Connect" {
		t.Fatalf("unexpected card %+v", card)
	}
	if card.Buttons[0].Value != "https://login.example.test/graph" || card.TokenExchangeResource == nil {
		t.Fatalf("card is missing sign-in resources %+v", card)
	}

	flow, ok, err := f.h.loadFlow(context.Background(), identity{channelID: "msteams", userID: "user-1"})
	if err != nil || !ok {
		t.Fatalf("expected persisted flow, ok=%v err=%v", ok, err)
	}
	if !flow.ExpiresAt.Equal(f.clock.Now().Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", flow.ExpiresAt)
	}
}

func TestContinueWithMagicCode(t *testing.T) {
	f := newFixture(t, &fakeClient{codes: map[string]*TokenResponse{"123456": {Token: "magic-token"}}}, Config{InvalidCodeMessage: "That code did not work."})
	f.startPending(t)

	tc, sender := turnFor(activity(turn.TypeMessage, "", "654321", nil))
	if resp := f.h.StartOrContinue(context.Background(), tc, false, "", nil); resp.Status != goSignIn.StatusPending {
		t.Fatalf("wrong code keeps the flow pending, got %+v", resp)
	}
	if len(sender.sent) != 1 || sender.sent[0].Text != "That code did not work." {
		t.Fatalf("expected invalid code reply, got %+v", sender.sent)
	}

	tc, _ = turnFor(activity(turn.TypeMessage, "", "not a code", nil))
	if resp := f.h.StartOrContinue(context.Background(), tc, false, "", nil); resp.Status != goSignIn.StatusPending {
		t.Fatalf("unrelated message keeps the flow pending, got %+v", resp)
	}

	tc, _ = turnFor(activity(turn.TypeMessage, "", " 123456 ", nil))
	resp := f.h.StartOrContinue(context.Background(), tc, false, "", nil)
	if resp.Status != goSignIn.StatusComplete || resp.Token != "magic-token" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if f.store.Len() != 0 {
		t.Fatal("completed flow must be cleared")
	}

	token, err := f.h.GetUserToken(context.Background(), tc, "", nil)
	if err != nil || token != "magic-token" {
		t.Fatalf("expected cached token, got %q err=%v", token, err)
	}
}

func TestContinueWithVerifyStateInvoke(t *testing.T) {
	f := newFixture(t, &fakeClient{codes: map[string]*TokenResponse{"state-9": {Token: "verified"}}}, Config{})
	f.startPending(t)

	tc, _ := turnFor(activity(turn.TypeInvoke, turn.InvokeVerifyState, "", map[string]string{"state": "state-9"}))
	resp := f.h.StartOrContinue(context.Background(), tc, false, "", nil)
	if resp.Status != goSignIn.StatusComplete || resp.Token != "verified" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestContinueWithTokenExchangeUsesDedupedExchange(t *testing.T) {
	client := &fakeClient{exchanged: map[string]*TokenResponse{"graph": {Token: "sso-token"}}}
	f := newFixture(t, client, Config{})
	f.startPending(t)

	req := goSignIn.ExchangeRequest{ID: "x1", ConnectionName: "graph", Token: "client-token", ChannelID: "msteams", UserID: "user-1"}
	token, err := f.h.ExchangeToken(context.Background(), req)
	if err != nil || token != "sso-token" {
		t.Fatalf("ExchangeToken got %q err=%v", token, err)
	}

	tc, _ := turnFor(activity(turn.TypeInvoke, turn.InvokeTokenExchange, "", req))
	resp := f.h.StartOrContinue(context.Background(), tc, false, "", nil)
	if resp.Status != goSignIn.StatusComplete || resp.Token != "sso-token" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if client.exchangeCalls != 1 {
		t.Fatalf("continuation must reuse the exchanged token, got %d exchanges", client.exchangeCalls)
	}
}

func TestContinueWithoutFlow(t *testing.T) {
	f := newFixture(t, &fakeClient{}, Config{})
	tc, _ := turnFor(activity(turn.TypeMessage, "", "123456", nil))
	resp := f.h.StartOrContinue(context.Background(), tc, false, "", nil)
	if resp.Status != goSignIn.StatusError || !errors.Is(resp.Cause, ErrNoActiveFlow) {
		t.Fatalf("expected ErrNoActiveFlow, got %+v", resp)
	}
}

func TestFlowExpires(t *testing.T) {
	f := newFixture(t, &fakeClient{codes: map[string]*TokenResponse{"123456": {Token: "late"}}}, Config{Timeout: time.Minute})
	f.startPending(t)
	f.clock.advance(time.Minute)

	tc, _ := turnFor(activity(turn.TypeMessage, "", "123456", nil))
	resp := f.h.StartOrContinue(context.Background(), tc, false, "", nil)
	if !errors.Is(resp.Cause, ErrFlowExpired) || !goSignIn.IsTimeout(resp) {
		t.Fatalf("expected expired timeout response, got %+v", resp)
	}
	if f.store.Len() != 0 {
		t.Fatal("expired flow must be cleared")
	}
}

func TestProviderErrorEndsFlow(t *testing.T) {
	client := &fakeClient{}
	f := newFixture(t, client, Config{})
	f.startPending(t)
	client.getErr = errors.New("503 from token service")

	tc, _ := turnFor(activity(turn.TypeMessage, "", "123456", nil))
	resp := f.h.StartOrContinue(context.Background(), tc, false, "", nil)
	if resp.Status != goSignIn.StatusError || !errors.Is(resp.Cause, ErrProviderFailed) {
		t.Fatalf("expected provider failure, got %+v", resp)
	}
	if f.store.Len() != 0 {
		t.Fatal("failed flow must be cleared")
	}
}

func TestOnBehalfOfExchange(t *testing.T) {
	client := &fakeClient{
		cached:    &TokenResponse{Token: "base"},
		exchanged: map[string]*TokenResponse{"graph-obo": {Token: "obo-token"}},
	}
	f := newFixture(t, client, Config{})
	tc, _ := turnFor(activity(turn.TypeMessage, "", "hi", nil))

	resp := f.h.StartOrContinue(context.Background(), tc, true, "graph-obo", []string{"Mail.Read"})
	if resp.Status != goSignIn.StatusComplete || resp.Token != "obo-token" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(client.lastScopes) != 1 || client.lastScopes[0] != "Mail.Read" {
		t.Fatalf("scopes not forwarded: %v", client.lastScopes)
	}

	token, err := f.h.GetUserToken(context.Background(), tc, "graph-obo", []string{"Mail.Read"})
	if err != nil || token != "obo-token" || client.exchangeCalls != 1 {
		t.Fatalf("expected cached exchange, got %q err=%v calls=%d", token, err, client.exchangeCalls)
	}

	client.exchErr = errors.New("interaction_required")
	resp = f.h.StartOrContinue(context.Background(), tc, true, "graph-obo", []string{"Files.Read"})
	if !errors.Is(resp.Cause, goSignIn.ErrExchangeFailed) {
		t.Fatalf("expected exchange failure, got %+v", resp)
	}
}

func TestCacheHonorsJWTExpiry(t *testing.T) {
	client := &fakeClient{}
	f := newFixture(t, client, Config{})
	client.cached = &TokenResponse{Token: signedJWT(t, f.clock.Now().Add(10*time.Minute))}
	tc, _ := turnFor(activity(turn.TypeMessage, "", "hi", nil))

	if token, err := f.h.GetUserToken(context.Background(), tc, "", nil); err != nil || token == "" {
		t.Fatalf("expected token, got %q err=%v", token, err)
	}
	if token, _ := f.h.GetUserToken(context.Background(), tc, "", nil); token == "" || client.getCalls != 1 {
		t.Fatalf("expected cache hit, calls=%d", client.getCalls)
	}

	f.clock.advance(10*time.Minute - expirySkew)
	client.cached = nil
	if token, _ := f.h.GetUserToken(context.Background(), tc, "", nil); token != "" {
		t.Fatalf("expired token must not be served, got %q", token)
	}
	if client.getCalls != 2 {
		t.Fatalf("expected provider lookup after expiry, calls=%d", client.getCalls)
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reported := now.Add(time.Hour)
	if got := tokenExpiry("opaque", reported, now); !got.Equal(reported.Add(-expirySkew)) {
		t.Fatalf("reported expiry wins, got %v", got)
	}
	if got := tokenExpiry("opaque", time.Time{}, now); !got.Equal(now.Add(opaqueTokenTTL)) {
		t.Fatalf("opaque token gets default ttl, got %v", got)
	}
	exp := now.Add(20 * time.Minute).Truncate(time.Second)
	if got := tokenExpiry(signedJWT(t, exp), time.Time{}, now); !got.Equal(exp.Add(-expirySkew)) {
		t.Fatalf("jwt exp is used, got %v want %v", got, exp.Add(-expirySkew))
	}
}

func TestKeysEscapeSeparators(t *testing.T) {
	if ownerKey("a|b", "c") == ownerKey("a", "b|c") {
		t.Fatal("owner keys collide")
	}
	if cacheKey("graph", "ch", "a|b", nil) == cacheKey("graph", "ch|a", "b", nil) {
		t.Fatal("cache keys collide")
	}
	f := newFixture(t, &fakeClient{}, Config{})
	if f.h.flowKey(identity{channelID: "a/b", userID: "c"}) == f.h.flowKey(identity{channelID: "a", userID: "b/c"}) {
		t.Fatal("flow keys collide")
	}
}

func TestResetStateSignsOutAndPurges(t *testing.T) {
	client := &fakeClient{}
	f := newFixture(t, client, Config{})
	f.startPending(t)
	client.cached = &TokenResponse{Token: "base"}
	tc, _ := turnFor(activity(turn.TypeMessage, "", "hi", nil))
	if token, _ := f.h.GetUserToken(context.Background(), tc, "", nil); token != "base" {
		t.Fatalf("expected token, got %q", token)
	}

	if err := f.h.ResetState(context.Background(), tc); err != nil {
		t.Fatalf("ResetState failed: %v", err)
	}
	if client.signOuts != 1 {
		t.Fatalf("expected provider sign out, got %d", client.signOuts)
	}
	if f.store.Len() != 0 {
		t.Fatal("flow state must be cleared")
	}
	if token, _ := f.h.GetUserToken(context.Background(), tc, "", nil); token != "" {
		t.Fatalf("cache must be purged, got %q", token)
	}
}

func TestMissingIdentity(t *testing.T) {
	f := newFixture(t, &fakeClient{}, Config{})
	a := activity(turn.TypeMessage, "", "hi", nil)
	a.From.ID = ""
	tc, _ := turnFor(a)
	if resp := f.h.StartOrContinue(context.Background(), tc, true, "", nil); !errors.Is(resp.Cause, ErrIdentityMissing) {
		t.Fatalf("expected ErrIdentityMissing, got %+v", resp)
	}
}
