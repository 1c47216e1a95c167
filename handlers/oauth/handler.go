package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	goSignIn "github.com/MrEthical07/goSignIn"
	"github.com/MrEthical07/goSignIn/internal/logging"
	"github.com/MrEthical07/goSignIn/storage"
	"github.com/MrEthical07/goSignIn/turn"
)

// OAuthCardContentType is the attachment content type of the sign-in card.
const OAuthCardContentType = "application/vnd.microsoft.card.oauth"

var (
	// ErrInvalidConfig is returned by New for unusable configuration.
	ErrInvalidConfig = errors.New("oauth: invalid config")
	// ErrIdentityMissing means the activity carries no channel or user id.
	ErrIdentityMissing = errors.New("oauth: activity has no channel or user id")
	// ErrNoActiveFlow means a continuation arrived with no flow in progress.
	ErrNoActiveFlow = errors.New("oauth: no sign-in flow in progress")
	// ErrFlowExpired means the flow was not continued within Config.Timeout.
	ErrFlowExpired = errors.New("oauth: sign-in flow expired")
	// ErrProviderFailed wraps errors returned by the TokenClient.
	ErrProviderFailed = errors.New("oauth: token provider failed")
)

var magicCodePattern = regexp.MustCompile(`^\d{6}$`)

// TokenResponse is a token issued by the provider. A zero Expiration means
// the provider did not report one.
type TokenResponse struct {
	ConnectionName string
	Token          string
	Expiration     time.Time
}

// TokenExchangeResource lets SSO capable clients exchange a token silently.
type TokenExchangeResource struct {
	ID         string `json:"id,omitempty"`
	URI        string `json:"uri,omitempty"`
	ProviderID string `json:"providerId,omitempty"`
}

// SignInResource is what the provider needs the user to see.
type SignInResource struct {
	SignInLink            string
	TokenExchangeResource *TokenExchangeResource
}

// TokenClient talks to the provider token service. GetUserToken and
// ExchangeToken return a nil response when no token is available.
type TokenClient interface {
	GetUserToken(ctx context.Context, connection, channelID, userID, magicCode string) (*TokenResponse, error)
	GetSignInResource(ctx context.Context, connection string, activity *turn.Activity) (SignInResource, error)
	ExchangeToken(ctx context.Context, connection, channelID, userID, token string, scopes []string) (*TokenResponse, error)
	SignOut(ctx context.Context, connection, channelID, userID string) error
}

// Config configures a Handler.
type Config struct {
	ConnectionName     string        `yaml:"connectionName"`
	Title              string        `yaml:"title"`
	Text               string        `yaml:"text"`
	InvalidCodeMessage string        `yaml:"invalidCodeMessage"`
	Timeout            time.Duration `yaml:"timeout"`
	CacheSize          int           `yaml:"cacheSize"`
	KeyPrefix          string        `yaml:"keyPrefix"`
}

// DefaultConfig returns defaults for everything but ConnectionName.
func DefaultConfig() Config {
	return Config{
		Title:     "Sign in",
		Text:      "Please sign in to continue.",
		Timeout:   15 * time.Minute,
		CacheSize: 256,
		KeyPrefix: "oauth-flow",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Title == "" {
		c.Title = d.Title
	}
	if c.Text == "" {
		c.Text = d.Text
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	return c
}

// Option customizes a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// Handler is a goSignIn.FlowHandler for one OAuth connection.
type Handler struct {
	cfg    Config
	client TokenClient
	store  storage.Store
	cache  *tokenCache
	logger zerolog.Logger
	now    func() time.Time
}

var (
	_ goSignIn.FlowHandler    = (*Handler)(nil)
	_ goSignIn.TokenExchanger = (*Handler)(nil)
)

// New builds a Handler. store holds per-user flow state.
func New(cfg Config, client TokenClient, store storage.Store, opts ...Option) (*Handler, error) {
	cfg = cfg.withDefaults()
	switch {
	case strings.TrimSpace(cfg.ConnectionName) == "":
		return nil, fmt.Errorf("%w: connection name is required", ErrInvalidConfig)
	case client == nil:
		return nil, fmt.Errorf("%w: token client is required", ErrInvalidConfig)
	case store == nil:
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}

	h := &Handler{
		cfg:    cfg,
		client: client,
		store:  store,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	cache, err := newTokenCache(cfg.CacheSize, h.now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	h.cache = cache
	h.logger = h.logger.With().Str("connection", cfg.ConnectionName).Logger()
	return h, nil
}

// Timeout implements goSignIn.FlowHandler.
func (h *Handler) Timeout() time.Duration {
	return h.cfg.Timeout
}

type identity struct {
	channelID string
	userID    string
}

func (id identity) owner() string {
	return ownerKey(id.channelID, id.userID)
}

func identify(tc *turn.Context) (identity, error) {
	if tc == nil || tc.Activity() == nil {
		return identity{}, ErrIdentityMissing
	}
	a := tc.Activity()
	if a.ChannelID == "" || a.From.ID == "" {
		return identity{}, ErrIdentityMissing
	}
	return identity{channelID: a.ChannelID, userID: a.From.ID}, nil
}

// StartOrContinue implements goSignIn.FlowHandler.
func (h *Handler) StartOrContinue(ctx context.Context, tc *turn.Context, forceSignIn bool, exchangeConnection string, exchangeScopes []string) goSignIn.SignInResponse {
	id, err := identify(tc)
	if err != nil {
		return goSignIn.ErrorResponse(err)
	}
	if forceSignIn {
		return h.start(ctx, tc, id, exchangeConnection, exchangeScopes)
	}

	flow, ok, err := h.loadFlow(ctx, id)
	if err != nil {
		return goSignIn.ErrorResponse(err)
	}
	if !ok {
		return goSignIn.ErrorResponse(ErrNoActiveFlow)
	}
	if !h.now().Before(flow.ExpiresAt) {
		h.clearFlow(ctx, id)
		return goSignIn.ErrorResponse(fmt.Errorf("%w: %w", ErrFlowExpired, goSignIn.ErrSignInTimeout))
	}
	return h.continueFlow(ctx, tc, id, flow, exchangeConnection, exchangeScopes)
}

// GetUserToken implements goSignIn.FlowHandler. It returns "" when the user
// has not signed in.
func (h *Handler) GetUserToken(ctx context.Context, tc *turn.Context, exchangeConnection string, exchangeScopes []string) (string, error) {
	id, err := identify(tc)
	if err != nil {
		return "", err
	}
	token, err := h.userToken(ctx, id)
	if err != nil || token == "" {
		return "", err
	}
	return h.onBehalfOf(ctx, id, token, exchangeConnection, exchangeScopes)
}

// ResetState implements goSignIn.FlowHandler. It signs the user out at the
// provider and drops flow state and cached tokens.
func (h *Handler) ResetState(ctx context.Context, tc *turn.Context) error {
	id, err := identify(tc)
	if err != nil {
		return err
	}
	purged := h.cache.purge(id.owner())
	if err := h.store.Delete(ctx, []string{h.flowKey(id)}); err != nil {
		return err
	}
	if err := h.client.SignOut(ctx, h.cfg.ConnectionName, id.channelID, id.userID); err != nil {
		return fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}
	h.logger.Debug().Str("channel", id.channelID).Int("purged", purged).Msg("oauth state reset")
	return nil
}

// ExchangeToken implements goSignIn.TokenExchanger. A successful exchange is
// cached for the connection named in req.
func (h *Handler) ExchangeToken(ctx context.Context, req goSignIn.ExchangeRequest) (string, error) {
	connection := req.ConnectionName
	if connection == "" {
		connection = h.cfg.ConnectionName
	}
	tr, err := h.client.ExchangeToken(ctx, connection, req.ChannelID, req.UserID, req.Token, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}
	if tr == nil || tr.Token == "" {
		return "", nil
	}
	owner := ownerKey(req.ChannelID, req.UserID)
	h.cache.put(cacheKey(connection, req.ChannelID, req.UserID, nil), owner, tr.Token, tr.Expiration)
	return tr.Token, nil
}

func (h *Handler) start(ctx context.Context, tc *turn.Context, id identity, exchangeConnection string, exchangeScopes []string) goSignIn.SignInResponse {
	token, err := h.userToken(ctx, id)
	if err != nil {
		return goSignIn.ErrorResponse(err)
	}
	if token != "" {
		return h.complete(ctx, id, token, exchangeConnection, exchangeScopes)
	}

	res, err := h.client.GetSignInResource(ctx, h.cfg.ConnectionName, tc.Activity())
	if err != nil {
		return goSignIn.ErrorResponse(fmt.Errorf("%w: %w", ErrProviderFailed, err))
	}
	card, err := h.signInCard(res)
	if err != nil {
		return goSignIn.ErrorResponse(err)
	}

	now := h.now()
	flow := flowState{Connection: h.cfg.ConnectionName, StartedAt: now, ExpiresAt: now.Add(h.cfg.Timeout)}
	if err := h.saveFlow(ctx, id, flow); err != nil {
		return goSignIn.ErrorResponse(err)
	}
	if _, err := tc.SendActivity(ctx, card); err != nil {
		h.clearFlow(ctx, id)
		return goSignIn.ErrorResponse(err)
	}
	h.logger.Debug().Str("channel", id.channelID).Time("expires_at", flow.ExpiresAt).Msg("oauth card sent")
	return goSignIn.PendingResponse()
}

func (h *Handler) continueFlow(ctx context.Context, tc *turn.Context, id identity, flow flowState, exchangeConnection string, exchangeScopes []string) goSignIn.SignInResponse {
	a := tc.Activity()
	var (
		tr  *TokenResponse
		err error
	)
	switch {
	case a.IsInvoke(turn.InvokeVerifyState):
		var v struct {
			State string `json:"state"`
		}
		if json.Unmarshal(a.Value, &v) != nil || v.State == "" {
			return goSignIn.PendingResponse()
		}
		tr, err = h.client.GetUserToken(ctx, flow.Connection, id.channelID, id.userID, v.State)
	case a.IsInvoke(turn.InvokeTokenExchange):
		var req goSignIn.ExchangeRequest
		if json.Unmarshal(a.Value, &req) != nil || req.Token == "" {
			return goSignIn.PendingResponse()
		}
		if token, ok := h.cache.get(cacheKey(flow.Connection, id.channelID, id.userID, nil)); ok {
			tr = &TokenResponse{ConnectionName: flow.Connection, Token: token}
			break
		}
		tr, err = h.client.ExchangeToken(ctx, flow.Connection, id.channelID, id.userID, req.Token, nil)
	case a.Type == turn.TypeMessage && magicCodePattern.MatchString(strings.TrimSpace(a.Text)):
		tr, err = h.client.GetUserToken(ctx, flow.Connection, id.channelID, id.userID, strings.TrimSpace(a.Text))
	default:
		return goSignIn.PendingResponse()
	}

	if err != nil {
		h.clearFlow(ctx, id)
		return goSignIn.ErrorResponse(fmt.Errorf("%w: %w", ErrProviderFailed, err))
	}
	if tr == nil || tr.Token == "" {
		if a.Type == turn.TypeMessage && h.cfg.InvalidCodeMessage != "" {
			if _, err := tc.SendActivity(ctx, turn.NewMessage(h.cfg.InvalidCodeMessage)); err != nil {
				h.logger.Warn().Err(err).Msg("invalid code reply failed")
			}
		}
		return goSignIn.PendingResponse()
	}

	h.cache.put(cacheKey(flow.Connection, id.channelID, id.userID, nil), id.owner(), tr.Token, tr.Expiration)
	h.clearFlow(ctx, id)
	return h.complete(ctx, id, tr.Token, exchangeConnection, exchangeScopes)
}

func (h *Handler) complete(ctx context.Context, id identity, token, exchangeConnection string, exchangeScopes []string) goSignIn.SignInResponse {
	out, err := h.onBehalfOf(ctx, id, token, exchangeConnection, exchangeScopes)
	if err != nil {
		return goSignIn.ErrorResponse(err)
	}
	if out == "" {
		return goSignIn.ErrorResponse(goSignIn.ErrExchangeFailed)
	}
	h.logger.Debug().Str("channel", id.channelID).Str("token", logging.Redact(out)).Msg("oauth token issued")
	return goSignIn.CompleteResponse(out)
}

// userToken returns the cached or provider held token for the configured
// connection.
func (h *Handler) userToken(ctx context.Context, id identity) (string, error) {
	key := cacheKey(h.cfg.ConnectionName, id.channelID, id.userID, nil)
	if token, ok := h.cache.get(key); ok {
		return token, nil
	}
	tr, err := h.client.GetUserToken(ctx, h.cfg.ConnectionName, id.channelID, id.userID, "")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}
	if tr == nil || tr.Token == "" {
		return "", nil
	}
	h.cache.put(key, id.owner(), tr.Token, tr.Expiration)
	return tr.Token, nil
}

// onBehalfOf exchanges token for one scoped to exchangeConnection. With no
// exchange connection token is returned as is.
func (h *Handler) onBehalfOf(ctx context.Context, id identity, token, exchangeConnection string, exchangeScopes []string) (string, error) {
	if exchangeConnection == "" {
		return token, nil
	}
	key := cacheKey(exchangeConnection, id.channelID, id.userID, exchangeScopes)
	if cached, ok := h.cache.get(key); ok {
		return cached, nil
	}
	tr, err := h.client.ExchangeToken(ctx, exchangeConnection, id.channelID, id.userID, token, exchangeScopes)
	if err != nil {
		return "", fmt.Errorf("%w: %w", goSignIn.ErrExchangeFailed, err)
	}
	if tr == nil || tr.Token == "" {
		return "", nil
	}
	h.cache.put(key, id.owner(), tr.Token, tr.Expiration)
	return tr.Token, nil
}

type cardAction struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	Value string `json:"value"`
}

type oauthCard struct {
	Text                  string                 `json:"text,omitempty"`
	ConnectionName        string                 `json:"connectionName"`
	Buttons               []cardAction           `json:"buttons"`
	TokenExchangeResource *TokenExchangeResource `json:"tokenExchangeResource,omitempty"`
}

func (h *Handler) signInCard(res SignInResource) (*turn.Activity, error) {
	content, err := json.Marshal(oauthCard{
		Text:                  h.cfg.Text,
		ConnectionName:        h.cfg.ConnectionName,
		Buttons:               []cardAction{{Type: "signin", Title: h.cfg.Title, Value: res.SignInLink}},
		TokenExchangeResource: res.TokenExchangeResource,
	})
	if err != nil {
		return nil, err
	}
	msg := turn.NewMessage("")
	msg.Attachments = []turn.Attachment{{ContentType: OAuthCardContentType, Content: content}}
	return msg, nil
}
