package turn

import (
	"context"
	"errors"
	"sync"
)

// ErrNoSender is returned when an outbound operation reaches a Context
// created without a Sender.
var ErrNoSender = errors.New("turn: no sender configured")

// Identity is the authenticated identity of the agent for a turn. It is
// handed back to the host when a proactive turn is started.
type Identity struct {
	AppID    string
	Audience string
	Claims   map[string]string
}

// ResourceResponse identifies an activity accepted by the channel.
type ResourceResponse struct {
	ID string `json:"id"`
}

// Sender delivers outbound operations to the channel.
type Sender interface {
	SendActivities(ctx context.Context, activities []*Activity) ([]ResourceResponse, error)
	UpdateActivity(ctx context.Context, activity *Activity) (ResourceResponse, error)
	DeleteActivity(ctx context.Context, activityID string) error
}

// ProactiveProcessor starts a brand-new top-level turn for activity.
type ProactiveProcessor interface {
	ProcessProactive(ctx context.Context, identity Identity, activity *Activity) error
}

type (
	// SendNext invokes the next stage of the send pipeline.
	SendNext func(ctx context.Context, activities []*Activity) ([]ResourceResponse, error)
	// UpdateNext invokes the next stage of the update pipeline.
	UpdateNext func(ctx context.Context, activity *Activity) (ResourceResponse, error)
	// DeleteNext invokes the next stage of the delete pipeline.
	DeleteNext func(ctx context.Context, activityID string) error
)

type (
	// SendHook intercepts outbound sends. It may inspect or replace the
	// activities, or short-circuit by not calling next.
	SendHook func(ctx context.Context, tc *Context, activities []*Activity, next SendNext) ([]ResourceResponse, error)
	// UpdateHook intercepts outbound updates.
	UpdateHook func(ctx context.Context, tc *Context, activity *Activity, next UpdateNext) (ResourceResponse, error)
	// DeleteHook intercepts outbound deletes.
	DeleteHook func(ctx context.Context, tc *Context, activityID string, next DeleteNext) error
)

// Context is the state of one processing turn. Hooks run in registration
// order, the first registered being outermost.
type Context struct {
	activity *Activity
	identity Identity
	sender   Sender

	mu        sync.Mutex
	onSend    []SendHook
	onUpdate  []UpdateHook
	onDelete  []DeleteHook
	tokens    map[string]string
	responded bool
}

// NewContext creates the Context for one inbound activity.
func NewContext(activity *Activity, sender Sender, identity Identity) *Context {
	return &Context{
		activity: activity,
		identity: identity,
		sender:   sender,
		tokens:   make(map[string]string),
	}
}

// Activity returns the inbound activity of this turn.
func (c *Context) Activity() *Activity {
	return c.activity
}

// Identity returns the agent identity of this turn.
func (c *Context) Identity() Identity {
	return c.identity
}

// Responded reports whether any non-trace activity was delivered this turn.
func (c *Context) Responded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responded
}

func (c *Context) OnSend(h SendHook) *Context {
	c.mu.Lock()
	c.onSend = append(c.onSend, h)
	c.mu.Unlock()
	return c
}

func (c *Context) OnUpdate(h UpdateHook) *Context {
	c.mu.Lock()
	c.onUpdate = append(c.onUpdate, h)
	c.mu.Unlock()
	return c
}

func (c *Context) OnDelete(h DeleteHook) *Context {
	c.mu.Lock()
	c.onDelete = append(c.onDelete, h)
	c.mu.Unlock()
	return c
}

// Token returns the token cached for handler during this turn.
func (c *Context) Token(handler string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[handler]
	return tok, ok && tok != ""
}

// SetToken caches token for handler until the turn ends.
func (c *Context) SetToken(handler, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token == "" {
		delete(c.tokens, handler)
		return
	}
	c.tokens[handler] = token
}

// ClearToken drops the cached token for handler.
func (c *Context) ClearToken(handler string) {
	c.mu.Lock()
	delete(c.tokens, handler)
	c.mu.Unlock()
}

// SendActivity sends a single activity through the send pipeline.
func (c *Context) SendActivity(ctx context.Context, activity *Activity) (ResourceResponse, error) {
	out, err := c.SendActivities(ctx, activity)
	if err != nil {
		return ResourceResponse{}, err
	}
	if len(out) == 0 {
		return ResourceResponse{}, nil
	}
	return out[0], nil
}

// SendActivities addresses activities as replies to the inbound activity and
// runs them through the send hooks.
func (c *Context) SendActivities(ctx context.Context, activities ...*Activity) ([]ResourceResponse, error) {
	prepared := make([]*Activity, 0, len(activities))
	for _, a := range activities {
		if a == nil {
			continue
		}
		prepared = append(prepared, c.address(a))
	}

	c.mu.Lock()
	hooks := append([]SendHook(nil), c.onSend...)
	c.mu.Unlock()

	next := SendNext(c.deliver)
	for i := len(hooks) - 1; i >= 0; i-- {
		hook, inner := hooks[i], next
		next = func(ctx context.Context, acts []*Activity) ([]ResourceResponse, error) {
			return hook(ctx, c, acts, inner)
		}
	}
	return next(ctx, prepared)
}

// UpdateActivity runs activity through the update hooks.
func (c *Context) UpdateActivity(ctx context.Context, activity *Activity) (ResourceResponse, error) {
	c.mu.Lock()
	hooks := append([]UpdateHook(nil), c.onUpdate...)
	c.mu.Unlock()

	next := UpdateNext(func(ctx context.Context, a *Activity) (ResourceResponse, error) {
		if c.sender == nil {
			return ResourceResponse{}, ErrNoSender
		}
		return c.sender.UpdateActivity(ctx, a)
	})
	for i := len(hooks) - 1; i >= 0; i-- {
		hook, inner := hooks[i], next
		next = func(ctx context.Context, a *Activity) (ResourceResponse, error) {
			return hook(ctx, c, a, inner)
		}
	}
	return next(ctx, c.address(activity))
}

// DeleteActivity runs activityID through the delete hooks.
func (c *Context) DeleteActivity(ctx context.Context, activityID string) error {
	c.mu.Lock()
	hooks := append([]DeleteHook(nil), c.onDelete...)
	c.mu.Unlock()

	next := DeleteNext(func(ctx context.Context, id string) error {
		if c.sender == nil {
			return ErrNoSender
		}
		return c.sender.DeleteActivity(ctx, id)
	})
	for i := len(hooks) - 1; i >= 0; i-- {
		hook, inner := hooks[i], next
		next = func(ctx context.Context, id string) error {
			return hook(ctx, c, id, inner)
		}
	}
	return next(ctx, activityID)
}

func (c *Context) deliver(ctx context.Context, activities []*Activity) ([]ResourceResponse, error) {
	if len(activities) == 0 {
		return nil, nil
	}
	if c.sender == nil {
		return nil, ErrNoSender
	}
	out, err := c.sender.SendActivities(ctx, activities)
	if err != nil {
		return nil, err
	}
	for _, a := range activities {
		if a.Type != TypeTrace {
			c.mu.Lock()
			c.responded = true
			c.mu.Unlock()
			break
		}
	}
	return out, nil
}

// address fills conversation routing fields from the inbound activity
// without overwriting values the caller already set.
func (c *Context) address(a *Activity) *Activity {
	out := a.Clone()
	in := c.activity
	if in == nil {
		return out
	}
	if out.ChannelID == "" {
		out.ChannelID = in.ChannelID
	}
	if out.ServiceURL == "" {
		out.ServiceURL = in.ServiceURL
	}
	if out.Conversation.ID == "" {
		out.Conversation = in.Conversation
	}
	if out.From.ID == "" {
		out.From = in.Recipient
	}
	if out.Recipient.ID == "" {
		out.Recipient = in.From
	}
	if out.ReplyToID == "" && out.Type != TypeInvokeResponse {
		out.ReplyToID = in.ID
	}
	if out.Locale == "" {
		out.Locale = in.Locale
	}
	return out
}
