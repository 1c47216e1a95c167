package turn

import (
	"bytes"
	"encoding/json"
)

const (
	TypeMessage        = "message"
	TypeInvoke         = "invoke"
	TypeInvokeResponse = "invokeResponse"
	TypeEvent          = "event"
	TypeTrace          = "trace"
)

const (
	InvokeVerifyState   = "signin/verifyState"
	InvokeTokenExchange = "signin/tokenExchange"
)

// ChannelAccount identifies a user or agent on a channel.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ConversationAccount identifies a conversation on a channel.
type ConversationAccount struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId,omitempty"`
}

// Attachment carries rich content such as sign-in cards.
type Attachment struct {
	ContentType string          `json:"contentType"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// Activity is one inbound or outbound conversational event.
type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	Name         string              `json:"name,omitempty"`
	ChannelID    string              `json:"channelId"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
	Conversation ConversationAccount `json:"conversation"`
	From         ChannelAccount      `json:"from"`
	Recipient    ChannelAccount      `json:"recipient"`
	ReplyToID    string              `json:"replyToId,omitempty"`
	Locale       string              `json:"locale,omitempty"`
	Text         string              `json:"text,omitempty"`
	Value        json.RawMessage     `json:"value,omitempty"`
	Attachments  []Attachment        `json:"attachments,omitempty"`
}

// InvokeResponse is the Value of an invokeResponse activity.
type InvokeResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// NewMessage returns a message activity with text.
func NewMessage(text string) *Activity {
	return &Activity{Type: TypeMessage, Text: text}
}

// NewInvokeResponse builds an invokeResponse activity. A nil body is omitted.
func NewInvokeResponse(status int, body any) (*Activity, error) {
	resp := InvokeResponse{Status: status}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		resp.Body = raw
	}
	value, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return &Activity{Type: TypeInvokeResponse, Value: value}, nil
}

// IsInvoke reports whether a is an invoke activity named name.
func (a *Activity) IsInvoke(name string) bool {
	return a != nil && a.Type == TypeInvoke && a.Name == name
}

// Clone returns a deep copy of a.
func (a *Activity) Clone() *Activity {
	if a == nil {
		return nil
	}
	out := *a
	if a.Value != nil {
		out.Value = append(json.RawMessage(nil), a.Value...)
	}
	if a.Attachments != nil {
		out.Attachments = make([]Attachment, len(a.Attachments))
		for i, att := range a.Attachments {
			out.Attachments[i] = att
			if att.Content != nil {
				out.Attachments[i].Content = append(json.RawMessage(nil), att.Content...)
			}
		}
	}
	return &out
}

// Equal compares two activities by canonicalized field values. A copy that
// went through JSON encoding compares equal to its original even when the
// raw Value bytes differ in whitespace or key order.
func Equal(a, b *Activity) bool {
	if a == nil || b == nil {
		return a == b
	}
	ca, err := canonical(a)
	if err != nil {
		return false
	}
	cb, err := canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// canonical re-encodes through a generic value so map keys come out sorted.
func canonical(a *Activity) ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
