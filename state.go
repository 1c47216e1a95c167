package goSignIn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/MrEthical07/goSignIn/storage"
	"github.com/MrEthical07/goSignIn/turn"
	"github.com/google/uuid"
)

// stateRecord is SignInState plus the tag of the read that produced it.
type stateRecord struct {
	key    string
	state  SignInState
	etag   string
	exists bool
}

func (r *stateRecord) pending() bool {
	return r.exists && r.state.ActiveHandler != ""
}

// StateKey returns the storage key of the SignInState for a conversation.
// Segments are path-escaped so ids containing "/" never collide.
func StateKey(prefix, channelID, conversationID string) string {
	return joinKey(prefix, channelID, conversationID)
}

func joinKey(prefix string, segments ...string) string {
	key := prefix
	for _, s := range segments {
		key += "/" + url.PathEscape(s)
	}
	return key
}

func (o *Orchestrator) stateKey(tc *turn.Context) string {
	a := tc.Activity()
	if a == nil {
		return StateKey(o.config.State.KeyPrefix, "", "")
	}
	return StateKey(o.config.State.KeyPrefix, a.ChannelID, a.Conversation.ID)
}

// loadState always reads through the store; persisted state is never cached.
func (o *Orchestrator) loadState(ctx context.Context, tc *turn.Context) (stateRecord, error) {
	key := o.stateKey(tc)
	items, err := o.store.Read(ctx, []string{key})
	if err != nil {
		return stateRecord{}, fmt.Errorf("read sign-in state: %w", err)
	}
	rec := stateRecord{key: key}
	item, ok := items[key]
	if !ok {
		return rec, nil
	}
	if err := json.Unmarshal(item.Value, &rec.state); err != nil {
		return stateRecord{}, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	rec.etag = item.ETag
	rec.exists = true
	return rec, nil
}

// saveState writes rec with the tag of its read. A record that did not exist
// at read time is written with a fresh tag, so a concurrent creation by
// another turn surfaces as a conflict.
func (o *Orchestrator) saveState(ctx context.Context, rec *stateRecord) error {
	data, err := json.Marshal(rec.state)
	if err != nil {
		return fmt.Errorf("encode sign-in state: %w", err)
	}
	tag := rec.etag
	if !rec.exists {
		tag = uuid.NewString()
	}
	if err := o.store.Write(ctx, map[string]storage.Item{rec.key: {Value: data, ETag: tag}}); err != nil {
		if storage.IsConflict(err) {
			o.metricInc(MetricStateConflict)
		}
		return fmt.Errorf("write sign-in state: %w", err)
	}

	// The new tag is unknown until the next read; callers re-read before
	// writing again.
	rec.exists = true
	rec.etag = ""
	return nil
}

func (o *Orchestrator) deleteState(ctx context.Context, rec *stateRecord) error {
	if !rec.exists {
		return nil
	}
	if err := o.store.Delete(ctx, []string{rec.key}); err != nil {
		return fmt.Errorf("delete sign-in state: %w", err)
	}
	rec.exists = false
	rec.etag = ""
	rec.state = SignInState{}
	return nil
}
