package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	goSignIn "github.com/MrEthical07/goSignIn"
	"github.com/MrEthical07/goSignIn/storage"
)

// flowState is persisted per (channel, user) while a card is outstanding.
type flowState struct {
	Connection string    `json:"connection"`
	StartedAt  time.Time `json:"startedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (h *Handler) flowKey(id identity) string {
	return h.cfg.KeyPrefix + "/" + url.PathEscape(id.channelID) + "/" + url.PathEscape(id.userID)
}

func (h *Handler) loadFlow(ctx context.Context, id identity) (flowState, bool, error) {
	key := h.flowKey(id)
	items, err := h.store.Read(ctx, []string{key})
	if err != nil {
		return flowState{}, false, err
	}
	item, ok := items[key]
	if !ok {
		return flowState{}, false, nil
	}
	var flow flowState
	if err := json.Unmarshal(item.Value, &flow); err != nil {
		return flowState{}, false, fmt.Errorf("%w: oauth flow %s: %w", goSignIn.ErrStateCorrupt, key, err)
	}
	return flow, true, nil
}

// saveFlow overwrites unconditionally; a newer start always replaces an
// older card.
func (h *Handler) saveFlow(ctx context.Context, id identity, flow flowState) error {
	raw, err := json.Marshal(flow)
	if err != nil {
		return err
	}
	return h.store.Write(ctx, map[string]storage.Item{h.flowKey(id): {Value: raw, ETag: storage.AnyTag}})
}

func (h *Handler) clearFlow(ctx context.Context, id identity) {
	if err := h.store.Delete(ctx, []string{h.flowKey(id)}); err != nil {
		h.logger.Warn().Err(err).Str("channel", id.channelID).Msg("oauth flow cleanup failed")
	}
}
