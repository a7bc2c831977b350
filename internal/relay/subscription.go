package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Shugur-Network/broker/internal/constants"
	"github.com/Shugur-Network/broker/internal/errors"
	"github.com/Shugur-Network/broker/internal/relay/nips"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// parseSubID accepts a JSON string of 1 to 64 characters.
func parseSubID(raw json.RawMessage) (string, bool) {
	var subID string
	if err := json.Unmarshal(raw, &subID); err != nil {
		return "", false
	}
	if len(subID) < constants.MinSubIDLength || len(subID) > constants.MaxSubIDLength {
		return "", false
	}
	return subID, true
}

// handleRequest registers a subscription, then streams the stored snapshot
// followed by EOSE. Registration comes first so that no event admitted
// while the snapshot is read can be missed.
func (c *WsConnection) handleRequest(ctx context.Context, arr []json.RawMessage) {
	if len(arr) < 3 {
		c.sendNotice(nips.FormatErrorMessage(nips.PrefixInvalid, "REQ needs a subscription id and at least one filter"))
		return
	}
	subID, ok := parseSubID(arr[1])
	if !ok {
		c.sendNotice(nips.FormatErrorMessage(nips.PrefixInvalid, "subscription id must be a string of 1-64 characters"))
		return
	}

	cfg := c.srv.cfg
	if len(arr)-2 > cfg.Relay.MaxFilters {
		c.refuse(subID, nips.FormatErrorMessage(nips.PrefixInvalid, fmt.Sprintf("too many filters (max %d)", cfg.Relay.MaxFilters)))
		return
	}
	filters, err := parseFilters(arr[2:], cfg.Admission.DefaultLimit, cfg.Admission.MaxLimit)
	if err != nil {
		c.refuse(subID, nips.FormatErrorMessage(nips.PrefixInvalid, err.Error()))
		return
	}

	state := c.srv.state
	if !state.HasSubscription(c.id, subID) && len(state.Subscriptions(c.id)) >= cfg.Relay.MaxSubscriptions {
		c.sendClosed(subID, nips.FormatErrorMessage(nips.PrefixBlocked, fmt.Sprintf("too many subscriptions (max %d)", cfg.Relay.MaxSubscriptions)))
		return
	}

	interned := state.Subscribe(c.id, subID, filters)
	snapshot := make([]nostr.Filter, len(interned))
	for i := range interned {
		snapshot[i] = interned[i].Filter
	}

	qctx, cancel := context.WithTimeout(ctx, constants.DBQueryTimeout)
	defer cancel()

	events, err := c.srv.store.Query(qctx, snapshot)
	if err != nil {
		_ = errors.HandleSubscriptionError(subID, "snapshot query", err)
		c.refuse(subID, nips.FormatErrorMessage(nips.PrefixError, "could not query stored events"))
		return
	}

	for i := range events {
		c.sendEvent(subID, &events[i])
	}
	c.sendEOSE(subID)

	c.logger.Debug("Subscription registered",
		zap.String("sub_id", subID),
		zap.Int("filters", len(interned)),
		zap.Int("snapshot_events", len(events)))
}

// refuse ends subID with a CLOSED, dropping any earlier registration under
// the same name.
func (c *WsConnection) refuse(subID, reason string) {
	c.srv.state.Unsubscribe(c.id, subID)
	c.sendClosed(subID, reason)
}

// handleClose ends a subscription. Unknown names are ignored.
func (c *WsConnection) handleClose(arr []json.RawMessage) {
	if len(arr) < 2 {
		c.sendNotice(nips.FormatErrorMessage(nips.PrefixInvalid, "CLOSE needs a subscription id"))
		return
	}
	subID, ok := parseSubID(arr[1])
	if !ok {
		c.sendNotice(nips.FormatErrorMessage(nips.PrefixInvalid, "subscription id must be a string of 1-64 characters"))
		return
	}
	c.srv.state.Unsubscribe(c.id, subID)
}

// handleCount answers ["COUNT", subID, {"count": n}] over the union of the
// filters. Nothing is registered.
func (c *WsConnection) handleCount(ctx context.Context, arr []json.RawMessage) {
	if len(arr) < 3 {
		c.sendNotice(nips.FormatErrorMessage(nips.PrefixInvalid, "COUNT needs a subscription id and at least one filter"))
		return
	}
	subID, ok := parseSubID(arr[1])
	if !ok {
		c.sendNotice(nips.FormatErrorMessage(nips.PrefixInvalid, "subscription id must be a string of 1-64 characters"))
		return
	}
	if len(arr)-2 > c.srv.cfg.Relay.MaxFilters {
		c.sendClosed(subID, nips.FormatErrorMessage(nips.PrefixInvalid, "too many filters"))
		return
	}

	filters := make([]nostr.Filter, 0, len(arr)-2)
	for _, raw := range arr[2:] {
		f, err := parseFilter(raw)
		if err != nil {
			c.sendClosed(subID, nips.FormatErrorMessage(nips.PrefixInvalid, err.Error()))
			return
		}
		filters = append(filters, f)
	}

	qctx, cancel := context.WithTimeout(ctx, constants.DBQueryTimeout)
	defer cancel()

	n, err := c.srv.store.Count(qctx, filters)
	if err != nil {
		_ = errors.HandleSubscriptionError(subID, "count", err)
		c.sendClosed(subID, nips.FormatErrorMessage(nips.PrefixError, "could not count events"))
		return
	}
	c.sendMessage("COUNT", subID, map[string]int64{"count": n})
}

// handleEvent runs admission and always answers with OK.
func (c *WsConnection) handleEvent(ctx context.Context, arr []json.RawMessage) {
	if len(arr) < 2 {
		c.sendNotice(nips.FormatErrorMessage(nips.PrefixInvalid, "EVENT needs an event object"))
		return
	}
	var evt nostr.Event
	if err := json.Unmarshal(arr[1], &evt); err != nil {
		c.sendNotice(nips.FormatErrorMessage(nips.PrefixInvalid, "malformed event"))
		return
	}

	out := c.srv.pipeline.Admit(ctx, c.id, &evt)
	c.sendOK(out.EventID, out.Accepted, out.Reason)
}
