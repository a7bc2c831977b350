package relay

import (
	"encoding/json"
	"fmt"

	"github.com/Shugur-Network/broker/internal/filter"
	nostr "github.com/nbd-wtf/go-nostr"
)

// parseFilter decodes one REQ/COUNT filter object and merges any "#x" keys
// into Filter.Tags.
func parseFilter(raw json.RawMessage) (nostr.Filter, error) {
	var f nostr.Filter
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("malformed filter: %w", err)
	}

	var partial map[string]json.RawMessage
	if err := json.Unmarshal(raw, &partial); err != nil {
		return f, fmt.Errorf("filter must be an object")
	}
	for k, v := range partial {
		if len(k) < 2 || k[0] != '#' {
			continue
		}
		var vals []string
		if err := json.Unmarshal(v, &vals); err != nil {
			return f, fmt.Errorf("tag filter %q must be an array of strings", k)
		}
		if f.Tags == nil {
			f.Tags = make(nostr.TagMap)
		}
		f.Tags[k[1:]] = vals
	}

	if err := filter.Validate(&f); err != nil {
		return f, err
	}
	return f, nil
}

// parseFilters decodes every filter of a REQ or COUNT and applies the
// snapshot limit policy.
func parseFilters(raws []json.RawMessage, defaultLimit, maxLimit int) ([]nostr.Filter, error) {
	filters := make([]nostr.Filter, 0, len(raws))
	for _, raw := range raws {
		f, err := parseFilter(raw)
		if err != nil {
			return nil, err
		}
		clampLimit(&f, defaultLimit, maxLimit)
		filters = append(filters, f)
	}
	return filters, nil
}

// clampLimit fills in a missing limit and caps an excessive one. An explicit
// "limit":0 is kept: the client wants live events only.
func clampLimit(f *nostr.Filter, defaultLimit, maxLimit int) {
	if f.LimitZero {
		return
	}
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
}
