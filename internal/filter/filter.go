// Package filter implements NIP-01 filter semantics used by both live
// matching and snapshot queries: canonical form, content-derived identity
// and the match predicate.
package filter

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/minio/sha256-simd"
	nostr "github.com/nbd-wtf/go-nostr"
)

// MaxTagKeyLen bounds generic tag keys; only single letters are indexed by
// the protocol but longer ones are tolerated for matching.
const MaxTagKeyLen = 32

// Canonical returns a copy of f with every array sorted and deduplicated.
// Two filters that differ only in element order share a canonical form.
func Canonical(f nostr.Filter) nostr.Filter {
	out := nostr.Filter{
		IDs:       sortedUnique(f.IDs),
		Authors:   sortedUnique(f.Authors),
		Kinds:     sortedUniqueInts(f.Kinds),
		Limit:     f.Limit,
		LimitZero: f.LimitZero,
		Search:    f.Search,
	}
	if f.Since != nil {
		s := *f.Since
		out.Since = &s
	}
	if f.Until != nil {
		u := *f.Until
		out.Until = &u
	}
	if len(f.Tags) > 0 {
		out.Tags = make(nostr.TagMap, len(f.Tags))
		for k, vs := range f.Tags {
			out.Tags[k] = sortedUnique(vs)
		}
	}
	return out
}

// canonicalForm is the hashed representation. Tag keys are emitted as a
// sorted list so encoding is deterministic.
type canonicalForm struct {
	IDs       []string   `json:"ids,omitempty"`
	Authors   []string   `json:"authors,omitempty"`
	Kinds     []int      `json:"kinds,omitempty"`
	Tags      [][]string `json:"tags,omitempty"`
	Since     *int64     `json:"since,omitempty"`
	Until     *int64     `json:"until,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	LimitZero bool       `json:"limit_zero,omitempty"`
	Search    string     `json:"search,omitempty"`
}

// ID returns the content-derived identity of f: the hex SHA-256 of its
// canonical encoding.
func ID(f nostr.Filter) string {
	c := Canonical(f)
	form := canonicalForm{
		IDs:       c.IDs,
		Authors:   c.Authors,
		Kinds:     c.Kinds,
		Limit:     c.Limit,
		LimitZero: c.LimitZero,
		Search:    c.Search,
	}
	if c.Since != nil {
		s := int64(*c.Since)
		form.Since = &s
	}
	if c.Until != nil {
		u := int64(*c.Until)
		form.Until = &u
	}
	keys := make([]string, 0, len(c.Tags))
	for k := range c.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		form.Tags = append(form.Tags, append([]string{k}, c.Tags[k]...))
	}

	raw, err := json.Marshal(form)
	if err != nil {
		// only plain strings and ints are encoded
		panic(fmt.Sprintf("filter: canonical encoding failed: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Match reports whether evt satisfies every constraint present in f.
// ids and authors match by prefix, kinds by membership, since/until are
// strict bounds and each tag constraint needs one tag with that name whose
// first value is in the set.
func Match(f *nostr.Filter, evt *nostr.Event) bool {
	if len(f.IDs) > 0 && !matchPrefix(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !matchPrefix(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && !(evt.CreatedAt > *f.Since) {
		return false
	}
	if f.Until != nil && !(evt.CreatedAt < *f.Until) {
		return false
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !matchTag(evt.Tags, name, values) {
			return false
		}
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(evt.Content), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

// Validate rejects filters the relay will not register.
func Validate(f *nostr.Filter) error {
	for _, id := range f.IDs {
		if !isHexPrefix(id) {
			return fmt.Errorf("ids must be lowercase hex prefixes (got %q)", id)
		}
	}
	for _, a := range f.Authors {
		if !isHexPrefix(a) {
			return fmt.Errorf("authors must be lowercase hex prefixes (got %q)", a)
		}
	}
	for _, k := range f.Kinds {
		if k < 0 || k > 65535 {
			return fmt.Errorf("kind %d out of range", k)
		}
	}
	for k := range f.Tags {
		if k == "" || len(k) > MaxTagKeyLen {
			return fmt.Errorf("invalid tag key %q", k)
		}
	}
	if f.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	return nil
}

func matchPrefix(prefixes []string, value string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}

func matchTag(tags nostr.Tags, name string, values []string) bool {
	for _, t := range tags {
		if len(t) < 2 || t[0] != name {
			continue
		}
		for _, v := range values {
			if t[1] == v {
				return true
			}
		}
	}
	return false
}

func containsInt(set []int, v int) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

func isHexPrefix(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	j := 0
	for i := 1; i < len(out); i++ {
		if out[i] != out[j] {
			j++
			out[j] = out[i]
		}
	}
	return out[:j+1]
}

func sortedUniqueInts(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	out := append([]int(nil), in...)
	sort.Ints(out)
	j := 0
	for i := 1; i < len(out); i++ {
		if out[i] != out[j] {
			j++
			out[j] = out[i]
		}
	}
	return out[:j+1]
}
