package storage

import (
	"strings"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
)

func TestSelectQueryEmptyFilter(t *testing.T) {
	q, args := selectQuery(&nostr.Filter{}, 1000)
	assert.Contains(t, q, "WHERE NOT e.deleted AND (e.expires_at IS NULL OR e.expires_at > $1) AND TRUE")
	assert.True(t, strings.HasSuffix(q, "ORDER BY e.created_at DESC, e.seq DESC"))
	assert.Equal(t, []any{int64(1000)}, args)
}

func TestSelectQueryClauses(t *testing.T) {
	since := nostr.Timestamp(10)
	until := nostr.Timestamp(20)
	full := strings.Repeat("a", 64)
	f := nostr.Filter{
		IDs:    []string{full, "ab"},
		Kinds:  []int{1, 7},
		Since:  &since,
		Until:  &until,
		Tags:   nostr.TagMap{"p": {"x"}, "e": {"y"}},
		Search: "50%_off",
		Limit:  5,
	}
	q, args := selectQuery(&f, 0)

	assert.Contains(t, q, "(e.id = ANY($2) OR e.id LIKE ANY($3))")
	assert.Contains(t, q, "e.kind = ANY($4)")
	assert.Contains(t, q, "e.created_at > $5")
	assert.Contains(t, q, "e.created_at < $6")
	assert.Contains(t, q, "t.name = $7 AND t.value = ANY($8)")
	assert.Contains(t, q, "t.name = $9 AND t.value = ANY($10)")
	assert.Contains(t, q, "e.content ILIKE $11")
	assert.True(t, strings.HasSuffix(q, "LIMIT $12"))

	assert.Equal(t, []string{full}, args[1])
	assert.Equal(t, []string{"ab%"}, args[2])
	assert.Equal(t, "e", args[6], "tag keys render in sorted order")
	assert.Equal(t, `%50\%\_off%`, args[10])
	assert.Equal(t, 5, args[11])
}

func TestCountQueryOrsFilters(t *testing.T) {
	q, args := countQuery([]nostr.Filter{{Kinds: []int{1}}, {Authors: []string{"abc"}}}, 0)
	assert.Contains(t, q, "AND ((e.kind = ANY($2)) OR ((e.pubkey LIKE ANY($3))))")
	assert.Len(t, args, 3)
}
