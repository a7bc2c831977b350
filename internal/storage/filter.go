package storage

import (
	"fmt"
	"sort"
	"strings"

	nostr "github.com/nbd-wtf/go-nostr"
)

const eventColumns = `e.id, e.pubkey, e.created_at, e.kind, e.content, e.sig,
	COALESCE((SELECT jsonb_agg(t.data ORDER BY t.position) FROM event_tags t WHERE t.event_id = e.id), '[]'::jsonb)`

// queryBuilder accumulates positional arguments while clauses are rendered.
type queryBuilder struct {
	args []any
}

func (b *queryBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// visible excludes soft-deleted rows and rows expired at now.
func (b *queryBuilder) visible(now int64) string {
	return "NOT e.deleted AND (e.expires_at IS NULL OR e.expires_at > " + b.arg(now) + ")"
}

// where renders f as a conjunction. An unconstrained filter renders TRUE.
func (b *queryBuilder) where(f *nostr.Filter) string {
	var clauses []string

	if len(f.IDs) > 0 {
		clauses = append(clauses, b.prefixMatch("e.id", f.IDs))
	}
	if len(f.Authors) > 0 {
		clauses = append(clauses, b.prefixMatch("e.pubkey", f.Authors))
	}
	if len(f.Kinds) > 0 {
		clauses = append(clauses, "e.kind = ANY("+b.arg(f.Kinds)+")")
	}
	if f.Since != nil {
		clauses = append(clauses, "e.created_at > "+b.arg(int64(*f.Since)))
	}
	if f.Until != nil {
		clauses = append(clauses, "e.created_at < "+b.arg(int64(*f.Until)))
	}

	keys := make([]string, 0, len(f.Tags))
	for k, vals := range f.Tags {
		if len(vals) == 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		clauses = append(clauses, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id = e.id AND t.name = %s AND t.value = ANY(%s))",
			b.arg(k), b.arg(f.Tags[k])))
	}

	if f.Search != "" {
		clauses = append(clauses, "e.content ILIKE "+b.arg("%"+escapeLike(f.Search)+"%"))
	}

	if len(clauses) == 0 {
		return "TRUE"
	}
	return strings.Join(clauses, " AND ")
}

// prefixMatch matches full-length values exactly and shorter ones by prefix.
func (b *queryBuilder) prefixMatch(col string, values []string) string {
	var exact, prefix []string
	for _, v := range values {
		if len(v) == 64 {
			exact = append(exact, v)
		} else {
			prefix = append(prefix, v+"%")
		}
	}
	var parts []string
	if len(exact) > 0 {
		parts = append(parts, col+" = ANY("+b.arg(exact)+")")
	}
	if len(prefix) > 0 {
		parts = append(parts, col+" LIKE ANY("+b.arg(prefix)+")")
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// selectQuery renders one filter as a newest-first SELECT.
func selectQuery(f *nostr.Filter, now int64) (string, []any) {
	var b queryBuilder
	q := "SELECT " + eventColumns + " FROM events e WHERE " + b.visible(now) + " AND " + b.where(f) +
		" ORDER BY e.created_at DESC, e.seq DESC"
	if f.Limit > 0 {
		q += " LIMIT " + b.arg(f.Limit)
	}
	return q, b.args
}

// countQuery renders the union of filters as a single COUNT.
func countQuery(filters []nostr.Filter, now int64) (string, []any) {
	var b queryBuilder
	q := "SELECT COUNT(*) FROM events e WHERE " + b.visible(now)
	ors := make([]string, 0, len(filters))
	for i := range filters {
		ors = append(ors, "("+b.where(&filters[i])+")")
	}
	if len(ors) > 0 {
		q += " AND (" + strings.Join(ors, " OR ") + ")"
	}
	return q, b.args
}
