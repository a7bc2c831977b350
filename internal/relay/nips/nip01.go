package nips

import (
	nostr "github.com/nbd-wtf/go-nostr"
)

// KindClass is the storage treatment an event kind receives.
type KindClass int

const (
	KindRegular KindClass = iota
	KindReplaceable
	KindParameterized
	KindEphemeral
)

func (c KindClass) String() string {
	switch c {
	case KindReplaceable:
		return "replaceable"
	case KindParameterized:
		return "parameterized"
	case KindEphemeral:
		return "ephemeral"
	default:
		return "regular"
	}
}

// Classify maps a kind onto its treatment class.
func Classify(kind int) KindClass {
	switch {
	case IsEphemeral(kind):
		return KindEphemeral
	case IsReplaceable(kind):
		return KindReplaceable
	case IsParameterizedReplaceableKind(kind):
		return KindParameterized
	default:
		return KindRegular
	}
}

// GetTagValue returns the first t[1] found for the given key, or "" if not found
func GetTagValue(evt *nostr.Event, key string) string {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == key {
			return t[1]
		}
	}
	return ""
}

// GetTagValues returns t[1] of every tag with the given key, in order.
func GetTagValues(evt *nostr.Event, key string) []string {
	var out []string
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == key {
			out = append(out, t[1])
		}
	}
	return out
}
