package nips

import (
	"fmt"
	"strconv"
	"strings"

	nostr "github.com/nbd-wtf/go-nostr"
)

// NIP-33: Addressable Events
// https://github.com/nostr-protocol/nips/blob/master/33.md

// IsParameterizedReplaceableKind checks if a kind is addressable
func IsParameterizedReplaceableKind(kind int) bool {
	return kind >= 30000 && kind <= 39999
}

// GetDTagValue returns the "d" tag value. A missing tag counts as "".
func GetDTagValue(evt *nostr.Event) string {
	return GetTagValue(evt, "d")
}

// Address identifies the latest version of a parameterized replaceable event.
type Address struct {
	Kind   int
	PubKey string
	D      string
}

func (a Address) String() string {
	return fmt.Sprintf("%d:%s:%s", a.Kind, a.PubKey, a.D)
}

// ParseAddress parses "<kind>:<pubkey>:<d>".
func ParseAddress(s string) (Address, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Address{}, fmt.Errorf("address must have 3 parts: %q", s)
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil {
		return Address{}, fmt.Errorf("invalid address kind: %w", err)
	}
	if !nostr.IsValid32ByteHex(parts[1]) {
		return Address{}, fmt.Errorf("invalid address pubkey %q", parts[1])
	}
	return Address{Kind: kind, PubKey: parts[1], D: parts[2]}, nil
}
