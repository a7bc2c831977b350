package nips

import (
	"strings"
	"testing"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := map[int]KindClass{
		1:     KindRegular,
		0:     KindReplaceable,
		3:     KindReplaceable,
		10002: KindReplaceable,
		20001: KindEphemeral,
		30023: KindParameterized,
		40000: KindRegular,
	}
	for kind, want := range cases {
		assert.Equal(t, want, Classify(kind), "kind %d", kind)
	}
}

func TestDeletionTargetsKeepsOwnAddressesOnly(t *testing.T) {
	self := strings.Repeat("a", 64)
	other := strings.Repeat("b", 64)
	id := strings.Repeat("c", 64)

	del := &nostr.Event{
		Kind:   KindDeletion,
		PubKey: self,
		Tags: nostr.Tags{
			{"e", id},
			{"e", "not-hex"},
			{"a", "30023:" + self + ":post"},
			{"a", "30023:" + other + ":post"},
			{"a", "garbage"},
		},
	}

	ids, addrs := DeletionTargets(del)
	assert.Equal(t, []string{id}, ids)
	require.Len(t, addrs, 1)
	assert.Equal(t, Address{Kind: 30023, PubKey: self, D: "post"}, addrs[0])
	assert.Equal(t, "30023:"+self+":post", addrs[0].String())
}

func TestParseAddressAllowsColonsInD(t *testing.T) {
	pk := strings.Repeat("d", 64)
	addr, err := ParseAddress("30000:" + pk + ":a:b")
	require.NoError(t, err)
	assert.Equal(t, "a:b", addr.D)

	_, err = ParseAddress("x:" + pk + ":d")
	assert.Error(t, err)
}

func TestExpiration(t *testing.T) {
	now := time.Unix(1700000000, 0)
	evt := &nostr.Event{Tags: nostr.Tags{{"expiration", "1700000000"}}}
	assert.True(t, IsExpired(evt, now))
	assert.False(t, IsExpired(evt, now.Add(-time.Second)))
	assert.False(t, IsExpired(&nostr.Event{}, now))
}

func TestPoW(t *testing.T) {
	assert.Equal(t, 3, CountLeadingZeroNybbles("000f"+strings.Repeat("f", 60)))
	assert.NoError(t, ValidatePoW("00ff", 2))
	assert.Error(t, ValidatePoW("0fff", 2))
	assert.NoError(t, ValidatePoW("ffff", 0))
}

func TestFormatErrorMessage(t *testing.T) {
	assert.Equal(t, "blocked: nope", FormatErrorMessage(PrefixBlocked, "nope"))
}
