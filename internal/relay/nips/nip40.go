package nips

import (
	"strconv"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
)

// GetExpirationTime extracts the expiration timestamp from an event
func GetExpirationTime(evt *nostr.Event) (time.Time, bool) {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "expiration" {
			if ts, err := strconv.ParseInt(t[1], 10, 64); err == nil {
				return time.Unix(ts, 0), true
			}
		}
	}
	return time.Time{}, false
}

// IsExpired checks if an event has expired based on its expiration tag
func IsExpired(evt *nostr.Event, now time.Time) bool {
	if exp, ok := GetExpirationTime(evt); ok {
		return !now.Before(exp)
	}
	return false
}
