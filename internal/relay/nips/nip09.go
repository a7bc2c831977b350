package nips

import (
	nostr "github.com/nbd-wtf/go-nostr"
)

// NIP-09: Event Deletion
// https://github.com/nostr-protocol/nips/blob/master/09.md

const KindDeletion = 5

func IsDeletionEvent(evt *nostr.Event) bool {
	return evt.Kind == KindDeletion
}

// DeletionTargets returns the event ids and addresses a deletion event
// references. Only targets owned by the deleter are honored downstream;
// address targets naming another author are dropped here.
func DeletionTargets(evt *nostr.Event) (ids []string, addrs []Address) {
	for _, t := range evt.Tags {
		if len(t) < 2 {
			continue
		}
		switch t[0] {
		case "e":
			if nostr.IsValid32ByteHex(t[1]) {
				ids = append(ids, t[1])
			}
		case "a":
			addr, err := ParseAddress(t[1])
			if err == nil && addr.PubKey == evt.PubKey {
				addrs = append(addrs, addr)
			}
		}
	}
	return ids, addrs
}
