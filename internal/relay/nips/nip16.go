package nips

// NIP-16: Event Treatment
// https://github.com/nostr-protocol/nips/blob/master/16.md

func IsEphemeral(kind int) bool {
	return kind >= 20000 && kind < 30000
}

// IsReplaceable reports the plain replaceable range: 0, 3 and 10000-19999.
func IsReplaceable(kind int) bool {
	if kind >= 10000 && kind < 20000 {
		return true
	}
	return kind == 0 || kind == 3
}
