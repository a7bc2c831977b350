package nips

import "fmt"

// Machine-readable prefixes for OK and CLOSED messages (NIP-01).
const (
	PrefixDuplicate   = "duplicate"
	PrefixPoW         = "pow"
	PrefixBlocked     = "blocked"
	PrefixRateLimited = "rate-limited"
	PrefixInvalid     = "invalid"
	PrefixError       = "error"
)

// FormatErrorMessage renders "<prefix>: <message>".
func FormatErrorMessage(prefix, msg string) string {
	return fmt.Sprintf("%s: %s", prefix, msg)
}
