package nips

import (
	"fmt"
)

// NIP-13: Proof of Work

// CountLeadingZeroNybbles counts leading '0' hex digits of an event id.
func CountLeadingZeroNybbles(hexID string) int {
	n := 0
	for i := 0; i < len(hexID); i++ {
		if hexID[i] != '0' {
			break
		}
		n++
	}
	return n
}

func hexToNibble(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c - 'a' + 10)
	case c >= 'A' && c <= 'F':
		return int(c - 'A' + 10)
	default:
		return -1
	}
}

// ValidatePoW checks that the id has at least minNybbles leading zero hex
// digits. Zero disables the check.
func ValidatePoW(hexID string, minNybbles int) error {
	if minNybbles <= 0 {
		return nil
	}
	if got := CountLeadingZeroNybbles(hexID); got < minNybbles {
		return fmt.Errorf("difficulty %d is less than %d", got, minNybbles)
	}
	return nil
}
