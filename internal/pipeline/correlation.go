package pipeline

import (
	"github.com/google/uuid"
)

// validCorrelationID reports whether an inbound ID is safe to reuse: non
// empty, bounded, and limited to unreserved URL characters. Anything else is
// replaced so log injection through the header is not possible.
func validCorrelationID(id string, maxLength int) bool {
	if id == "" || len(id) > maxLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

// correlationID reuses a valid inbound ID or generates a new one.
func correlationID(inbound string, maxLength int) (id string, reused bool) {
	if validCorrelationID(inbound, maxLength) {
		return inbound, true
	}
	return uuid.NewString(), false
}
