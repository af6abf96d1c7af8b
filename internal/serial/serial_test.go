package serial

import "testing"

// NodeID must never panic, and whatever it returns must be safe to publish
// directly on /Serial: lowercase hex, no separators.
func TestNodeID_WellFormedOrEmpty(t *testing.T) {
	id := NodeID()
	for _, r := range id {
		isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		if !isHex {
			t.Fatalf("NodeID() = %q contains non-hex-lowercase rune %q", id, r)
		}
	}
}
