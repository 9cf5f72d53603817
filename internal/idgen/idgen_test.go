package idgen

import (
	"strings"
	"testing"
)

func TestNewSubmissionIDShape(t *testing.T) {
	for i := 0; i < 100; i++ {
		id, err := NewSubmissionID()
		if err != nil {
			t.Fatalf("NewSubmissionID() error on iteration %d: %v", i, err)
		}
		if !strings.HasPrefix(id, Prefix) || len(id) != len(Prefix)+Length {
			t.Fatalf("NewSubmissionID() = %q, want prefix %q and length %d", id, Prefix, len(Prefix)+Length)
		}
		if !Valid(id) {
			t.Fatalf("Valid(%q) = false for a generated id", id)
		}
	}
}

func TestNewSubmissionIDUniqueness(t *testing.T) {
	const count = 5_000
	seen := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		id, err := NewSubmissionID()
		if err != nil {
			t.Fatalf("NewSubmissionID() error on iteration %d: %v", i, err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q after %d generations", id, i)
		}
		seen[id] = struct{}{}
	}
}

func TestValidRejectsForeignShapes(t *testing.T) {
	for _, id := range []string{
		"",
		"sub-",
		"sub-short",
		"sub-abcdefghijk!",
		"65f0c2a9e4b0a1b2c3d4e5f6",
		"bot-abcdefghijkl",
		"sub-abcdefghijklm",
		"sub-abcdefghijkl/../x",
	} {
		if Valid(id) {
			t.Fatalf("Valid(%q) = true, want false", id)
		}
	}
}
