// Package uuid includes tests for the UUID generator wrapper.
package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique, prefixed and time ordered.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New("d_")
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	if !strings.HasPrefix(id1, "d_") {
		t.Fatalf("missing prefix: %s", id1)
	}
	parsed, err := goUUID.Parse(strings.TrimPrefix(id1, "d_"))
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected v7, got %d", parsed.Version())
	}
	if id1 > id2 {
		t.Fatalf("expected %s to sort before %s", id1, id2)
	}
}
