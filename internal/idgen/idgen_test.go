package idgen

import (
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUIDv7(t *testing.T) {
	id := New()
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("parse %q: %v", id, err)
	}
	if parsed.Version() != 7 {
		t.Errorf("version = %d, want 7", parsed.Version())
	}
}

func TestEventID_Sortable(t *testing.T) {
	prev := EventID()
	for i := 0; i < 100; i++ {
		next := EventID()
		if len(next) != 26 {
			t.Fatalf("len(%q) = %d, want 26", next, len(next))
		}
		if next == prev {
			t.Fatalf("duplicate id %q", next)
		}
		prev = next
	}
}
