package photoid

import (
	"strings"
	"testing"
)

func TestNewProducesValidLowercaseID(t *testing.T) {
	id := New()
	if !strings.HasPrefix(id, "pic_") {
		t.Fatalf("id = %q, want pic_ prefix", id)
	}
	if id != strings.ToLower(id) {
		t.Fatalf("id = %q, want lowercase", id)
	}
	if !IsValid(id) {
		t.Fatalf("IsValid(%q) = false", id)
	}
}

func TestNewIsUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 1000; i++ {
		id := New()
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestIsValidRejectsMalformedIDs(t *testing.T) {
	for _, bad := range []string{"", "pic_", "pic_notaulid", "img_01h5x2e9qk3tmvbn4r8swcdfgz"} {
		if IsValid(bad) {
			t.Fatalf("IsValid(%q) = true, want false", bad)
		}
	}
}
