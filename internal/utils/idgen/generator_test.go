package idgen

import (
	"strings"
	"testing"
)

func TestGenerateSecureIDFormat(t *testing.T) {
	id, err := GenerateSecureID("step", 20)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(id, "step_") {
		t.Fatalf("id = %q, want step_ prefix", id)
	}
	body := strings.TrimPrefix(id, "step_")
	if len(body) != 20 {
		t.Fatalf("body length = %d, want 20", len(body))
	}
	for _, r := range body {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z') {
			t.Fatalf("id %q contains non-alphanumeric rune %q", id, r)
		}
	}
}

func TestGenerateSecureIDUniqueness(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 1000; i++ {
		id := MustGenerateSecureID("batch", 24)
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}
