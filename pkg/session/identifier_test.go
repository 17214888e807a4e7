package session

import (
	"strings"
	"testing"
)

func TestGenerateID(t *testing.T) {
	tests := []struct {
		name       string
		project    string
		wantPrefix string
	}{
		{"simple", "Bakery", "bakery-"},
		{"spaces and punctuation", "Marta's Bakery!", "marta-s-bakery-"},
		{"empty falls back", "", "session-"},
		{"symbols only", "!!!", "session-"},
		{"unicode letters kept", "Café Sol", "café-sol-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := GenerateID(tt.project)
			if !strings.HasPrefix(id, tt.wantPrefix) {
				t.Errorf("GenerateID(%q) = %q, want prefix %q", tt.project, id, tt.wantPrefix)
			}
			suffix := id[len(tt.wantPrefix):]
			if len(suffix) != 26 {
				t.Errorf("ulid suffix length = %d, want 26", len(suffix))
			}
		})
	}
}

func TestGenerateIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateID("same project")
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestSlugTruncation(t *testing.T) {
	long := strings.Repeat("verylongname", 10)
	id := GenerateID(long)
	slug := id[:strings.LastIndex(id, "-")]
	if len(slug) > maxSlugLen {
		t.Errorf("slug %q exceeds %d chars", slug, maxSlugLen)
	}
}
