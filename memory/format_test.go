package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/becomeliminal/duckpond/core"
)

func TestRender(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	direct := Render(core.Memory{ID: 42, Content: "  swam in the lake  ", CreatedAt: now.Add(-72 * time.Hour)}, now)
	if want := "[memory #42, 3 days ago]\nswam in the lake"; direct != want {
		t.Errorf("Render() = %q, want %q", direct, want)
	}

	extracted := Render(core.Memory{ID: 7, Content: "ducks", CreatedAt: now, Query: "pond birds"}, now)
	if !strings.Contains(extracted, `(recalled via "pond birds")`) {
		t.Errorf("Render() = %q, want recall phrase", extracted)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		text   string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"héllo wörld", 8, "héllo..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.text, tt.maxLen); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.text, tt.maxLen, got, tt.want)
		}
	}
}
