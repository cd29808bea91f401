package shared

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestNewID(t *testing.T) {
	id := NewID("job_")
	if !strings.HasPrefix(id, "job_") {
		t.Errorf("expected prefix 'job_', got %q", id)
	}
	if len(id) != len("job_")+32 {
		t.Errorf("expected length %d, got %d", len("job_")+32, len(id))
	}
	if NewID("job_") == id {
		t.Error("expected unique IDs")
	}
}

func TestBackoffConfig_Delay(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Minute, MaxDelay: 10 * time.Minute}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 10 * time.Minute},
		{50, 10 * time.Minute},
	}

	for _, tt := range tests {
		if got := cfg.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffConfig_Delay_NoCap(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second}
	if got := cfg.Delay(4); got != 8*time.Second {
		t.Errorf("Delay(4) = %v, want 8s", got)
	}
}

func TestBackoffConfig_Exhausted(t *testing.T) {
	tests := []struct {
		name     string
		max      int
		attempts int
		want     bool
	}{
		{"below ceiling", 5, 4, false},
		{"at ceiling", 5, 5, true},
		{"above ceiling", 5, 7, true},
		{"unlimited", 0, 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := BackoffConfig{MaxAttempts: tt.max}
			if got := cfg.Exhausted(tt.attempts); got != tt.want {
				t.Errorf("Exhausted(%d) = %v, want %v", tt.attempts, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "boom", 10, "boom"},
		{"ascii cut", "0123456789", 4, "0123"},
		{"cut inside rune", "xé", 2, "x"},
		{"nul bytes", "a\x00b", 10, "ab"},
		{"invalid bytes", "a\xffb", 10, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.in, tt.n); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}

	long := Truncate("x"+strings.Repeat("é", 600), 1024)
	if !utf8.ValidString(long) {
		t.Error("truncated string is not valid UTF-8")
	}
	if len(long) != 1023 {
		t.Errorf("len = %d, want 1023", len(long))
	}
}

func TestTail(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "boom", 10, "boom"},
		{"ascii cut", "0123456789", 4, "6789"},
		{"cut inside rune", "éx", 2, "x"},
		{"nul bytes", "a\x00b", 10, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Tail(tt.in, tt.n); got != tt.want {
				t.Errorf("Tail(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}

	bar := Tail(strings.Repeat("█", 300), 512)
	if !utf8.ValidString(bar) {
		t.Error("tail is not valid UTF-8")
	}
	if len(bar) != 510 {
		t.Errorf("len = %d, want 510", len(bar))
	}
}
