package shared

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CleanText drops invalid UTF-8 sequences and NUL bytes, neither of which
// Postgres accepts in a text column.
func CleanText(s string) string {
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "")
}

// Truncate returns at most n bytes of the cleaned s, cut on a rune
// boundary.
func Truncate(s string, n int) string {
	s = CleanText(s)
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Tail returns at most n trailing bytes of the cleaned s, starting on a
// rune boundary.
func Tail(s string, n int) string {
	s = CleanText(s)
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

type BackoffConfig struct {
	Initial     time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Delay returns the wait before the given attempt (1-based): Initial doubled
// per previous attempt, capped at MaxDelay.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

// Exhausted reports whether attempts has reached the configured ceiling.
// A zero MaxAttempts never exhausts.
func (b BackoffConfig) Exhausted(attempts int) bool {
	return b.MaxAttempts > 0 && attempts >= b.MaxAttempts
}
