package tlutil

import (
	"fmt"
	"strings"
	"time"
)

// HumanizeDuration returns a short string for d, truncated to a precision that
// depends on its magnitude: 1.2s, 15ms, 340µs, and so on.
func HumanizeDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		d = d.Truncate(time.Minute)
	case d >= time.Minute:
		d = d.Truncate(time.Second)
	case d >= time.Second:
		d = d.Truncate(100 * time.Millisecond)
	case d >= 10*time.Millisecond:
		d = d.Truncate(time.Millisecond)
	case d >= time.Millisecond:
		d = d.Truncate(100 * time.Microsecond)
	case d >= time.Microsecond:
		d = d.Truncate(time.Microsecond)
	}

	s := d.String()
	if d >= time.Hour {
		s = strings.TrimSuffix(s, "0s")
	}
	return s
}

// HumanizeCount returns a string of at most 4-5 characters for an event
// count, e.g. 812, 5.1K, 32K, 1.5M.
func HumanizeCount[T ~int | ~int64 | ~uint64](n T) string {
	f := float64(n)
	switch {
	case f >= 10_000_000:
		return fmt.Sprintf("%.0fM", f/1_000_000)
	case f >= 1_000_000:
		return fmt.Sprintf("%.1fM", f/1_000_000)
	case f >= 10_000:
		return fmt.Sprintf("%.0fK", f/1_000)
	case f >= 1_000:
		return fmt.Sprintf("%.1fK", f/1_000)
	default:
		return fmt.Sprintf("%.0f", f)
	}
}

// HumanizeBytes returns a string for n bytes, using KB for 1024 bytes and MB
// for 1048576 bytes. Larger units aren't used.
func HumanizeBytes[T ~int | ~int64 | ~uint64](n T) string {
	var (
		kib = float64(1024)
		mib = 1024 * kib
		fn  = float64(n)
	)
	switch {
	case fn < kib:
		return fmt.Sprintf("%.0fB", fn)
	case fn < 100*kib:
		return fmt.Sprintf("%.1fKB", fn/kib)
	case fn < mib:
		return fmt.Sprintf("%.0fKB", fn/kib)
	case fn < 100*mib:
		return fmt.Sprintf("%.1fMB", fn/mib)
	default:
		return fmt.Sprintf("%.0fMB", fn/mib)
	}
}

// HumanizePercent renders a 0..1 fraction as a percentage, e.g. 12.5%.
func HumanizePercent(f float64) string {
	switch {
	case f <= 0:
		return "0%"
	case f >= 1:
		return "100%"
	case f < 0.001:
		return "<0.1%"
	default:
		return fmt.Sprintf("%.1f%%", 100*f)
	}
}
