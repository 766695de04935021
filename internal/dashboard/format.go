package dashboard

import (
	"fmt"
	"strings"
	"time"
)

// FormatInt formats an integer with comma separators.
func FormatInt(n int) string {
	if n < 0 {
		return "-" + FormatInt(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	start := len(s) % 3
	if start > 0 {
		b.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatVolume formats a share volume or notional with B/M/K suffixes.
func FormatVolume(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("%.1fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%.1fM", v/1e6)
	case v >= 1e4:
		return fmt.Sprintf("%.1fK", v/1e3)
	default:
		return FormatInt(int(v + 0.5))
	}
}

// FormatPrice formats a price with two decimals, or "-" for zero.
func FormatPrice(p float64) string {
	if p == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f", p)
}

// FormatSpeed formats a playback multiplier as "1x", "2.5x".
func FormatSpeed(m float64) string {
	if m == float64(int(m)) {
		return fmt.Sprintf("%dx", int(m))
	}
	return fmt.Sprintf("%.1fx", m)
}

// FormatDelay formats a wake-up delay compactly ("50ms", "1.2s").
func FormatDelay(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Truncate(time.Second).String()
	}
}

// FormatProgress formats a cursor position as the 1-based "n / total" shown
// next to the seek slider. An empty sequence shows "0 / 0".
func FormatProgress(cursor, total int) string {
	if total == 0 {
		return "0 / 0"
	}
	return FormatInt(cursor+1) + " / " + FormatInt(total)
}
