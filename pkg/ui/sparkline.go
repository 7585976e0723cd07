package ui

import (
	"fmt"
	"strings"
)

var sparkTicks = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders the last width values as block characters scaled to ceiling.
// A ceiling of zero or less scales to the largest value shown. Shorter series are
// left-padded with spaces so the newest value is always in the last column.
func Sparkline(values []float64, width int, ceiling float64) string {
	if width <= 0 {
		return ""
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}
	if ceiling <= 0 {
		for _, v := range values {
			ceiling = max(ceiling, v)
		}
	}
	var b strings.Builder
	b.WriteString(strings.Repeat(" ", width-len(values)))
	top := len(sparkTicks) - 1
	for _, v := range values {
		idx := 0
		if ceiling > 0 && v > 0 {
			idx = int(v / ceiling * float64(top))
		}
		b.WriteRune(sparkTicks[min(max(idx, 0), top)])
	}
	return b.String()
}

// Meter renders pct (0-100) as a fixed-width bar followed by the percentage.
func Meter(pct float64, width int) string {
	pct = min(max(pct, 0), 100)
	filled := int(pct / 100 * float64(width))
	color := mint
	switch {
	case pct >= 90:
		color = pulseRed
	case pct >= 70:
		color = honeyOrange
	}
	return fmt.Sprintf("%s%s%s%s %5.1f%%", color, strings.Repeat("█", filled), reset,
		strings.Repeat("░", width-filled), pct)
}
