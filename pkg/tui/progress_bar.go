package tui

import (
	"fmt"
	"strings"
)

// Color names for progress bars.
const (
	ColorGreen  = "green"
	ColorYellow = "yellow"
	ColorRed    = "red"
)

// ProgressBar renders how much of the pipeline is discovered or loaded.
type ProgressBar struct {
	width int
}

// NewProgressBar creates a bar width characters wide (excluding brackets).
func NewProgressBar(width int) *ProgressBar {
	if width < 1 {
		width = 10
	}
	return &ProgressBar{width: width}
}

// Render returns e.g. "[██████░░░░] 3/5".
func (p *ProgressBar) Render(done, total int) string {
	pct := CalculatePercentage(done, total)
	filled := int(pct / 100 * float64(p.width))

	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(strings.Repeat("█", filled))
	sb.WriteString(strings.Repeat("░", p.width-filled))
	sb.WriteString("]")
	sb.WriteString(fmt.Sprintf(" %d/%d", done, total))
	return sb.String()
}

// GetColor is green when everything is present, red when nothing is, and
// yellow in between.
func (p *ProgressBar) GetColor(done, total int) string {
	switch {
	case total > 0 && done >= total:
		return ColorGreen
	case done <= 0:
		return ColorRed
	default:
		return ColorYellow
	}
}

// CalculatePercentage returns done as a percentage of total, clamped to
// [0, 100]. An unknown total counts as 0%.
func CalculatePercentage(done, total int) float64 {
	if total <= 0 || done <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return float64(done) / float64(total) * 100
}
