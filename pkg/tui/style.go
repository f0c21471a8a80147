package tui

import (
	"strings"

	"github.com/gdamore/tcell/v2"
)

// Theme defines the color palette for the dashboard.
type Theme struct {
	Primary    tcell.Color
	Background tcell.Color
	Text       tcell.Color
	Muted      tcell.Color
	Success    tcell.Color
	Warning    tcell.Color
	Error      tcell.Color
	Highlight  tcell.Color
}

// DefaultTheme is the dark palette.
var DefaultTheme = Theme{
	Primary:    tcell.NewRGBColor(99, 102, 241),  // Indigo
	Background: tcell.NewRGBColor(15, 23, 42),    // Slate 900
	Text:       tcell.NewRGBColor(226, 232, 240), // Slate 200
	Muted:      tcell.NewRGBColor(148, 163, 184), // Slate 400
	Success:    tcell.NewRGBColor(34, 197, 94),   // Green 500
	Warning:    tcell.NewRGBColor(234, 179, 8),   // Yellow 500
	Error:      tcell.NewRGBColor(239, 68, 68),   // Red 500
	Highlight:  tcell.NewRGBColor(56, 189, 248),  // Sky 400
}

// Styles holds the tcell styles derived from a Theme.
type Styles struct {
	Normal      tcell.Style
	Muted       tcell.Style
	Success     tcell.Style
	Warning     tcell.Style
	Error       tcell.Style
	Header      tcell.Style
	BorderFocus tcell.Style
}

// GetStyles returns the styles for theme.
func GetStyles(theme Theme) Styles {
	base := tcell.StyleDefault.Background(theme.Background).Foreground(theme.Text)

	return Styles{
		Normal:      base,
		Muted:       base.Foreground(theme.Muted),
		Success:     base.Foreground(theme.Success),
		Warning:     base.Foreground(theme.Warning),
		Error:       base.Foreground(theme.Error),
		Header:      base.Foreground(theme.Primary).Bold(true),
		BorderFocus: base.Foreground(theme.Highlight),
	}
}

// CurrentStyles holds the global styles instance.
var CurrentStyles = GetStyles(DefaultTheme)

// StyleForLine picks the style a rendered line is drawn with, keyed on the
// markers the panels emit.
func StyleForLine(line string, s Styles) tcell.Style {
	trimmed := strings.TrimLeft(line, "│║ ")
	switch {
	case strings.HasPrefix(line, "***"), strings.HasPrefix(trimmed, "Error:"), strings.Contains(line, "[MISSING]"):
		return s.Error
	case strings.Contains(line, "[NOT LOADED]"), strings.Contains(line, "NOT READY"):
		return s.Warning
	case strings.HasPrefix(trimmed, "==="):
		return s.Header
	case strings.HasPrefix(line, "╔"), strings.HasPrefix(line, "║"), strings.HasPrefix(line, "╚"):
		return s.BorderFocus
	case strings.Contains(line, "READY"):
		return s.Success
	default:
		return s.Normal
	}
}
