// Package ui provides terminal styling for switchyard CLI output.
// Uses the Ayu color theme with adaptive light/dark mode support.
package ui

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"

	"github.com/steveyegge/switchyard/internal/types"
)

// Ayu theme color palette
// Dark: https://terminalcolors.com/themes/ayu/dark/
// Light: https://terminalcolors.com/themes/ayu/light/
var (
	ColorPass = lipgloss.AdaptiveColor{
		Light: "#86b300", // ayu light bright green
		Dark:  "#c2d94c", // ayu dark bright green
	}
	ColorWarn = lipgloss.AdaptiveColor{
		Light: "#f2ae49", // ayu light bright yellow
		Dark:  "#ffb454", // ayu dark bright yellow
	}
	ColorFail = lipgloss.AdaptiveColor{
		Light: "#f07171", // ayu light bright red
		Dark:  "#f07178", // ayu dark bright red
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#828c99", // ayu light muted
		Dark:  "#6c7680", // ayu dark muted
	}
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#399ee6", // ayu light bright blue
		Dark:  "#59c2ff", // ayu dark bright blue
	}
)

// Status styles - consistent across all commands
var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
)

// HeaderStyle for section headers - bold with accent color
var HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)

// Status icons - consistent semantic indicators
const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
	IconSkip = "-"
)

// RenderPass renders text with pass (green) styling
func RenderPass(s string) string {
	return PassStyle.Render(s)
}

// RenderWarn renders text with warning (yellow) styling
func RenderWarn(s string) string {
	return WarnStyle.Render(s)
}

// RenderFail renders text with fail (red) styling
func RenderFail(s string) string {
	return FailStyle.Render(s)
}

// RenderMuted renders text with muted (gray) styling
func RenderMuted(s string) string {
	return MutedStyle.Render(s)
}

// RenderAccent renders text with accent (blue) styling
func RenderAccent(s string) string {
	return AccentStyle.Render(s)
}

// RenderHeader renders a section header in uppercase with accent color
func RenderHeader(s string) string {
	return HeaderStyle.Render(strings.ToUpper(s))
}

// RenderAlive renders a session liveness marker: green check for a live
// process, red cross for a dead one.
func RenderAlive(alive bool) string {
	if alive {
		return PassStyle.Render(IconPass + " alive")
	}
	return FailStyle.Render(IconFail + " dead")
}

// RenderClaimMode colors a claim mode by how much it excludes: EXCLUSIVE
// red, SHARED yellow, INTENT muted.
func RenderClaimMode(mode types.ClaimMode) string {
	switch mode {
	case types.ClaimExclusive:
		return FailStyle.Render(string(mode))
	case types.ClaimShared:
		return WarnStyle.Render(string(mode))
	case types.ClaimIntent:
		return MutedStyle.Render(string(mode))
	}
	return string(mode)
}

// RenderSeverity colors a conflict severity grade.
func RenderSeverity(sev types.Severity) string {
	switch sev {
	case types.SeverityLow:
		return PassStyle.Render(string(sev))
	case types.SeverityMedium:
		return WarnStyle.Render(string(sev))
	case types.SeverityHigh:
		return FailStyle.Render(string(sev))
	}
	return string(sev)
}

// RenderConfidence formats a confidence score with color grading:
// ≥0.8 green, ≥0.5 yellow, below that red.
func RenderConfidence(score float64) string {
	s := fmt.Sprintf("%.2f", score)
	switch {
	case score >= 0.8:
		return PassStyle.Render(s)
	case score >= 0.5:
		return WarnStyle.Render(s)
	default:
		return FailStyle.Render(s)
	}
}

// FormatDuration renders elapsed minutes the way humans read them:
// "45m", "2h 15m", "3d 4h".
func FormatDuration(minutes float64) string {
	m := int(minutes)
	if m < 60 {
		return fmt.Sprintf("%dm", m)
	}
	if m < 24*60 {
		return fmt.Sprintf("%dh %dm", m/60, m%60)
	}
	days := m / (24 * 60)
	return fmt.Sprintf("%dd %dh", days, (m%(24*60))/60)
}

// TruncateSimple performs end truncation with an ellipsis. UTF-8 safe.
func TruncateSimple(text string, maxLen int) string {
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return "..."
	}
	runes := []rune(text)
	return string(runes[:maxLen-3]) + "..."
}
