package commands

import "github.com/charmbracelet/lipgloss"

var (
	styleBanner  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	stylePrompt  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	styleWarn    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// styleStatus colors a terminal run status for console output.
func styleStatus(status string) string {
	switch status {
	case "succeeded":
		return styleSuccess.Render(status)
	case "forward_only":
		return styleError.Render(status)
	case "rolled_back":
		return styleWarn.Render(status)
	case "cancelled", "in_progress":
		return styleMuted.Render(status)
	default:
		return status
	}
}
