package terminal

import "github.com/charmbracelet/lipgloss"

var (
	colorBlue    = lipgloss.Color("#61AFEF")
	colorGreen   = lipgloss.Color("#98C379")
	colorRed     = lipgloss.Color("#E06C75")
	colorYellow  = lipgloss.Color("#E5C07B")
	colorMagenta = lipgloss.Color("#C678DD")
	colorMuted   = lipgloss.Color("#636B78")
)

type styles struct {
	user      lipgloss.Style
	assistant lipgloss.Style
	thinking  lipgloss.Style
	tool      lipgloss.Style
	ok        lipgloss.Style
	failed    lipgloss.Style
	approval  lipgloss.Style
	muted     lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		user:      lipgloss.NewStyle().Foreground(colorBlue).Bold(true),
		assistant: lipgloss.NewStyle().Foreground(colorMagenta).Bold(true),
		thinking:  lipgloss.NewStyle().Foreground(colorMuted).Italic(true),
		tool:      lipgloss.NewStyle().Foreground(colorYellow),
		ok:        lipgloss.NewStyle().Foreground(colorGreen),
		failed:    lipgloss.NewStyle().Foreground(colorRed),
		approval:  lipgloss.NewStyle().Foreground(colorYellow).Bold(true),
		muted:     lipgloss.NewStyle().Foreground(colorMuted),
	}
}
