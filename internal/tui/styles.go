package tui

import "github.com/charmbracelet/lipgloss"

// Styles used by the view.
type Styles struct {
	Title     lipgloss.Style
	Phase     lipgloss.Style
	Listening lipgloss.Style
	Status    lipgloss.Style
	User      lipgloss.Style
	Assistant lipgloss.Style
	System    lipgloss.Style
	Error     lipgloss.Style
	Help      lipgloss.Style
}

func DefaultStyles() Styles {
	return Styles{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4F8CFF")),
		Phase:     lipgloss.NewStyle().Padding(0, 1).Background(lipgloss.Color("#2A2D35")).Foreground(lipgloss.Color("#E6E6E6")),
		Listening: lipgloss.NewStyle().Padding(0, 1).Background(lipgloss.Color("#C0392B")).Foreground(lipgloss.Color("#FFFFFF")),
		Status:    lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#AAAAAA")),
		User:      lipgloss.NewStyle().Foreground(lipgloss.Color("#9ECBFF")),
		Assistant: lipgloss.NewStyle().Foreground(lipgloss.Color("#C3F0C3")),
		System:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		Help:      lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),
	}
}
