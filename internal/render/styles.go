package render

import "github.com/charmbracelet/lipgloss"

var (
	colorMuted = lipgloss.Color("242")
	colorTitle = lipgloss.Color("39")
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("cyan")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	highCPUStyle = cellStyle.Foreground(lipgloss.Color("red"))
	medCPUStyle  = cellStyle.Foreground(lipgloss.Color("yellow"))

	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	sectionTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorTitle)

	emptyStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			Italic(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true)
)
