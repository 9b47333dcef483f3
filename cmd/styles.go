package cmd

import "github.com/charmbracelet/lipgloss"

var (
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	approvedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	selectedStyle  = lipgloss.NewStyle().Background(lipgloss.Color("237"))
	inputBoxStyle  = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("205")).
			Padding(0, 1)
)
