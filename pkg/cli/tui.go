package cli

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Theme is the terminal color palette.
type Theme struct {
	Primary lipgloss.Color
	Muted   lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
}

// DefaultTheme is used by [DefaultStyles].
var DefaultTheme = Theme{
	Primary: lipgloss.Color("39"),
	Muted:   lipgloss.Color("245"),
	Success: lipgloss.Color("42"),
	Warning: lipgloss.Color("214"),
	Error:   lipgloss.Color("196"),
}

// Styles are the lipgloss styles derived from a Theme.
type Styles struct {
	Header  lipgloss.Style
	Cell    lipgloss.Style
	Border  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}

// NewStyles builds the styles of t.
func NewStyles(t Theme) Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		Cell:    lipgloss.NewStyle().Padding(0, 1),
		Border:  lipgloss.NewStyle().Foreground(t.Muted),
		Success: lipgloss.NewStyle().Foreground(t.Success),
		Warning: lipgloss.NewStyle().Foreground(t.Warning),
		Error:   lipgloss.NewStyle().Foreground(t.Error),
	}
}

// DefaultStyles is used by the Print helpers and [RenderTable].
var DefaultStyles = NewStyles(DefaultTheme)

// RenderTable renders rows under header as a bordered table.
func RenderTable(header []string, rows [][]string) string {
	s := DefaultStyles
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(s.Border).
		Headers(header...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.Header
			}
			return s.Cell
		}).
		String()
}
