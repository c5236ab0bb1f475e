package ui

import (
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muurk/iotgate/internal/capture"
	"github.com/muurk/iotgate/internal/credentials"
)

// RenderDeviceTable lists provisioned devices.
func RenderDeviceTable(entries []credentials.Entry, width int) string {
	if len(entries) == 0 {
		return lipgloss.NewStyle().Foreground(MutedColor).Render("  No devices provisioned.")
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		created := "-"
		if !e.CreatedAt.IsZero() {
			created = e.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		label := e.Label
		if label == "" {
			label = "-"
		}
		rows = append(rows, []string{e.ID.String(), label, created})
	}

	return renderTable(width, []string{"DEVICE", "LABEL", "ADDED"}, rows)
}

// RenderCaptureSummary shows per-device traffic from a capture file.
func RenderCaptureSummary(summaries []capture.Summary, width int) string {
	if len(summaries) == 0 {
		return lipgloss.NewStyle().Foreground(MutedColor).Render("  No records.")
	}

	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []string{
			s.Device,
			strconv.Itoa(s.Inbound),
			strconv.Itoa(s.Outbound),
			strconv.Itoa(s.Bytes),
			s.First.Local().Format("15:04:05"),
			s.Last.Local().Format("15:04:05"),
		})
	}
	return renderTable(width, []string{"DEVICE", "IN", "OUT", "BYTES", "FIRST", "LAST"}, rows)
}

func renderTable(width int, headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(PrimaryColor)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			return TableCellStyle
		})
	if width >= MinTerminalWidth {
		t = t.Width(width)
	}
	return t.Render()
}
