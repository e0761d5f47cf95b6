package report

import (
	"fmt"
	"strings"

	"image-compressor-go/internal/session"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	ColorDim     = lipgloss.Color("#7A8291")
	ColorSuccess = lipgloss.Color("#A3BE8C")
	ColorWarn    = lipgloss.Color("#EBCB8B")

	labelStyle = lipgloss.NewStyle().Foreground(ColorDim)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Bold(true)
	goodStyle  = lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(ColorWarn).Bold(true)
)

// Row is one label/value line of a summary table.
type Row struct {
	Label string
	Value string
	style *lipgloss.Style
}

// Rows builds the summary rows of a completed session snapshot.
func Rows(snap session.Snapshot, outputPath string) []Row {
	rows := []Row{
		{Label: "File", Value: snap.FileName},
		{Label: "Original Size", Value: fmt.Sprintf("%s KB (%s)", session.FormatKB(snap.OriginalSize), humanize.IBytes(uint64(snap.OriginalSize)))},
	}
	if snap.Result == nil {
		return rows
	}

	res := snap.Result
	rows = append(rows,
		Row{Label: "Compressed Size", Value: fmt.Sprintf("%s KB (%s)", session.FormatKB(res.Size), humanize.IBytes(uint64(res.Size)))},
		Row{Label: "Dimensions", Value: fmt.Sprintf("%dx%d", res.Width, res.Height)},
		Row{Label: "Quality", Value: fmt.Sprintf("%d", res.Quality)},
	)
	if snap.HasRate {
		style := &goodStyle
		if snap.Rate < 0 {
			style = &warnStyle
		}
		rows = append(rows, Row{Label: "Compression Saved", Value: session.FormatRate(snap.Rate) + "%", style: style})
	}
	if !res.MetTarget {
		rows = append(rows, Row{Label: "Note", Value: "size target not reached, closest result kept", style: &warnStyle})
	}
	if outputPath != "" {
		rows = append(rows, Row{Label: "Output", Value: outputPath})
	}
	return rows
}

// Render formats rows as an aligned two-column table.
func Render(rows []Row) string {
	labelWidth := 0
	valueWidth := 0
	for _, row := range rows {
		labelWidth = max(labelWidth, len(row.Label))
		valueWidth = max(valueWidth, len(row.Value))
	}

	hline := strings.Repeat("-", labelWidth+valueWidth+3)
	lines := []string{hline}

	for _, row := range rows {
		style := valueStyle
		if row.style != nil {
			style = *row.style
		}
		line := fmt.Sprintf("%s | %s",
			labelStyle.Render(padRight(row.Label, labelWidth)),
			style.Render(padRight(row.Value, valueWidth)))
		lines = append(lines, line)
	}

	lines = append(lines, hline)
	return strings.Join(lines, "\n")
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
