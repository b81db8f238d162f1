// Package tui renders the startup banner shown when serving from a terminal.
package tui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var HasTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

var (
	bannerLabelColor  = lipgloss.AdaptiveColor{Light: "#a60853", Dark: "#F652A0"}
	bannerBorderColor = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#AAAAAA"}
	bannerTitleColor  = lipgloss.AdaptiveColor{Light: "#00AAAA", Dark: "#00FFFF"}
	bannerMaxWidth    = 80
	bannerStyle       = lipgloss.NewStyle().
				Padding(1).
				AlignVertical(lipgloss.Top).
				AlignHorizontal(lipgloss.Left).
				Border(lipgloss.RoundedBorder()).
				BorderForeground(bannerBorderColor)
	bannerLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(bannerLabelColor)
	bannerTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(bannerTitleColor)
)

// Field is one "label: value" row of a banner.
type Field struct {
	Label string
	Value string
}

// RenderBanner returns title above the fields, aligned on their labels and
// framed in a rounded border.
func RenderBanner(title string, fields []Field) string {
	var width int
	for _, f := range fields {
		width = max(width, len(f.Label))
	}
	rows := make([]string, 0, len(fields))
	for _, f := range fields {
		label := bannerLabelStyle.Render(fmt.Sprintf("%-*s", width, f.Label))
		row := label + "  " + f.Value
		rows = append(rows, lipgloss.NewStyle().MaxWidth(bannerMaxWidth).Render(row))
	}
	return bannerStyle.Render(bannerTitleStyle.Render(title) + "\n\n" + strings.Join(rows, "\n"))
}

// ShowBanner writes the banner to w when stdout is a terminal.
func ShowBanner(w io.Writer, title string, fields []Field) {
	if !HasTTY {
		return
	}
	fmt.Fprintln(w, RenderBanner(title, fields))
}
