package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/glamour"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/dohr-michael/pilot/internal/ranking"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

var (
	bandStyles = map[ranking.Band]lipgloss.Style{
		ranking.BandRed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true),
		ranking.BandYellow: lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		ranking.BandGreen:  lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")),
	}
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

func outputFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "Output format: table, json or yaml",
		Value:   formatTable,
		Validator: func(s string) error {
			switch s {
			case formatTable, formatJSON, formatYAML:
				return nil
			}
			return fmt.Errorf("unknown output format %q", s)
		},
	}
}

// writeStructured encodes v as JSON or YAML. It reports false for the
// table format so the caller renders its own view.
func writeStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	default:
		return false, nil
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(f *os.File) int {
	if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
		return w
	}
	return 80
}

// colorize styles s only when stdout is a terminal.
func colorize(style lipgloss.Style, s string) string {
	if !isTerminal(os.Stdout) {
		return s
	}
	return style.Render(s)
}

func priorityBadge(priority int) string {
	return colorize(bandStyles[ranking.BandFor(priority)], fmt.Sprintf("P%d", priority))
}

// renderMarkdown renders content for the terminal, falling back to the raw text.
func renderMarkdown(content string) string {
	if content == "" || !isTerminal(os.Stdout) {
		return content
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(min(terminalWidth(os.Stdout), 120)),
	)
	if err != nil {
		return content
	}
	out, err := r.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(out, "\n")
}
