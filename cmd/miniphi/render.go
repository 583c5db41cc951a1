package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/normanking/miniphi/internal/adaptive"
	"github.com/normanking/miniphi/internal/tracker"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TERMINAL OUTPUT
// ═══════════════════════════════════════════════════════════════════════════════

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	reasoningStyle = lipgloss.NewStyle().Faint(true).Italic(true).Foreground(lipgloss.Color("#888888"))
	labelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFD7"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAF00"))
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F5F"))
)

const renderWidth = 100

// renderMarkdown formats a finished answer, falling back to the raw text.
func renderMarkdown(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(renderWidth),
	)
	if err != nil {
		return content
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// printReasoning writes a completed reasoning block dimmed.
func printReasoning(w io.Writer, block string) {
	block = strings.TrimSpace(block)
	if block == "" {
		return
	}
	fmt.Fprintln(w, reasoningStyle.Render(block))
}

// printOutcome writes a one-line routing summary.
func printOutcome(w io.Writer, s *adaptive.OutcomeSummary) {
	if s == nil {
		return
	}
	line := fmt.Sprintf("routed %s via %s (%s) reward=%.3f step=%d epsilon=%.3f",
		s.Model, s.Profile, s.Status, s.Reward, s.Step, s.Epsilon)
	if s.ErrorKind != "" {
		line += " error=" + s.ErrorKind
	}
	fmt.Fprintln(w, labelStyle.Render(line))
}

// printStats writes per-model tracker aggregates as an aligned table.
func printStats(w io.Writer, stats []tracker.ModelStats) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "  no exchanges recorded")
		return
	}
	fmt.Fprintf(w, "  %-40s %6s %6s %6s %9s %6s\n", "MODEL", "CALLS", "FAIL", "SCHEMA", "AVG", "SCORE")
	for _, s := range stats {
		score := "-"
		if s.AvgScore != nil {
			score = fmt.Sprintf("%.1f", *s.AvgScore)
		}
		fmt.Fprintf(w, "  %-40s %6d %6d %6d %9s %6s\n",
			s.Model, s.Exchanges, s.Failures, s.SchemaFailed, s.AvgDuration.Round(time.Millisecond), score)
	}
}
