package simulator

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/lox/sus/internal/session"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	goodStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))
)

// Report renders statistics for a terminal.
func Report(stats *Statistics) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("Simulated %d sessions in %v", stats.Sessions, stats.Duration.Round(time.Millisecond))))
	b.WriteString("\n\n")

	row := func(label string, value any) {
		fmt.Fprintf(&b, "  %s %v\n", labelStyle.Render(fmt.Sprintf("%-14s", label)), value)
	}

	b.WriteString(headerStyle.Render("Outcomes"))
	b.WriteString("\n")
	for _, o := range []session.Outcome{session.OutcomeCrewWin, session.OutcomeDefected, session.OutcomeDefectorWin, session.OutcomeRefund} {
		row(o.String(), percent(stats.ByOutcome[o], stats.Sessions))
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("End reasons"))
	b.WriteString("\n")
	for _, r := range stats.Reasons() {
		row(r, stats.ByReason[r])
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Play"))
	b.WriteString("\n")
	row("joins", stats.Joins)
	row("mean rounds", fmt.Sprintf("%.2f", stats.MeanRounds()))
	row("max rounds", stats.MaxRounds)
	row("rejected", stats.Rejected)
	row("disputed", stats.Disputed)
	row("late disputes", stats.Unresolvable)
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Funds"))
	b.WriteString("\n")
	row("staked", stats.Staked)
	row("paid", stats.Paid)
	row("retries", stats.Retries)
	if stats.Paid == stats.Staked {
		b.WriteString(goodStyle.Render("  every stake accounted for"))
	} else {
		b.WriteString(warnStyle.Render(fmt.Sprintf("  %d unaccounted", stats.Staked-stats.Paid)))
	}
	b.WriteString("\n")
	return b.String()
}

func percent(n, total int) string {
	if total == 0 {
		return "0"
	}
	return fmt.Sprintf("%d (%.1f%%)", n, 100*float64(n)/float64(total))
}
