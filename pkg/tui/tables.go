package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/strand-protocol/rtkit/pkg/model"
)

// stateColor returns a foreground colour for a handshake state.
func stateColor(state string) lipgloss.Color {
	switch state {
	case "booted":
		return lipgloss.Color("2") // green
	case "failed":
		return lipgloss.Color("1") // red
	case "hibernated", "idle":
		return lipgloss.Color("8") // grey
	default:
		return lipgloss.Color("3") // yellow: handshake in progress
	}
}

type col struct {
	title string
	width int
}

func layout(width int, titles []string, fractions []float64) []col {
	cols := make([]col, len(titles))
	for i, t := range titles {
		cols[i] = col{title: t, width: colWidth(width, fractions[i])}
	}
	return cols
}

func header(cols []col) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = headerCellStyle.Width(c.width).Render(c.title)
	}
	return strings.Join(parts, "")
}

func row(cols []col, style lipgloss.Style, cells ...string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = style.Width(c.width).Render(truncate(cells[i], c.width-1))
	}
	return strings.Join(parts, "")
}

func zebra(i int) lipgloss.Style {
	if i%2 == 0 {
		return altRowStyle
	}
	return rowStyle
}

func renderSessions(sessions []model.Session, selected, width int) string {
	if len(sessions) == 0 {
		return dimStyle.Render("  No sessions published.")
	}
	cols := layout(width,
		[]string{"NAME", "STATE", "OWNER", "VERSION", "ENDPOINTS", "RX", "TX"},
		[]float64{0.2, 0.18, 0.14, 0.1, 0.12, 0.1, 0.1})
	rows := []string{header(cols)}
	for i, s := range sessions {
		style := zebra(i)
		if i == selected {
			style = selectedRowStyle
		}
		state := lipgloss.NewStyle().
			Width(cols[1].width).
			Foreground(stateColor(s.State)).
			Render(truncate(s.State, cols[1].width-1))
		rest := row(cols[2:], style,
			s.Owner,
			fmt.Sprintf("%d", s.Version),
			fmt.Sprintf("%d", len(s.Endpoints)),
			fmt.Sprintf("%d", s.Counters["rx_messages"]),
			fmt.Sprintf("%d", s.Counters["tx_messages"]),
		)
		rows = append(rows, style.Width(cols[0].width).Render(truncate(s.Name, cols[0].width-1))+state+rest)
	}
	return strings.Join(rows, "\n")
}

func renderEndpoints(s *model.Session, width int) string {
	if s == nil || len(s.Endpoints) == 0 {
		return dimStyle.Render("  No endpoints discovered.")
	}
	cols := layout(width, []string{"ID", "NAME", "STARTED"}, []float64{0.15, 0.4, 0.2})
	rows := []string{header(cols)}
	for i, ep := range s.Endpoints {
		started := "no"
		if ep.Started {
			started = "yes"
		}
		rows = append(rows, row(cols, zebra(i), fmt.Sprintf("0x%02x", ep.ID), ep.Name, started))
	}
	return strings.Join(rows, "\n")
}

func renderBuffers(s *model.Session, width int) string {
	if s == nil || len(s.Buffers) == 0 {
		return dimStyle.Render("  No shared buffers.")
	}
	cols := layout(width, []string{"ENDPOINT", "IOVA", "SIZE", "OWNER"}, []float64{0.2, 0.3, 0.2, 0.2})
	rows := []string{header(cols)}
	for i, b := range s.Buffers {
		rows = append(rows, row(cols, zebra(i), b.Name, fmt.Sprintf("0x%x", b.IOVA), humanSize(b.Size), b.Owner))
	}
	if s.Syslog != nil {
		rows = append(rows, "", dimStyle.Render(fmt.Sprintf("  syslog ring: %d entries x %d bytes", s.Syslog.Entries, s.Syslog.MsgSize)))
	}
	return strings.Join(rows, "\n")
}

// renderSyslog shows the newest entries first, limited to the selected
// session when there is one.
func renderSyslog(entries []model.SyslogEntry, s *model.Session, width int) string {
	cols := layout(width, []string{"TIME", "CONTEXT", "MESSAGE"}, []float64{0.14, 0.2, 0.6})
	rows := []string{header(cols)}
	n := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if s != nil && e.Session != s.Name {
			continue
		}
		rows = append(rows, row(cols, zebra(n), e.Time.Format("15:04:05"), e.Context, e.Message))
		n++
	}
	if n == 0 {
		return dimStyle.Render("  No syslog entries.")
	}
	return strings.Join(rows, "\n")
}

func humanSize(n uint64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MiB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%d KiB", n>>10)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// colWidth converts a fractional width into a column width of at least 8.
func colWidth(totalWidth int, fraction float64) int {
	return max(int(float64(totalWidth)*fraction), 8)
}

// truncate shortens s to maxLen runes, appending "…" if truncation occurred.
func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 1 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-1]) + "…"
}
