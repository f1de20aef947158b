package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/roach88/syncq/internal/engine"
	"github.com/roach88/syncq/internal/reconcile"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Faint(true).Width(12)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
	cellStyle  = lipgloss.NewStyle().Padding(0, 1)
)

// maxErrorWidth truncates item errors in tables.
const maxErrorWidth = 60

func statusStyle(s engine.Status) lipgloss.Style {
	switch s {
	case engine.StatusCompleted:
		return okStyle
	case engine.StatusRetrying, engine.StatusProcessing:
		return warnStyle
	case engine.StatusFailed:
		return errStyle
	default:
		return lipgloss.NewStyle()
	}
}

// renderStats renders queue counters as a label/value block.
func renderStats(s engine.Stats) string {
	online := errStyle.Render("offline")
	if s.IsOnline {
		online = okStyle.Render("online")
	}
	failed := strconv.Itoa(s.FailedCount)
	if s.FailedCount > 0 {
		failed = errStyle.Render(failed)
	}

	lines := []string{
		titleStyle.Render("Sync queue"),
		labelStyle.Render("state") + online,
		labelStyle.Render("pending") + strconv.Itoa(s.PendingCount),
		labelStyle.Render("processing") + strconv.Itoa(s.ProcessingCount),
		labelStyle.Render("retrying") + strconv.Itoa(s.RetryingCount),
		labelStyle.Render("failed") + failed,
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// renderItems renders queue items as a table, or a note when empty.
func renderItems(items []engine.Item) string {
	if len(items) == 0 {
		return dimStyle.Render("No items.")
	}

	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{
			it.ID,
			it.Key().String(),
			it.Operation.String(),
			string(it.Status),
			fmt.Sprintf("%d/%d", it.Attempts, it.MaxAttempts),
			strconv.Itoa(it.Priority),
			truncate(it.LastError, maxErrorWidth),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "ENTITY", "OP", "STATUS", "ATTEMPTS", "PRIORITY", "ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return titleStyle.Padding(0, 1)
			}
			if col == 3 && row >= 0 && row < len(items) {
				return statusStyle(items[row].Status).Padding(0, 1)
			}
			return cellStyle
		})
	return t.Render()
}

// renderReconcile renders one line per reconciled type.
func renderReconcile(results []reconcile.Result) string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		var line string
		switch {
		case r.FetchErr != nil:
			line = fmt.Sprintf("%s %s: served %d cached records (%v)",
				warnStyle.Render("!"), r.EntityType, len(r.Entities), r.FetchErr)
		case r.Origin == reconcile.OriginCache:
			line = fmt.Sprintf("%s %s: offline, served %d cached records",
				warnStyle.Render("!"), r.EntityType, len(r.Entities))
		default:
			line = fmt.Sprintf("%s %s: %d fetched, %d skipped, %d cached",
				okStyle.Render("✓"), r.EntityType, r.Fetched, r.Skipped, len(r.Entities))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
