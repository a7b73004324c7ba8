package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/shiftboard/shiftsync/internal/engine"
	"github.com/shiftboard/shiftsync/internal/fieldsync"
	"github.com/shiftboard/shiftsync/internal/presence"
	"github.com/shiftboard/shiftsync/internal/snapshot"
)

// Table renders rows under a bold header, padding every column to its widest cell.
func Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, c := range row {
			if i < len(widths) && lipgloss.Width(c) > widths[i] {
				widths[i] = lipgloss.Width(c)
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = Cell.Width(widths[i] + 2).Render(c)
		}
		return style.Render(lipgloss.JoinHorizontal(lipgloss.Top, parts...))
	}

	var b strings.Builder
	b.WriteString(line(headers, Header))
	b.WriteString("\n")
	for _, row := range rows {
		b.WriteString(line(row, lipgloss.NewStyle()))
		b.WriteString("\n")
	}
	return b.String()
}

// Status renders an engine status summary.
func Status(st engine.Status) string {
	conn := Good.Render("online")
	if !st.Online {
		conn = Bad.Render("offline")
	}

	var b strings.Builder
	b.WriteString(Title.Render("shiftsync") + "\n")
	fmt.Fprintf(&b, "%s%s\n", Label.Render("device"), st.DeviceID)
	fmt.Fprintf(&b, "%s%s\n", Label.Render("store"), conn)
	fmt.Fprintf(&b, "%s%d\n", Label.Render("queued"), st.Queued)
	fmt.Fprintf(&b, "%s%d\n", Label.Render("pending"), st.Pending)

	if len(st.Fields) > 0 {
		names := make([]string, 0, len(st.Fields))
		for name := range st.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		rows := make([][]string, 0, len(names))
		for _, name := range names {
			rows = append(rows, []string{name, fieldStatus(st.Fields[name])})
		}
		b.WriteString("\n" + Table([]string{"FIELD", "STATUS"}, rows))
	}
	return b.String()
}

func fieldStatus(s string) string {
	switch fieldsync.Status(s) {
	case fieldsync.StatusSynced:
		return Good.Render(s)
	case fieldsync.StatusQueued:
		return Hot.Render(s)
	default:
		return Warn.Render(s)
	}
}

// Devices renders the active device list, marking self.
func Devices(devices []presence.Device, self string, now time.Time) string {
	if len(devices) == 0 {
		return Muted.Render("no active devices") + "\n"
	}
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		name := d.DisplayName
		if d.ID == self {
			name += Muted.Render(" (this device)")
		}
		seen := now.Sub(time.UnixMilli(d.LastSeenAt)).Truncate(time.Second)
		rows = append(rows, []string{d.ID, name, d.User, seen.String() + " ago"})
	}
	return Title.Render(fmt.Sprintf("%d active device(s)", len(devices))) + "\n" +
		Table([]string{"ID", "NAME", "USER", "LAST SEEN"}, rows)
}

// Snapshot renders a snapshot's items and totals.
func Snapshot(s *snapshot.Snapshot) string {
	kind := "scheduled"
	if s.IsManual() {
		kind = "manual"
	}

	var b strings.Builder
	b.WriteString(Title.Render("Inventory snapshot "+s.Key()) + "\n")
	fmt.Fprintf(&b, "%s%s (%s)\n", Label.Render("captured"), s.CapturedAt().Format(time.RFC3339), kind)
	fmt.Fprintf(&b, "%s%s\n\n", Label.Render("by"), s.CapturedBy())

	rows := make([][]string, 0)
	for _, id := range s.ItemIDs() {
		it, _ := s.Item(id)
		rows = append(rows, []string{
			id, it.Name, it.Category,
			formatQty(it.Quantity, it.Unit),
			fmt.Sprintf("%.2f", it.UnitCost),
			fmt.Sprintf("%.2f", it.TotalValue),
		})
	}
	b.WriteString(Table([]string{"ID", "NAME", "CATEGORY", "QTY", "UNIT COST", "VALUE"}, rows))

	agg := s.Aggregates()
	fmt.Fprintf(&b, "\n%s %d items, quantity %g, value %s\n",
		Label.Render("total"), agg.ItemCount, agg.TotalQuantity, Hot.Render(fmt.Sprintf("%.2f", agg.TotalValue)))
	return b.String()
}

func formatQty(q float64, unit string) string {
	if unit == "" {
		return fmt.Sprintf("%g", q)
	}
	return fmt.Sprintf("%g %s", q, unit)
}
