package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mdn/deployer/internal/etagcache"
	"github.com/mdn/deployer/internal/sync"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("242")).Width(14)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

const renameWidth = 48

type row struct {
	label string
	value string
	warn  bool
}

func count(n int) string {
	return humanize.Comma(int64(n))
}

func uploadRows(s *sync.Stats, dryRun bool) []row {
	if s == nil {
		return nil
	}
	rows := []row{
		{label: "scanned", value: count(s.Scanned)},
		{label: "uploaded", value: count(s.Uploaded)},
		{label: "updated", value: count(s.Updated)},
		{label: "skipped", value: fmt.Sprintf("%s (%s verified)", count(s.Skipped), count(s.Verified))},
	}
	if dryRun {
		rows = append(rows, row{label: "planned", value: count(s.Planned)})
	}
	if s.StaleProbes > 0 {
		rows = append(rows, row{label: "stale", value: count(s.StaleProbes), warn: true})
	}
	if s.Renamed > 0 {
		rows = append(rows, row{label: "renamed", value: count(s.Renamed), warn: true})
		rows = append(rows, renameRows(s)...)
	}
	return append(rows, commonRows(s)...)
}

func mirrorRows(s *sync.Stats, cache *etagcache.Cache) []row {
	if s == nil {
		return nil
	}
	rows := []row{
		{label: "listed", value: count(s.Scanned)},
		{label: "downloaded", value: count(s.Downloaded)},
		{label: "skipped", value: count(s.Skipped)},
	}
	if s.Vanished > 0 {
		rows = append(rows, row{label: "vanished", value: count(s.Vanished), warn: true})
	}
	if s.Conflicts > 0 {
		rows = append(rows, row{label: "conflicts", value: count(s.Conflicts), warn: true})
	}
	if s.Renamed > 0 {
		rows = append(rows, row{label: "renamed", value: count(s.Renamed)})
	}
	if cache != nil {
		rows = append(rows, row{label: "known etags", value: count(cache.Len())})
	}
	return append(rows, commonRows(s)...)
}

// renameRows lists each shortened key with the start of the key it replaced.
func renameRows(s *sync.Stats) []row {
	rows := make([]row, 0, len(s.Renames))
	for _, original := range slices.Sorted(maps.Keys(s.Renames)) {
		rows = append(rows, row{value: s.Renames[original] + " <- " + ellipsize(original, renameWidth)})
	}
	return rows
}

func ellipsize(s string, width int) string {
	if len(s) <= width {
		return s
	}
	return s[:width] + "..."
}

func commonRows(s *sync.Stats) []row {
	rows := []row{
		{label: "transferred", value: humanize.Bytes(uint64(s.BytesTransferred))},
		{label: "took", value: s.Elapsed.Round(time.Millisecond).String()},
		{label: "distributed", value: s.WorkerTime.Round(time.Millisecond).String()},
	}
	if s.Failed > 0 {
		rows = append(rows, row{label: "failed", value: count(s.Failed), warn: true})
	}
	return rows
}

func renderSummary(title string, rows []row) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(title))
	sb.WriteString("\n")
	for _, r := range rows {
		style := valueStyle
		if r.warn {
			style = warnStyle
		}
		sb.WriteString(labelStyle.Render(r.label))
		sb.WriteString(style.Render(r.value))
		sb.WriteString("\n")
	}
	return sb.String()
}

func printSummary(w io.Writer, title string, rows []row) {
	if len(rows) == 0 {
		return
	}
	fmt.Fprint(w, renderSummary(title, rows))
}
