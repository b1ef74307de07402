package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mdn/deployer/internal/sync"
	"github.com/stretchr/testify/assert"
)

func TestUploadSummary(t *testing.T) {
	stats := &sync.Stats{
		Scanned:          1200,
		Uploaded:         3,
		Updated:          1,
		Skipped:          1196,
		Verified:         40,
		StaleProbes:      1,
		BytesTransferred: 2_500_000,
		Elapsed:          1500 * time.Millisecond,
	}

	var out bytes.Buffer
	printSummary(&out, "Upload site", uploadRows(stats, false))
	got := stripANSI(out.String())

	assert.Contains(t, got, "Upload site")
	assert.Equal(t, "1,200", summaryValue(t, got, "scanned"))
	assert.Equal(t, "1,196", summaryValue(t, got, "skipped"))
	assert.Equal(t, "2.5", summaryValue(t, got, "transferred"))
	assert.Equal(t, "1.5s", summaryValue(t, got, "took"))
	assert.Equal(t, "1", summaryValue(t, got, "stale"))
	assert.NotContains(t, got, "planned")
	assert.NotContains(t, got, "failed")
}

func TestMirrorSummary(t *testing.T) {
	stats := &sync.Stats{Scanned: 5, Downloaded: 2, Skipped: 2, Vanished: 1, Failed: 1}

	got := stripANSI(renderSummary("Mirror", mirrorRows(stats, nil)))
	assert.Equal(t, "2", summaryValue(t, got, "downloaded"))
	assert.Equal(t, "1", summaryValue(t, got, "vanished"))
	assert.Equal(t, "1", summaryValue(t, got, "failed"))
	assert.NotContains(t, got, "conflicts")
}

func TestUploadSummaryListsRenames(t *testing.T) {
	long := strings.Repeat("x", 80) + "/page.html"
	stats := &sync.Stats{Scanned: 1, Uploaded: 1, Renamed: 1, Renames: map[string]string{long: "0123456789ab/page.html"}}

	got := stripANSI(renderSummary("Upload site", uploadRows(stats, false)))
	assert.Equal(t, "1", summaryValue(t, got, "renamed"))
	assert.Contains(t, got, "0123456789ab/page.html <- "+strings.Repeat("x", renameWidth)+"...")
	assert.NotContains(t, got, long)
}

func TestPrintSummaryNilStats(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, "Upload", uploadRows(nil, false))
	assert.Empty(t, out.String())
}
