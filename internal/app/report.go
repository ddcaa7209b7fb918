package app

import (
	"fmt"
	"io"
	"sort"

	"github.com/temirov/ptree/internal/snapshot"
	"github.com/temirov/ptree/internal/traverse"
	"github.com/temirov/ptree/internal/utils"
)

const reportLineFormat = "%-24s %s\n"

// writeSkipReport prints per-name counts of directories excluded by the skip
// policy, descending by count with a name tiebreak. The counts cover the
// scan that just ran; a cache hit has none.
func writeSkipReport(writer io.Writer, skipCounts map[string]uint64, cacheUsed bool) {
	fmt.Fprintln(writer, "Skipped directories:")
	if cacheUsed {
		fmt.Fprintln(writer, "  (none recorded; snapshot served from cache)")
		return
	}
	if len(skipCounts) == 0 {
		fmt.Fprintln(writer, "  (none)")
		return
	}
	type skipEntry struct {
		name  string
		count uint64
	}
	entries := make([]skipEntry, 0, len(skipCounts))
	for name, count := range skipCounts {
		entries = append(entries, skipEntry{name: name, count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})
	for _, entry := range entries {
		fmt.Fprintf(writer, "  %-32s %s\n", entry.name, utils.FormatCount(entry.count))
	}
}

// writeStatsSummary prints the run's timing and volume summary.
func writeStatsSummary(writer io.Writer, snap *snapshot.Snapshot, options RunOptions, cacheUsed bool, timings runTimings) {
	stats := snap.Stats()

	executionMode := "fresh scan"
	if cacheUsed {
		executionMode = "cached"
	}
	threadCount := options.Threads
	if threadCount <= 0 {
		threadCount = traverse.DefaultThreadCount()
	}

	fmt.Fprintln(writer)
	fmt.Fprintf(writer, reportLineFormat, "Execution mode:", executionMode)
	fmt.Fprintf(writer, reportLineFormat, "Scan root:", snap.RootPath())
	fmt.Fprintf(writer, reportLineFormat, "Directories:", utils.FormatCount(stats.TotalDirs))
	fmt.Fprintf(writer, reportLineFormat, "Files:", utils.FormatCount(stats.TotalFiles))
	fmt.Fprintf(writer, reportLineFormat, "Skipped by policy:", utils.FormatCount(stats.SkippedPolicy))
	fmt.Fprintf(writer, reportLineFormat, "Skipped by error:", utils.FormatCount(stats.SkippedError))
	fmt.Fprintf(writer, reportLineFormat, "Symlink loops:", utils.FormatCount(stats.SkippedLoop))
	if !cacheUsed {
		fmt.Fprintf(writer, reportLineFormat, "Threads:", utils.FormatCount(uint64(threadCount)))
		fmt.Fprintf(writer, reportLineFormat, "Traversal time:", utils.FormatDuration(timings.scan))
	}
	fmt.Fprintf(writer, reportLineFormat, "Cache load time:", utils.FormatDuration(timings.cacheLoad))
	fmt.Fprintf(writer, reportLineFormat, "Render time:", utils.FormatDuration(timings.render))
	if options.CachePath != "" {
		fmt.Fprintf(writer, reportLineFormat, "Cache location:", options.CachePath)
	}
}
