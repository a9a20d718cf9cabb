package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// hunkHeaderPattern matches a unified-diff hunk header of the form
// "@@ -old_start[,old_count] +new_start[,new_count] @@", optionally
// followed by trailing context text.
var hunkHeaderPattern = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// parseUnifiedDiffHunks walks unifiedDiff line by line, starting a new
// PatchHunkPreview at each "@@" header and tallying added/removed lines
// until the next header or end of input.
func parseUnifiedDiffHunks(unifiedDiff string) []PatchHunkPreview {
	var hunks []PatchHunkPreview
	var current *PatchHunkPreview
	hunkIndex := 0

	flush := func() {
		if current != nil {
			hunks = append(hunks, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(unifiedDiff, "\n") {
		if strings.HasPrefix(line, "@@") {
			flush()

			match := hunkHeaderPattern.FindStringSubmatch(line)
			if match == nil {
				continue
			}

			oldStart, oldCount := parseHunkRange(match[1], match[2])
			newStart, newCount := parseHunkRange(match[3], match[4])

			hunkIndex++
			current = &PatchHunkPreview{
				HunkID:   fmt.Sprintf("hunk-%d", hunkIndex),
				Header:   line,
				OldStart: oldStart,
				OldCount: oldCount,
				NewStart: newStart,
				NewCount: newCount,
				Decision: HunkPending,
			}
			continue
		}

		if current == nil {
			continue
		}

		switch {
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			current.AddedLines++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			current.RemovedLines++
		}
	}

	flush()
	return hunks
}

// parseHunkRange parses a header's start value and optional count
// (defaulting the count to 1 when omitted, per the unified diff
// format).
func parseHunkRange(start, count string) (int, int) {
	startN, _ := strconv.Atoi(start)
	if count == "" {
		return startN, 1
	}
	countN, _ := strconv.Atoi(count)
	return startN, countN
}
