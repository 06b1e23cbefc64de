package editing

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffInfo summarizes how an entry's content differs from its pre-edit snapshot.
type DiffInfo struct {
	Added     int    `json:"added"`
	Removed   int    `json:"removed"`
	Patch     string `json:"patch,omitempty"`
	Identical bool   `json:"identical"`
}

// computeDiff builds a line diff between before and after. The patch text is
// prefixed with file headers relative to baseDir when path is set.
func computeDiff(path, before, after, baseDir string) DiffInfo {
	if before == after {
		return DiffInfo{Identical: true}
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	info := DiffInfo{}
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			info.Added += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			info.Removed += countLines(d.Text)
		}
	}

	patchText := dmp.PatchToText(dmp.PatchMake(before, diffs))
	if patchText == "" {
		return info
	}

	var sb strings.Builder
	if rel := relativePath(path, baseDir); rel != "" {
		sb.WriteString(fmt.Sprintf("--- %s\n", rel))
		sb.WriteString(fmt.Sprintf("+++ %s\n", rel))
	}
	sb.WriteString(patchText)
	info.Patch = sb.String()
	return info
}

func relativePath(path, baseDir string) string {
	if path == "" {
		return ""
	}
	if baseDir == "" {
		return path
	}
	if rel, err := filepath.Rel(baseDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return path
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}
