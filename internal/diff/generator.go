// Package diff renders unified text diffs for artifact revisions and patch
// previews.
package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxDiffBytes guards against diffing pathologically large content.
const maxDiffBytes = 10 * 1024 * 1024

// Generator produces line-based unified diffs.
type Generator struct {
	contextLines int
	colorEnabled bool
}

// NewGenerator creates a generator with the given number of context lines.
func NewGenerator(contextLines int, colorEnabled bool) *Generator {
	if contextLines <= 0 {
		contextLines = 3
	}
	return &Generator{
		contextLines: contextLines,
		colorEnabled: colorEnabled,
	}
}

// DiffResult contains the generated diff and statistics.
type DiffResult struct {
	UnifiedDiff  string
	AddedLines   int
	DeletedLines int
	ChangedFiles int
	IsBinary     bool
}

type lineOp struct {
	op   diffmatchpatch.Operation
	text string
}

// GenerateUnified creates a unified diff between old and new content.
func (g *Generator) GenerateUnified(oldContent, newContent, filename string) (*DiffResult, error) {
	if oldContent == newContent {
		return &DiffResult{}, nil
	}

	if isBinary(oldContent) || isBinary(newContent) {
		return &DiffResult{
			UnifiedDiff:  fmt.Sprintf("Binary file %s has changed", filename),
			ChangedFiles: 1,
			IsBinary:     true,
		}, nil
	}

	if len(oldContent) > maxDiffBytes || len(newContent) > maxDiffBytes {
		return &DiffResult{
			UnifiedDiff: fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ Large file, diff skipped @@\n",
				filename, filename),
			ChangedFiles: 1,
		}, nil
	}

	ops := g.lineDiff(oldContent, newContent)

	added, deleted := 0, 0
	for _, op := range ops {
		switch op.op {
		case diffmatchpatch.DiffInsert:
			added++
		case diffmatchpatch.DiffDelete:
			deleted++
		}
	}

	var out strings.Builder
	out.WriteString(g.colorize("--- a/"+filename+"\n", color.FgRed))
	out.WriteString(g.colorize("+++ b/"+filename+"\n", color.FgGreen))
	for _, span := range g.hunkSpans(ops) {
		g.renderHunk(&out, ops, span[0], span[1])
	}

	return &DiffResult{
		UnifiedDiff:  out.String(),
		AddedLines:   added,
		DeletedLines: deleted,
		ChangedFiles: 1,
	}, nil
}

// lineDiff computes a per-line diff using the chars-to-lines trick, which
// keeps diffmatchpatch operating on whole lines instead of characters.
func (g *Generator) lineDiff(oldContent, newContent string) []lineOp {
	dmp := diffmatchpatch.New()
	oldChars, newChars, lineArray := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(oldChars, newChars, false), lineArray)

	var ops []lineOp
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			ops = append(ops, lineOp{op: d.Type, text: line})
		}
	}
	return ops
}

// hunkSpans groups changed lines into [start, end) index ranges over ops,
// each padded with context lines. Overlapping ranges are merged.
func (g *Generator) hunkSpans(ops []lineOp) [][2]int {
	var spans [][2]int
	i := 0
	for i < len(ops) {
		if ops[i].op == diffmatchpatch.DiffEqual {
			i++
			continue
		}
		j := i
		for j < len(ops) && ops[j].op != diffmatchpatch.DiffEqual {
			j++
		}
		start := max(0, i-g.contextLines)
		end := min(len(ops), j+g.contextLines)
		if n := len(spans); n > 0 && start <= spans[n-1][1] {
			spans[n-1][1] = end
		} else {
			spans = append(spans, [2]int{start, end})
		}
		i = j
	}
	return spans
}

func (g *Generator) renderHunk(out *strings.Builder, ops []lineOp, start, end int) {
	oldBefore, newBefore := 0, 0
	for i := 0; i < start; i++ {
		if ops[i].op != diffmatchpatch.DiffInsert {
			oldBefore++
		}
		if ops[i].op != diffmatchpatch.DiffDelete {
			newBefore++
		}
	}
	oldCount, newCount := 0, 0
	for i := start; i < end; i++ {
		if ops[i].op != diffmatchpatch.DiffInsert {
			oldCount++
		}
		if ops[i].op != diffmatchpatch.DiffDelete {
			newCount++
		}
	}
	oldStart, newStart := oldBefore+1, newBefore+1
	if oldCount == 0 {
		oldStart = oldBefore
	}
	if newCount == 0 {
		newStart = newBefore
	}

	header := fmt.Sprintf("@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
	out.WriteString(g.colorize(header, color.FgCyan))
	for i := start; i < end; i++ {
		switch ops[i].op {
		case diffmatchpatch.DiffDelete:
			out.WriteString(g.colorize("-"+ops[i].text+"\n", color.FgRed))
		case diffmatchpatch.DiffInsert:
			out.WriteString(g.colorize("+"+ops[i].text+"\n", color.FgGreen))
		default:
			out.WriteString(" " + ops[i].text + "\n")
		}
	}
}

// colorize applies color to text if color is enabled.
func (g *Generator) colorize(text string, colorAttr color.Attribute) string {
	if !g.colorEnabled {
		return text
	}
	return color.New(colorAttr).Sprint(text)
}

// isBinary checks for null bytes in the first 8000 bytes.
func isBinary(content string) bool {
	checkLen := min(len(content), 8000)
	for i := 0; i < checkLen; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}

// FormatSummary returns a human-readable summary of changes.
func (dr *DiffResult) FormatSummary() string {
	if dr.IsBinary {
		return "Binary file changed"
	}
	if dr.AddedLines == 0 && dr.DeletedLines == 0 {
		return "No changes"
	}

	parts := []string{}
	if dr.AddedLines > 0 {
		parts = append(parts, fmt.Sprintf("+%d lines", dr.AddedLines))
	}
	if dr.DeletedLines > 0 {
		parts = append(parts, fmt.Sprintf("-%d lines", dr.DeletedLines))
	}
	return strings.Join(parts, ", ")
}
