package editing

import (
	"strings"

	"github.com/aide-ai/aide/pkg/types"
)

// lineProcessor rewrites a block of lines of a document from streamed text.
// Text is consumed one complete line at a time; each completed line replaces
// the next line of the target block, so the document reads as new lines
// followed by the not yet rewritten remainder of the old block.
type lineProcessor struct {
	start    int
	prefix   string
	replaced []string
	suffix   string

	written []string
	partial strings.Builder
	done    bool
}

// newLineProcessor targets the lines covered by r, or the whole document when
// r is nil. A range ending at character 0 of a later line does not include
// that line.
func newLineProcessor(content string, r *types.Range) *lineProcessor {
	lines := splitLines(content)
	start, end := 0, len(lines)
	if r != nil {
		start = clamp(r.Start.Line, 0, len(lines))
		last := r.End.Line
		if r.End.Character == 0 && r.End.Line > r.Start.Line {
			last--
		}
		end = clamp(last+1, start, len(lines))
	}
	return &lineProcessor{
		start:    start,
		prefix:   strings.Join(lines[:start], ""),
		replaced: append([]string(nil), lines[start:end]...),
		suffix:   strings.Join(lines[end:], ""),
	}
}

// push feeds a text fragment and returns the number of lines it completed.
func (p *lineProcessor) push(delta string) int {
	if p.done || delta == "" {
		return 0
	}
	p.partial.WriteString(delta)
	buf := p.partial.String()

	n := 0
	for {
		i := strings.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		p.written = append(p.written, buf[:i+1])
		buf = buf[i+1:]
		n++
	}
	if n > 0 {
		p.partial.Reset()
		p.partial.WriteString(buf)
	}
	return n
}

// current renders the document with the lines completed so far.
func (p *lineProcessor) current() string {
	var sb strings.Builder
	sb.WriteString(p.prefix)
	for _, l := range p.written {
		sb.WriteString(l)
	}
	if !p.done && len(p.written) < len(p.replaced) {
		for _, l := range p.replaced[len(p.written):] {
			sb.WriteString(l)
		}
	}
	sb.WriteString(p.suffix)
	return sb.String()
}

// ratio is the share of the target block rewritten so far, capped at 1.
func (p *lineProcessor) ratio() float64 {
	if p.done {
		return 1
	}
	if len(p.replaced) == 0 {
		return 0
	}
	r := float64(len(p.written)) / float64(len(p.replaced))
	if r > 1 {
		return 1
	}
	return r
}

// finish drains the buffered partial line and returns the final document.
// Lines of the target block that were never rewritten are dropped.
func (p *lineProcessor) finish() string {
	if p.done {
		return p.current()
	}
	if rest := p.partial.String(); rest != "" {
		p.written = append(p.written, rest)
		p.partial.Reset()
	}
	if n := len(p.written); n > 0 && p.suffix != "" && !strings.HasSuffix(p.written[n-1], "\n") {
		p.written[n-1] += "\n"
	}
	p.done = true
	return p.current()
}

// interrupt stops the rewrite where it stands. Completed lines stay, the
// buffered partial line is discarded and the old lines not yet rewritten are
// kept, so the document reads as it did after the last completed line.
func (p *lineProcessor) interrupt() string {
	if p.done {
		return p.current()
	}
	if len(p.written) < len(p.replaced) {
		p.written = append(p.written, p.replaced[len(p.written):]...)
	}
	p.partial.Reset()
	p.done = true
	return p.current()
}

// edit describes the finished rewrite as one edit of the original document.
func (p *lineProcessor) edit() types.TextEdit {
	return types.TextEdit{
		Range: types.Range{
			Start: types.Position{Line: p.start},
			End:   types.Position{Line: p.start + len(p.replaced)},
		},
		Text: strings.Join(p.written, ""),
	}
}

// splitLines splits s after each newline, keeping the terminators.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
