package editing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aide-ai/aide/pkg/types"
)

func TestLineProcessor_WholeFile(t *testing.T) {
	p := newLineProcessor("a\nb\nc\n", nil)

	assert.Equal(t, 1, p.push("x\n"))
	assert.Equal(t, "x\nb\nc\n", p.current())
	assert.InDelta(t, 1.0/3, p.ratio(), 1e-9)

	assert.Equal(t, 1, p.push("y\nz"))
	assert.Equal(t, "x\ny\nc\n", p.current())

	assert.Equal(t, "x\ny\nz", p.finish())
	assert.Equal(t, 1.0, p.ratio())
}

func TestLineProcessor_PartialLinesAreBuffered(t *testing.T) {
	p := newLineProcessor("old\n", nil)

	assert.Equal(t, 0, p.push("ne"))
	assert.Equal(t, 0, p.push("w li"))
	assert.Equal(t, "old\n", p.current())
	assert.Equal(t, 1, p.push("ne\n"))
	assert.Equal(t, "new line\n", p.current())
}

func TestLineProcessor_Range(t *testing.T) {
	r := &types.Range{
		Start: types.Position{Line: 1},
		End:   types.Position{Line: 2, Character: 1},
	}
	p := newLineProcessor("1\n2\n3\n4\n", r)

	p.push("two\n")
	assert.Equal(t, "1\ntwo\n3\n4\n", p.current())

	p.push("three")
	assert.Equal(t, "1\ntwo\nthree\n4\n", p.finish())
}

func TestLineProcessor_RangeEndingAtLineStart(t *testing.T) {
	r := &types.Range{
		Start: types.Position{Line: 1},
		End:   types.Position{Line: 3, Character: 0},
	}
	p := newLineProcessor("1\n2\n3\n4\n", r)
	p.push("X\n")
	assert.Equal(t, "1\nX\n4\n", p.finish())
}

func TestLineProcessor_RangeOutOfBounds(t *testing.T) {
	r := &types.Range{
		Start: types.Position{Line: 10},
		End:   types.Position{Line: 12},
	}
	p := newLineProcessor("a\n", r)
	p.push("appended\n")
	assert.Equal(t, "a\nappended\n", p.finish())
}

func TestLineProcessor_EmptyDocument(t *testing.T) {
	p := newLineProcessor("", nil)
	assert.Equal(t, 0.0, p.ratio())

	p.push("hello\nworld")
	assert.Equal(t, "hello\n", p.current())
	assert.Equal(t, "hello\nworld", p.finish())
}

func TestLineProcessor_ShorterRewriteDropsRemainder(t *testing.T) {
	p := newLineProcessor("a\nb\nc\n", nil)
	p.push("only\n")
	assert.Equal(t, "only\n", p.finish())

	// Pushing after finish has no effect.
	assert.Equal(t, 0, p.push("more\n"))
	assert.Equal(t, "only\n", p.current())
}

func TestLineProcessor_InterruptKeepsUnwrittenLines(t *testing.T) {
	p := newLineProcessor("a\nb\nc\n", nil)
	p.push("x\npart")

	assert.Equal(t, "x\nb\nc\n", p.interrupt())
	assert.Equal(t, 1.0, p.ratio())
	assert.Equal(t, 0, p.push("more\n"))
	assert.Equal(t, "x\nb\nc\n", p.finish())
}

func TestLineProcessor_Edit(t *testing.T) {
	r := &types.Range{
		Start: types.Position{Line: 1},
		End:   types.Position{Line: 3},
	}
	p := newLineProcessor("1\n2\n3\n4\n", r)
	p.push("two\nthree\n")
	p.finish()

	assert.Equal(t, types.TextEdit{
		Range: types.Range{Start: types.Position{Line: 1}, End: types.Position{Line: 3}},
		Text:  "two\nthree\n",
	}, p.edit())
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a\n", []string{"a\n"}},
		{"a\nb", []string{"a\n", "b"}},
		{"a\n\nb\n", []string{"a\n", "\n", "b\n"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitLines(tt.in), "input %q", tt.in)
	}
}

func TestComputeDiff(t *testing.T) {
	info := computeDiff("/work/foo.ts", "let a = 1\nlet b = 2\n", "let a = 10\nlet b = 2\n", "/work")
	assert.False(t, info.Identical)
	assert.Equal(t, 1, info.Added)
	assert.Equal(t, 1, info.Removed)
	assert.Contains(t, info.Patch, "--- foo.ts\n+++ foo.ts\n")

	same := computeDiff("/work/foo.ts", "x", "x", "/work")
	assert.True(t, same.Identical)
	assert.Empty(t, same.Patch)
}
