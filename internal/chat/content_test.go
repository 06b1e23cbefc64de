package chat

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-ai/aide/pkg/types"
)

func md(v string) types.MarkdownContent {
	return types.MarkdownContent{Content: types.Markdown(v)}
}

func edit(uri, text string) types.TextEditProgress {
	return types.TextEditProgress{URI: uri, Edits: []types.TextEdit{{Text: text}}}
}

func TestUpdateContent_MergesCompatibleMarkdown(t *testing.T) {
	c := NewResponseContent(nil, nil)

	c.UpdateContent(md("Let me look"))
	c.UpdateContent(md(" at this."))

	parts := c.Parts()
	require.Len(t, parts, 1)
	assert.Equal(t, "Let me look at this.", parts[0].(types.MarkdownContent).Content.Value)
	assert.Equal(t, "Let me look at this.", c.Markdown())
}

func TestUpdateContent_DoesNotMergeDifferentFormat(t *testing.T) {
	c := NewResponseContent(nil, nil)

	c.UpdateContent(md("plain"))
	c.UpdateContent(types.MarkdownContent{Content: types.MarkdownString{Value: "trusted", IsTrusted: true}})
	c.UpdateContent(types.MarkdownContent{Content: types.MarkdownString{Value: "html", IsTrusted: true, SupportHTML: true}})
	c.UpdateContent(types.MarkdownContent{Content: types.MarkdownString{Value: "base", BaseURI: "file:///x"}})

	assert.Equal(t, 4, c.Len())
}

func TestUpdateContent_MarkdownNotMergedAcrossOtherParts(t *testing.T) {
	c := NewResponseContent(nil, nil)

	c.UpdateContent(md("one"))
	c.UpdateContent(types.ProgressMessage{Content: types.Markdown("working")})
	c.UpdateContent(md("two"))

	parts := c.Parts()
	require.Len(t, parts, 3)
	assert.Equal(t, types.KindMarkdownContent, parts[2].ProgressKind())
	assert.Equal(t, "onetwo", c.Markdown())
	assert.Equal(t, "one\n\nworking\n\ntwo", c.String())
}

func TestUpdateContent_BucketsEditsByURI(t *testing.T) {
	c := NewResponseContent(nil, nil)

	c.UpdateContent(edit("file:///a.ts", "a1"))
	c.UpdateContent(edit("file:///b.ts", "b1"))
	c.UpdateContent(edit("file:///a.ts", "a2"))
	c.UpdateContent(md("between"))
	c.UpdateContent(edit("file:///b.ts", "b2"))
	c.UpdateContent(edit("file:///a.ts", "a3"))

	var groups []types.TextEditGroup
	for _, p := range c.Parts() {
		if g, ok := p.(types.TextEditGroup); ok {
			groups = append(groups, g)
		}
	}
	require.Len(t, groups, 2)

	texts := func(g types.TextEditGroup) []string {
		var out []string
		for _, batch := range g.Edits {
			for _, e := range batch {
				out = append(out, e.Text)
			}
		}
		return out
	}
	assert.Equal(t, "file:///a.ts", groups[0].URI)
	assert.Equal(t, []string{"a1", "a2", "a3"}, texts(groups[0]))
	assert.Equal(t, "file:///b.ts", groups[1].URI)
	assert.Equal(t, []string{"b1", "b2"}, texts(groups[1]))
}

func TestUpdateContent_EmptyEditBatch(t *testing.T) {
	c := NewResponseContent(nil, nil)

	assert.False(t, c.UpdateContent(types.TextEditProgress{URI: "file:///a.ts"}))
	assert.Equal(t, 0, c.Len())

	c.UpdateContent(edit("file:///a.ts", "x"))
	assert.True(t, c.UpdateContent(types.TextEditProgress{URI: "file:///a.ts", Done: true}))

	g := c.Parts()[0].(types.TextEditGroup)
	assert.Len(t, g.Edits, 1)
	assert.True(t, g.Done)
}

func TestUpdateContent_PlanStepsMergedByIndex(t *testing.T) {
	c := NewResponseContent(nil, nil)

	c.UpdateContent(types.PlanStep{Index: 0, Title: "Read"})
	c.UpdateContent(types.PlanStep{Index: 1, Title: "Write"})
	c.UpdateContent(types.PlanStep{Index: 0, Title: "Read", Description: "carefully"})

	parts := c.Parts()
	require.Len(t, parts, 2)
	assert.Equal(t, "carefully", parts[0].(types.PlanStep).Description)
}

func TestUpdateContent_TaskSettlesInPlace(t *testing.T) {
	var notified atomic.Int32
	c := NewResponseContent(nil, func() { notified.Add(1) })

	progress := make(chan types.MarkdownString, 1)
	result := make(chan types.TaskResult, 1)
	c.UpdateContent(types.Task{Content: types.Markdown("Indexing"), Progress: progress, Result: result})
	c.UpdateContent(md("after"))

	require.True(t, c.HasPendingTasks())
	pending := c.Parts()[0].(types.ProgressTask)
	assert.False(t, pending.Done)

	progress <- types.Markdown("50%")
	require.Eventually(t, func() bool {
		return len(c.Parts()[0].(types.ProgressTask).Progress) == 1
	}, time.Second, 5*time.Millisecond)

	done := types.Markdown("Indexed 12 files")
	result <- types.TaskResult{Content: &done}
	require.Eventually(t, func() bool { return !c.HasPendingTasks() }, time.Second, 5*time.Millisecond)

	parts := c.Parts()
	require.Len(t, parts, 2)
	settled := parts[0].(types.ProgressTask)
	assert.True(t, settled.Done)
	assert.Equal(t, "Indexed 12 files", settled.Content.Value)
	assert.Equal(t, "after", parts[1].(types.MarkdownContent).Content.Value)
	assert.GreaterOrEqual(t, notified.Load(), int32(2))
}

func TestUpdateContent_TaskError(t *testing.T) {
	c := NewResponseContent(nil, nil)
	result := make(chan types.TaskResult, 1)
	c.UpdateContent(types.Task{Content: types.Markdown("Fetching"), Result: result})

	result <- types.TaskResult{Err: errors.New("network down")}
	require.Eventually(t, func() bool { return !c.HasPendingTasks() }, time.Second, 5*time.Millisecond)

	pt := c.Parts()[0].(types.ProgressTask)
	assert.True(t, pt.IsError)
	assert.Equal(t, "network down", pt.Content.Value)
}

func TestDispose_StopsTaskUpdates(t *testing.T) {
	c := NewResponseContent(nil, nil)
	result := make(chan types.TaskResult, 1)
	c.UpdateContent(types.Task{Content: types.Markdown("Slow"), Result: result})

	c.Dispose()
	done := types.Markdown("late")
	result <- types.TaskResult{Content: &done}

	time.Sleep(20 * time.Millisecond)
	pt := c.Parts()[0].(types.ProgressTask)
	assert.False(t, pt.Done)
	assert.False(t, c.UpdateContent(md("ignored")))
}

func TestClear_DropsParts(t *testing.T) {
	c := NewResponseContent([]types.Part{md("secret")}, nil)
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.String())
}

func TestString_IncludesCitations(t *testing.T) {
	c := NewResponseContent(nil, nil)
	c.UpdateContent(md("Here is code"))
	assert.True(t, c.AddCitation(types.CodeCitation{URI: "https://example.com/repo", License: "MIT", Snippet: "x := 1"}))
	assert.False(t, c.AddCitation(types.CodeCitation{URI: "https://other.example.com", License: "MIT", Snippet: "x := 1"}))

	assert.Len(t, c.Citations(), 1)
	assert.Contains(t, c.String(), "Here is code\n\nSimilar code found with licenses:")
	assert.Contains(t, c.String(), "https://example.com/repo (MIT)")
}
