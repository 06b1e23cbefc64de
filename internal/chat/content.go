package chat

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/aide-ai/aide/pkg/types"
)

// ResponseContent accumulates streamed progress into an ordered list of
// content parts and keeps two derived projections current: a flattened text
// form (one entry per part, blank-line separated, citations appended) and a
// markdown-only form.
type ResponseContent struct {
	mu        sync.Mutex
	parts     []types.Part
	citations []types.CodeCitation
	repr      string
	markdown  string

	// generation invalidates running task watchers when the parts are cleared.
	generation int
	stop       chan struct{}
	disposed   bool

	// notify is called, without locks held, after a task watcher changed a part.
	notify func()
}

// NewResponseContent creates an accumulator seeded with parts. notify may be nil.
func NewResponseContent(parts []types.Part, notify func()) *ResponseContent {
	c := &ResponseContent{
		parts:  append([]types.Part(nil), parts...),
		stop:   make(chan struct{}),
		notify: notify,
	}
	c.recompute()
	return c
}

// UpdateContent appends or merges one progress fragment. It reports whether
// the content changed.
func (c *ResponseContent) UpdateContent(progress types.Progress) bool {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return false
	}

	changed := true
	switch p := progress.(type) {
	case types.MarkdownContent:
		c.mergeMarkdown(p)
	case types.TextEditProgress:
		changed = c.bucketEdits(p)
	case types.Task:
		c.startTask(p)
	case types.PlanStep:
		c.upsertPlanStep(p)
	case types.Part:
		c.parts = append(c.parts, p)
	default:
		changed = false
	}

	if changed {
		c.recompute()
	}
	c.mu.Unlock()
	return changed
}

func (c *ResponseContent) mergeMarkdown(p types.MarkdownContent) {
	if n := len(c.parts); n > 0 {
		if last, ok := c.parts[n-1].(types.MarkdownContent); ok && last.Content.SameFormat(p.Content) {
			last.Content.Value += p.Content.Value
			c.parts[n-1] = last
			return
		}
	}
	c.parts = append(c.parts, p)
}

// bucketEdits adds the batch to the most recent group for the same URI.
func (c *ResponseContent) bucketEdits(p types.TextEditProgress) bool {
	idx := -1
	for i := len(c.parts) - 1; i >= 0; i-- {
		if g, ok := c.parts[i].(types.TextEditGroup); ok && g.URI == p.URI {
			idx = i
			break
		}
	}

	if len(p.Edits) == 0 {
		// An empty batch may still close an existing group.
		if idx >= 0 && p.Done {
			g := c.parts[idx].(types.TextEditGroup)
			if !g.Done {
				g.Done = true
				c.parts[idx] = g
				return true
			}
		}
		return false
	}

	batch := append([]types.TextEdit(nil), p.Edits...)
	if idx < 0 {
		c.parts = append(c.parts, types.TextEditGroup{
			URI:   p.URI,
			Edits: [][]types.TextEdit{batch},
			Done:  p.Done,
		})
		return true
	}

	g := c.parts[idx].(types.TextEditGroup)
	edits := make([][]types.TextEdit, len(g.Edits), len(g.Edits)+1)
	copy(edits, g.Edits)
	g.Edits = append(edits, batch)
	g.Done = p.Done
	c.parts[idx] = g
	return true
}

func (c *ResponseContent) upsertPlanStep(p types.PlanStep) {
	for i, part := range c.parts {
		if s, ok := part.(types.PlanStep); ok && s.Index == p.Index {
			c.parts[i] = p
			return
		}
	}
	c.parts = append(c.parts, p)
}

// startTask pushes a pending placeholder and watches the task until it
// settles. Must be called with c.mu held.
func (c *ResponseContent) startTask(t types.Task) {
	idx := len(c.parts)
	c.parts = append(c.parts, types.ProgressTask{Content: t.Content})
	gen := c.generation
	stop := c.stop

	go func() {
		progress := t.Progress
		for {
			select {
			case <-stop:
				return
			case msg, ok := <-progress:
				if !ok {
					progress = nil
					continue
				}
				c.updateTask(gen, idx, func(pt *types.ProgressTask) {
					pt.Progress = append(pt.Progress, msg)
				})
			case res, ok := <-t.Result:
				c.updateTask(gen, idx, func(pt *types.ProgressTask) {
					pt.Done = true
					if !ok {
						return
					}
					if res.Content != nil {
						pt.Content = *res.Content
					}
					if res.Err != nil {
						pt.IsError = true
						if res.Content == nil {
							pt.Content = types.Markdown(res.Err.Error())
						}
					}
				})
				return
			}
		}
	}()
}

func (c *ResponseContent) updateTask(gen, idx int, fn func(*types.ProgressTask)) {
	c.mu.Lock()
	if c.disposed || c.generation != gen || idx >= len(c.parts) {
		c.mu.Unlock()
		return
	}
	pt, ok := c.parts[idx].(types.ProgressTask)
	if !ok || pt.Done {
		c.mu.Unlock()
		return
	}
	pt.Progress = append([]types.MarkdownString(nil), pt.Progress...)
	fn(&pt)
	c.parts[idx] = pt
	c.recompute()
	notify := c.notify
	c.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// AddCitation records a code citation, ignoring duplicates by license and snippet.
func (c *ResponseContent) AddCitation(cit types.CodeCitation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.citations {
		if existing.License == cit.License && existing.Snippet == cit.Snippet {
			return false
		}
	}
	c.citations = append(c.citations, cit)
	c.recompute()
	return true
}

// Citations returns the recorded code citations.
func (c *ResponseContent) Citations() []types.CodeCitation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.CodeCitation(nil), c.citations...)
}

// Parts returns a copy of the content parts.
func (c *ResponseContent) Parts() []types.Part {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Part(nil), c.parts...)
}

// Len returns the number of parts.
func (c *ResponseContent) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.parts)
}

// HasPendingTasks reports whether any task placeholder is still unsettled.
func (c *ResponseContent) HasPendingTasks() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.parts {
		if pt, ok := p.(types.ProgressTask); ok && !pt.Done {
			return true
		}
	}
	return false
}

// String returns the flattened text projection.
func (c *ResponseContent) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repr
}

// Markdown returns the markdown-only projection.
func (c *ResponseContent) Markdown() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markdown
}

// Clear drops every part and stops pending task watchers.
func (c *ResponseContent) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.parts = nil
	c.generation++
	close(c.stop)
	c.stop = make(chan struct{})
	c.recompute()
}

// StopTasks stops watching pending tasks. Their placeholders stay as they are.
func (c *ResponseContent) StopTasks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.generation++
	close(c.stop)
	c.stop = make(chan struct{})
}

// Dispose stops task watchers and rejects further updates.
func (c *ResponseContent) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	close(c.stop)
	c.mu.Unlock()
}

func (c *ResponseContent) recompute() {
	entries := make([]string, 0, len(c.parts)+1)
	var md strings.Builder
	for _, p := range c.parts {
		if s := partString(p); s != "" {
			entries = append(entries, s)
		}
		switch v := p.(type) {
		case types.MarkdownContent:
			md.WriteString(v.Content.Value)
		case types.InlineReference:
			md.WriteString(inlineReferenceMarkdown(v))
		}
	}
	if len(c.citations) > 0 {
		entries = append(entries, citationsSummary(c.citations))
	}
	c.repr = strings.Join(entries, "\n\n")
	c.markdown = md.String()
}

func partString(p types.Part) string {
	switch v := p.(type) {
	case types.MarkdownContent:
		return v.Content.Value
	case types.TreeData:
		return treeString(v.Tree, 0)
	case types.InlineReference:
		return referenceName(v)
	case types.ProgressMessage:
		return v.Content.Value
	case types.CommandButton:
		return v.Command.Title
	case types.Warning:
		return v.Content.Value
	case types.ProgressTask:
		return v.Content.Value
	case types.TextEditGroup:
		return fmt.Sprintf("Made changes to %s", path.Base(v.URI))
	case types.Confirmation:
		return strings.TrimSpace(v.Title + "\n" + v.Message)
	case types.ToolTypeError:
		return "Error: " + v.Message
	case types.PlanStep:
		s := fmt.Sprintf("Step %d: %s", v.Index+1, v.Title)
		if v.Description != "" {
			s += "\n" + v.Description
		}
		return s
	}
	return ""
}

func treeString(n types.TreeNode, depth int) string {
	lines := []string{strings.Repeat("  ", depth) + n.Label}
	for _, child := range n.Children {
		lines = append(lines, treeString(child, depth+1))
	}
	return strings.Join(lines, "\n")
}

func referenceName(r types.InlineReference) string {
	if r.Name != "" {
		return r.Name
	}
	return path.Base(r.Reference.URI)
}

func inlineReferenceMarkdown(r types.InlineReference) string {
	return fmt.Sprintf("[%s](%s)", referenceName(r), r.Reference.URI)
}

func citationsSummary(cits []types.CodeCitation) string {
	lines := make([]string, 0, len(cits)+1)
	lines = append(lines, "Similar code found with licenses:")
	for _, c := range cits {
		lines = append(lines, fmt.Sprintf("- %s (%s)", c.URI, c.License))
	}
	return strings.Join(lines, "\n")
}
