package editing

import (
	"sync"

	"github.com/aide-ai/aide/internal/event"
)

// EntryState is the decision state of a modified file.
type EntryState int

const (
	EntryModified EntryState = iota
	EntryAccepted
	EntryRejected
)

func (s EntryState) String() string {
	switch s {
	case EntryModified:
		return "modified"
	case EntryAccepted:
		return "accepted"
	case EntryRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// WorkingSetKind is how a file came to be in the working set.
type WorkingSetKind string

const (
	WorkingSetAttached  WorkingSetKind = "attached"
	WorkingSetSent      WorkingSetKind = "sent"
	WorkingSetSuggested WorkingSetKind = "suggested"
	WorkingSetTransient WorkingSetKind = "transient"
)

// WorkingSetMeta is the display metadata of a working-set file.
type WorkingSetMeta struct {
	Kind        WorkingSetKind `json:"kind"`
	Description string         `json:"description,omitempty"`
	ReadOnly    bool           `json:"readOnly,omitempty"`
}

// WorkingSetItem is one file of the working set with its entry, if edited.
type WorkingSetItem struct {
	URI   string
	Meta  WorkingSetMeta
	Entry *Entry
}

// Entry tracks the proposed edits to one file.
type Entry struct {
	uri  string
	path string

	mu              sync.RWMutex
	original        string
	originalExisted bool
	content         string
	exists          bool
	state           EntryState
	diff            DiffInfo

	modifying    *event.Observable[bool]
	rewriteRatio *event.Observable[float64]
}

func newEntry(uri, path, original string, existed bool) *Entry {
	return &Entry{
		uri:             uri,
		path:            path,
		original:        original,
		originalExisted: existed,
		content:         original,
		exists:          true,
		state:           EntryModified,
		diff:            DiffInfo{Identical: true},
		modifying:       event.NewObservable(false),
		rewriteRatio:    event.NewObservable(0.0),
	}
}

func (e *Entry) URI() string  { return e.uri }
func (e *Entry) Path() string { return e.path }

func (e *Entry) State() EntryState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Original returns the content before the first undecided edit.
func (e *Entry) Original() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.original
}

// Content returns the current, possibly partially rewritten, content.
func (e *Entry) Content() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.content
}

func (e *Entry) DiffInfo() DiffInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.diff
}

func (e *Entry) IsCurrentlyBeingModified() bool { return e.modifying.Get() }
func (e *Entry) RewriteRatio() float64          { return e.rewriteRatio.Get() }

// OnModifyingChange subscribes to the being-modified flag.
func (e *Entry) OnModifyingChange(fn func(bool)) *event.Subscription {
	return e.modifying.Subscribe(fn)
}

// OnRewriteRatioChange subscribes to streaming progress.
func (e *Entry) OnRewriteRatioChange(fn func(float64)) *event.Subscription {
	return e.rewriteRatio.Subscribe(fn)
}

func (e *Entry) setContent(content string) {
	e.mu.Lock()
	e.content = content
	e.mu.Unlock()
}

func (e *Entry) recomputeDiff(baseDir string) DiffInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.diff = computeDiff(e.path, e.original, e.content, baseDir)
	return e.diff
}

// rebase starts a new undecided round from the given on-disk content.
func (e *Entry) rebase(content string, existed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.original = content
	e.originalExisted = existed
	e.content = content
	e.exists = true
	e.state = EntryModified
	e.diff = DiffInfo{Identical: true}
}

// transition moves a modified entry to state. It reports false when the entry
// was already decided.
func (e *Entry) transition(state EntryState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != EntryModified {
		return false
	}
	e.state = state
	return true
}

type entryState struct {
	original        string
	originalExisted bool
	content         string
	exists          bool
	state           EntryState
}

func (e *Entry) capture() entryState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return entryState{
		original:        e.original,
		originalExisted: e.originalExisted,
		content:         e.content,
		exists:          e.exists,
		state:           e.state,
	}
}

func (e *Entry) restore(s entryState, baseDir string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.original = s.original
	e.originalExisted = s.originalExisted
	e.content = s.content
	e.exists = s.exists
	e.state = s.state
	e.diff = computeDiff(e.path, e.original, e.content, baseDir)
}

// revert puts the pre-edit content back and returns what the file should hold.
func (e *Entry) revert() (content string, exists bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.content = e.original
	e.exists = e.originalExisted
	e.diff = DiffInfo{Identical: true}
	return e.original, e.originalExisted
}

// settle clears the streaming observables.
func (e *Entry) settle() {
	e.modifying.Set(false)
	e.rewriteRatio.Set(0)
}
